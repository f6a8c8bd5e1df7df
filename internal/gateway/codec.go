package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/koopa0/system-design/pong-server/internal/game"
	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
)

// 訊息信封：{"event": <名稱>, "data": <內容>}
//
// 兩種編碼：
//   - json：文字幀，預設
//   - msgpack：二進位幀（?codec=msgpack），欄位名稱沿用 json tag，
//     與 JSON 客戶端看到的結構完全相同，只是更小
//
// 每個 tick 都全量廣播，msgpack 約可省下三到四成頻寬。

// Inbound 解碼後的客戶端訊息
type Inbound struct {
	Event string
	Input game.InputPayload // 只有 player-input 會填
}

// Codec 訊息編解碼
type Codec interface {
	Name() string
	FrameType() int // websocket.TextMessage / websocket.BinaryMessage
	Encode(event string, payload any) ([]byte, error)
	Decode(data []byte) (Inbound, error)
}

// CodecByName 依查詢參數選擇編碼，未知名稱回傳 false
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSONCodec{}, true
	case "msgpack":
		return MsgpackCodec{}, true
	}
	return nil, false
}

// JSONCodec JSON 文字幀
type JSONCodec struct{}

type jsonEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (JSONCodec) Name() string   { return "json" }
func (JSONCodec) FrameType() int { return websocket.TextMessage }

func (JSONCodec) Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, payload})
}

func (JSONCodec) Decode(data []byte) (Inbound, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed message")
	}

	in := Inbound{Event: env.Event}
	if env.Event == game.EventPlayerInput {
		if len(env.Data) == 0 {
			return Inbound{}, apperrors.ErrMalformedMessage.WithDetails("player-input without data")
		}
		if err := json.Unmarshal(env.Data, &in.Input); err != nil {
			return Inbound{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed player-input")
		}
	}
	return in, validate(in)
}

// MsgpackCodec MessagePack 二進位幀
type MsgpackCodec struct{}

type msgpackEnvelope struct {
	Event string             `json:"event"`
	Data  msgpack.RawMessage `json:"data,omitempty"`
}

func (MsgpackCodec) Name() string   { return "msgpack" }
func (MsgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(event string, payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")

	err := enc.Encode(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, payload})
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (Inbound, error) {
	var env msgpackEnvelope
	if err := msgpackUnmarshal(data, &env); err != nil {
		return Inbound{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed message")
	}

	in := Inbound{Event: env.Event}
	if env.Event == game.EventPlayerInput {
		if len(env.Data) == 0 {
			return Inbound{}, apperrors.ErrMalformedMessage.WithDetails("player-input without data")
		}
		if err := msgpackUnmarshal(env.Data, &in.Input); err != nil {
			return Inbound{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed player-input")
		}
	}
	return in, validate(in)
}

func msgpackUnmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// validate 只檢查協議層面的錯誤；房間、角色等語意錯誤交給引擎靜默忽略
func validate(in Inbound) error {
	switch in.Event {
	case game.EventJoinRequest, game.EventPlayerInput:
		return nil
	case "":
		return apperrors.ErrMalformedMessage.WithDetails("missing event")
	}
	return apperrors.ErrUnknownEvent.WithDetails(in.Event)
}
