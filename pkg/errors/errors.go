// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入（格式錯誤的訊息、未知事件、無效配置）
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyInMatch 已在進行中的比賽
	ErrCodeAlreadyInMatch = "ALREADY_IN_MATCH"
	// ErrCodeRateLimited 請求過於頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeUnavailable 依賴服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 依錯誤碼比較
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本（不修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause 回傳包裝了底層錯誤的副本
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// 預定義錯誤
var (
	ErrMalformedMessage = New(ErrCodeInvalidInput, "malformed message")
	ErrUnknownEvent     = New(ErrCodeInvalidInput, "unknown event")
	ErrInvalidConfig    = New(ErrCodeInvalidInput, "invalid configuration")
	ErrRoomNotFound     = New(ErrCodeNotFound, "room not found")
	ErrAlreadyInMatch   = New(ErrCodeAlreadyInMatch, "You are already in an active match")
	ErrRateLimited      = New(ErrCodeRateLimited, "too many connection attempts")
	ErrRedisUnavailable = New(ErrCodeUnavailable, "redis service unavailable")
	ErrNATSUnavailable  = New(ErrCodeUnavailable, "nats service unavailable")
)

// CodeOf 取出錯誤碼，非 AppError 視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeInvalidInput
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeNotFound
}

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeRateLimited
}

// IsUnavailable 檢查是否為服務不可用錯誤
func IsUnavailable(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeUnavailable
}
