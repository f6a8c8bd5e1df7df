package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"malformed", apperrors.ErrMalformedMessage, http.StatusBadRequest},
		{"room not found", apperrors.ErrRoomNotFound.WithDetails("room_x"), http.StatusNotFound},
		{"rate limited", apperrors.ErrRateLimited, http.StatusTooManyRequests},
		{"wrapped unavailable", fmt.Errorf("admit: %w", apperrors.ErrRedisUnavailable.WithCause(errors.New("refused"))), http.StatusServiceUnavailable},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}
