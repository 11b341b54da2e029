package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid input"), false},
		{"429", &statusErr{429}, true},
		{"503 wrapped", fmt.Errorf("search: %w", &statusErr{503}), true},
		{"400", &statusErr{400}, false},
		{"401", &statusErr{401}, false},
		{"net timeout", fmt.Errorf("send: %w", timeoutErr{}), true},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"overloaded", fmt.Errorf("reason: %w", &statusErr{529}), true},
		{"unexpected eof text", errors.New("read body: Unexpected EOF"), true},
		{"canceled", fmt.Errorf("send: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}
