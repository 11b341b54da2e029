// Package resilience classifies transient capability failures and retries them.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsTransient reports whether err is worth retrying: a transient upstream
// status, a network timeout, or a dropped connection. Context cancellation
// is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsTransientHTTPStatus(sc.HTTPStatus())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range droppedConnMessages {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// droppedConnMessages match transport errors that surface only as text,
// typically after an SDK has flattened the underlying error.
var droppedConnMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// statusOverloaded is returned by the Anthropic API when it sheds load.
const statusOverloaded = 529

// IsTransientHTTPStatus reports whether an upstream status is worth
// retrying: timeouts, rate limits, overload and 5xx gateway errors.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		statusOverloaded:
		return true
	}
	return false
}
