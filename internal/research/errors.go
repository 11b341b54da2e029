package research

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-research/pkg/anthropic"
	"github.com/sells-group/lead-research/pkg/perplexity"
)

// Capability names used in errors, logs and metrics.
const (
	CapabilityReasoning     = "reasoning"
	CapabilitySearch        = "search"
	CapabilityNormalization = "normalization"
)

// ErrMissingCredentials is returned on first use of a capability whose API
// key was not configured.
var ErrMissingCredentials = eris.New("research: missing credentials")

func missingCredentials(capability string) error {
	return eris.Wrapf(ErrMissingCredentials, "research: %s capability", capability)
}

// TransportError is a non-success response from an external capability.
type TransportError struct {
	Capability string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("research: %s returned status %d: %s", e.Capability, e.StatusCode, strings.TrimSpace(e.Body))
}

// HTTPStatus returns the upstream status code.
func (e *TransportError) HTTPStatus() int { return e.StatusCode }

// NormalizeError means the normalization response could not be coerced into
// a research result.
type NormalizeError struct {
	Raw string
	Err error
}

func (e *NormalizeError) Error() string {
	return fmt.Sprintf("research: normalize response: %v", e.Err)
}

func (e *NormalizeError) Unwrap() error { return e.Err }

// asTransportError lifts client status errors into a TransportError tagged
// with the capability. Other errors pass through unchanged.
func asTransportError(capability string, err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return &TransportError{Capability: capability, StatusCode: apiErr.StatusCode, Body: apiErr.Body}
	}
	var pErr *perplexity.StatusError
	if errors.As(err, &pErr) {
		return &TransportError{Capability: capability, StatusCode: pErr.StatusCode, Body: pErr.Body}
	}
	return err
}
