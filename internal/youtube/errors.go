package youtube

import (
	"errors"
	"fmt"
)

// APIError describes a failed remote call. Op identifies which API operation
// failed so callers can tell handshake steps apart.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.Op != "" && e.StatusCode != 0:
		return fmt.Sprintf("youtube %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Op != "":
		return fmt.Sprintf("youtube %s: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("youtube: HTTP %d: %s", e.StatusCode, e.Message)
	}
}

// wrapOp stamps the operation name onto an APIError produced by the transport
// layer; other errors are wrapped with the operation for context.
func wrapOp(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Op == "" {
			apiErr.Op = op
		}
		return apiErr
	}
	return fmt.Errorf("youtube %s: %w", op, err)
}
