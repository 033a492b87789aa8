package classify

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNoEndpoint is returned when no inference endpoint is configured.
	ErrNoEndpoint = errors.New("classify: inference server URL is not set")

	// ErrNoDetection is returned when the server answers with zero predictions.
	ErrNoDetection = errors.New("classify: no predictions returned")

	// ErrEmptyImage is returned when asked to classify zero bytes.
	ErrEmptyImage = errors.New("classify: empty image")
)

// HTTPError is a non-2xx answer from the inference server.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("classify: server responded with %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("classify: server responded with %d", e.StatusCode)
}

// IsServerError returns true for 5xx responses.
func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// ServerError is an explicit "error" field in an otherwise successful response.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "classify: server error: " + e.Message
}

// Kind classifies an error for reporting.
type Kind int

const (
	KindNone Kind = iota
	KindConfig
	KindHTTP
	KindServer
	KindNoDetection
	KindUnknown
)

// String returns the kind name used in logs and snapshots.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindConfig:
		return "config_error"
	case KindHTTP:
		return "http_error"
	case KindServer:
		return "server_error"
	case KindNoDetection:
		return "no_detection"
	default:
		return "unknown_error"
	}
}

// Detection reports whether the kind means "the server looked but found nothing usable".
// These are the recoverable per-frame failures.
func (k Kind) Detection() bool {
	return k == KindHTTP || k == KindServer || k == KindNoDetection
}

// KindOf maps err to its Kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var httpErr *HTTPError
	var serverErr *ServerError
	switch {
	case errors.Is(err, ErrNoEndpoint):
		return KindConfig
	case errors.As(err, &httpErr):
		return KindHTTP
	case errors.As(err, &serverErr):
		return KindServer
	case errors.Is(err, ErrNoDetection):
		return KindNoDetection
	default:
		return KindUnknown
	}
}

// NoFaceMessage is shown for every detection failure.
const NoFaceMessage = "No face detected. Make sure a face is in the camera frame."

// UserMessage returns the message presented for a kind.
// HTTP, server and empty-prediction failures share one message; the kind
// itself is kept for logs.
func UserMessage(k Kind) string {
	switch k {
	case KindHTTP, KindServer, KindNoDetection:
		return NoFaceMessage
	case KindConfig:
		return "Inference server URL is not set."
	case KindNone:
		return ""
	default:
		return "An unknown error occurred."
	}
}
