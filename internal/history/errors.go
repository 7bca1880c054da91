package history

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-success response from the history API. Callers can use
// errors.As to extract the structured information:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type APIError struct {
	// Op is the client operation that failed (e.g. "send_message").
	Op string `json:"-"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
	// Code is the machine-readable error code from the server, if any.
	Code string `json:"code"`
	// Message is the human-readable error description from the server.
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("history: %s: %s (%d): %s", e.Op, e.Code, e.StatusCode, msg)
	}
	return fmt.Sprintf("history: %s: %d: %s", e.Op, e.StatusCode, msg)
}

// ErrMalformedResponse is wrapped by errors for 2xx responses whose body
// could not be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}
