package opnsense

import (
	"errors"
	"fmt"
)

// ErrNotSaved is returned when OPNsense answers an add call without saving the object.
var ErrNotSaved = errors.New("opnsense did not save the object")

// APIError is a non-2xx answer from the OPNsense API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}
