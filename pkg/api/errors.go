package api

import "fmt"

// HTTPError is returned for any non-2xx response, carrying the status code
// and the response body text.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Status, e.Body)
}

// TransportError wraps a network-level failure of a fetch or of the push
// stream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError wraps a malformed response body or push frame.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
