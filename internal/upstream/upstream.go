// Package upstream describes failures of the third-party services the
// extraction pipeline depends on (content fetch and model extraction).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind tells a caller how a service call failed.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindHTTP      Kind = "http"
	KindTransport Kind = "transport"
	KindDecode    Kind = "decode"
)

// Error is returned by the service clients for every failed call.
type Error struct {
	Service    string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s: request timed out", e.Service)
	case KindHTTP:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Message)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %s", e.Service, e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus builds the error for a non-2xx response.
func HTTPStatus(service string, status int, body string) *Error {
	const maxBody = 300
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &Error{Service: service, Kind: KindHTTP, StatusCode: status, Message: body}
}

// Classify turns a transport-level error into an *Error. A deadline on the
// per-call context becomes KindTimeout. Cancellation from the caller is
// returned unchanged so that it can be told apart from service failures.
func Classify(service string, callCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Service: service, Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Service: service, Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Service: service, Kind: KindTransport, Err: err}
}

// IsTimeout reports whether err is a service timeout.
func IsTimeout(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == KindTimeout
}

// IsHTTP reports whether err is a non-success HTTP status from a service.
func IsHTTP(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == KindHTTP
}
