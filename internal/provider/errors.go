package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Code is a provider error category shared by every adapter.
type Code string

const (
	CodeUnreachable   Code = "PROVIDER_UNREACHABLE"
	CodeTimeout       Code = "PROVIDER_TIMEOUT"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeModelNotFound Code = "MODEL_NOT_FOUND"
	CodeProviderError Code = "PROVIDER_ERROR"
)

// Error is the structured failure every adapter surfaces. Status is the
// HTTP status the API layer should use when the error escapes a request.
type Error struct {
	Code    Code
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownProvider is returned by Registry.Get for an unregistered id.
func ErrUnknownProvider(id string) *Error {
	return &Error{
		Code:    CodeProviderError,
		Message: "Unknown provider: " + id,
		Status:  http.StatusNotFound,
	}
}

// mapTransportError classifies a failure from http.Client.Do or from
// reading a response body.
func mapTransportError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED), isDialError(err):
		return &Error{Code: CodeUnreachable, Message: "Provider is unreachable", Status: http.StatusServiceUnavailable, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Code: CodeTimeout, Message: "Provider request timed out", Status: http.StatusGatewayTimeout, Err: err}
	default:
		return &Error{Code: CodeProviderError, Message: "Provider communication failed", Status: http.StatusBadGateway, Err: err}
	}
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return !opErr.Timeout()
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// mapStatusError classifies a non-2xx upstream response. It consumes a
// bounded prefix of the body to look for a model-not-found message.
func mapStatusError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	cause := fmt.Errorf("upstream status %d", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &Error{Code: CodeRateLimited, Message: "Provider rate limit exceeded", Status: http.StatusTooManyRequests, Err: cause}
	case http.StatusNotFound:
		if mentionsMissingModel(string(body)) {
			return &Error{Code: CodeModelNotFound, Message: "Requested model not found", Status: http.StatusBadRequest, Err: cause}
		}
	}
	return &Error{Code: CodeProviderError, Message: "Provider returned an error", Status: http.StatusBadGateway, Err: cause}
}

func mentionsMissingModel(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "model") &&
		(strings.Contains(b, "not found") || strings.Contains(b, "does not exist"))
}
