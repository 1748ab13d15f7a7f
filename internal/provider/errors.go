package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"findash/internal/httpx"
)

// Failure kinds. A *ProviderError matches exactly one of these with errors.Is.
var (
	ErrTimeout        = errors.New("provider timeout")
	ErrEmptyResult    = errors.New("provider returned no data")
	ErrMalformed      = errors.New("malformed provider response")
	ErrUnavailable    = errors.New("provider unavailable")
	ErrInvalidRequest = errors.New("invalid request")
	ErrExhausted      = errors.New("all strategies exhausted")
)

// ProviderError is the uniform failure signal of an adapter.
type ProviderError struct {
	Provider string
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == e.Kind }

// Failf builds a ProviderError of the given kind.
func Failf(provider string, kind error, format string, args ...any) error {
	return &ProviderError{Provider: provider, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify maps a transport or decode error into a ProviderError.
// Errors that already carry a kind are returned unchanged.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	kind := ErrUnavailable
	var (
		status *httpx.StatusError
		decode *httpx.DecodeError
		netErr net.Error
		syn    *json.SyntaxError
		typ    *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrTimeout
	case errors.As(err, &status):
		if status.Code == http.StatusNotFound {
			kind = ErrEmptyResult
		}
	case errors.As(err, &decode), errors.As(err, &syn), errors.As(err, &typ):
		kind = ErrMalformed
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// Attempt records the outcome of one strategy in a fallback chain.
type Attempt struct {
	Strategy string
	Err      error
}

// ExhaustedError is returned when every strategy of a chain failed.
type ExhaustedError struct {
	Subject  string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msgs = append(msgs, a.Err.Error())
	}
	return fmt.Sprintf("%v for %s: %s", ErrExhausted, e.Subject, strings.Join(msgs, "; "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// NoData is true when every attempt reported an empty result, which means
// retrying later will not help.
func (e *ExhaustedError) NoData() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, ErrEmptyResult) {
			return false
		}
	}
	return true
}

// UserMessage is a human readable summary suitable for display.
func (e *ExhaustedError) UserMessage() string {
	if e.NoData() {
		return fmt.Sprintf("no data available for %s", e.Subject)
	}
	return fmt.Sprintf("%s is temporarily unreachable, retry later", e.Subject)
}
