// Package delivery ships batches of serialized records to the intake.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Outcome is the classification of a send attempt.
type Outcome int

const (
	Success Outcome = iota
	Retriable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	default:
		return "fatal"
	}
}

// RetriableError is a network failure or a server-side rejection.
type RetriableError struct {
	StatusCode int
	Err        error
}

func (e *RetriableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retriable: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("retriable: %v", e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// FatalError is a client-side rejection or a scrubbing failure. The batch is
// dropped.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Classify maps a Send result to an Outcome. Unknown errors are fatal.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var re *RetriableError
	if errors.As(err, &re) {
		return Retriable
	}
	return Fatal
}

// StatusError classifies an HTTP status code.
func StatusError(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return &RetriableError{StatusCode: code, Err: errors.New(body)}
	default:
		return &FatalError{StatusCode: code, Err: errors.New(body)}
	}
}

// Transport sends one batch. Implementations return nil, a *RetriableError
// or a *FatalError.
type Transport interface {
	Send(ctx context.Context, batch [][]byte) error
	Close() error
}

// Scrubber redacts a serialized payload.
type Scrubber interface {
	Scrub(payload string) (string, error)
}

func scrubPayload(s Scrubber, payload string) (string, error) {
	if s == nil {
		return payload, nil
	}
	out, err := s.Scrub(payload)
	if err != nil {
		return "", &FatalError{Err: fmt.Errorf("could not scrub the payload: %w", err)}
	}
	return out, nil
}
