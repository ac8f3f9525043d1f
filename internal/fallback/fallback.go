// Package fallback runs an ordered list of alternatives until one succeeds.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAttempts is returned when FirstSuccessful is given an empty list.
var ErrNoAttempts = errors.New("fallback: no attempts configured")

// Attempt is one named alternative.
type Attempt[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// AttemptError records why a single attempt failed.
type AttemptError struct {
	Name string
	Err  error
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

// ExhaustedError is returned when every attempt failed. Failures are kept in
// the order the attempts ran.
type ExhaustedError struct {
	Failures []AttemptError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "all attempts failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes every attempt error to errors.Is/As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FirstSuccessful runs attempts in order and returns the first result that
// comes back without error, along with the name of the attempt that produced
// it. Each attempt runs at most once.
func FirstSuccessful[T any](ctx context.Context, attempts []Attempt[T]) (T, string, error) {
	var zero T
	if len(attempts) == 0 {
		return zero, "", ErrNoAttempts
	}

	exhausted := &ExhaustedError{}
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			exhausted.Failures = append(exhausted.Failures, AttemptError{Name: a.Name, Err: err})
			return zero, "", exhausted
		}
		v, err := a.Run(ctx)
		if err == nil {
			return v, a.Name, nil
		}
		exhausted.Failures = append(exhausted.Failures, AttemptError{Name: a.Name, Err: err})
	}
	return zero, "", exhausted
}
