package fallback

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestFirstSuccessfulStopsAtFirstSuccess(t *testing.T) {
	var calls []string
	attempts := []Attempt[int]{
		{Name: "local", Run: func(ctx context.Context) (int, error) {
			calls = append(calls, "local")
			return 0, errors.New("missing files")
		}},
		{Name: "cdn", Run: func(ctx context.Context) (int, error) {
			calls = append(calls, "cdn")
			return 7, nil
		}},
		{Name: "mirror", Run: func(ctx context.Context) (int, error) {
			calls = append(calls, "mirror")
			return 9, nil
		}},
	}

	v, name, err := FirstSuccessful(context.Background(), attempts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 || name != "cdn" {
		t.Fatalf("got (%d, %q), want (7, \"cdn\")", v, name)
	}
	if strings.Join(calls, ",") != "local,cdn" {
		t.Fatalf("unexpected call order: %v", calls)
	}
}

func TestFirstSuccessfulExhausted(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	attempts := []Attempt[string]{
		{Name: "a", Run: func(ctx context.Context) (string, error) { return "", errA }},
		{Name: "b", Run: func(ctx context.Context) (string, error) { return "", errB }},
	}

	_, _, err := FirstSuccessful(context.Background(), attempts)
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if len(exhausted.Failures) != 2 || exhausted.Failures[0].Name != "a" || exhausted.Failures[1].Name != "b" {
		t.Fatalf("unexpected failures: %+v", exhausted.Failures)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatal("expected both attempt errors to be reachable via errors.Is")
	}
}

func TestFirstSuccessfulEmpty(t *testing.T) {
	_, _, err := FirstSuccessful[int](context.Background(), nil)
	if !errors.Is(err, ErrNoAttempts) {
		t.Fatalf("expected ErrNoAttempts, got %v", err)
	}
}

func TestFirstSuccessfulHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	attempts := []Attempt[int]{
		{Name: "first", Run: func(ctx context.Context) (int, error) {
			ran++
			cancel()
			return 0, errors.New("nope")
		}},
		{Name: "second", Run: func(ctx context.Context) (int, error) {
			ran++
			return 1, nil
		}},
	}

	_, _, err := FirstSuccessful(ctx, attempts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected 1 attempt to run, got %d", ran)
	}
}
