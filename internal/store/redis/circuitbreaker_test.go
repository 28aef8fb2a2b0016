package redis

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives the breaker's reset timeout without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(maxFailures, reset)
	cb.now = clk.now
	return cb, clk
}

var errFail = errors.New("fail")

func fail(context.Context) error { return errFail }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, ok)
	cb.Execute(ctx, fail)
	if cb.CurrentState() != StateClosed {
		t.Errorf("non-consecutive failures must not trip, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()

	var transitions []State
	cb.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	if cb.CurrentState() != StateOpen {
		t.Fatal("expected Open")
	}

	clk.advance(60 * time.Millisecond)

	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", cb.CurrentState())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, clk := newTestBreaker(2, 50*time.Millisecond)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)

	clk.advance(60 * time.Millisecond)
	cb.Execute(ctx, fail)

	if cb.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", cb.CurrentState())
	}

	// The reset timeout restarts from the failed probe.
	clk.advance(10 * time.Millisecond)
	if err := cb.Execute(ctx, ok); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_CancelledCallDoesNotCount(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("cancellation must not trip the breaker, got %v", cb.CurrentState())
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d: got %q, want %q", s, s.String(), want)
		}
	}
}
