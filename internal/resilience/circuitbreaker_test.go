package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	b := New(cfg)
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	b.now = c.Now
	return b, c
}

func fail() error { return errTest }
func ok() error { return nil }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "rooms"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 3})

	for i := range 3 {
		if err := b.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("call %d: err = %v, want errTest", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 2})

	_ = b.Execute(fail)
	_ = b.Execute(ok)
	_ = b.Execute(fail)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	notFound := errors.New("not found")
	b, _ := newTestBreaker(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, notFound) },
	})

	for range 3 {
		_ = b.Execute(func() error { return notFound })
	}
	_ = b.Execute(func() error { return context.Canceled })
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 1})
	_ = b.Execute(func() error { return context.Canceled })
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenTrialCloses(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Minute})

	_ = b.Execute(fail)
	clk.Advance(30 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open before the timeout", b.State())
	}
	clk.Advance(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the timeout", b.State())
	}
	if err := b.Execute(ok); err != nil {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after a successful trial", b.State())
	}
}

func TestBreaker_HalfOpenTrialReopens(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second})

	_ = b.Execute(fail)
	clk.Advance(2 * time.Second)
	if err := b.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open after a failed trial", b.State())
	}
	if err := b.Execute(ok); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen right after re-opening", err)
	}
}

func TestBreaker_HalfOpenLimitsTrials(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second})
	_ = b.Execute(fail)
	clk.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Execute(ok); !errors.Is(err, ErrOpen) {
		t.Errorf("second trial err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_StateHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []string
	b, clk := newTestBreaker(Config{
		Name:         "rooms",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			got = append(got, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = b.Execute(fail)
	clk.Advance(2 * time.Second)
	_ = b.Execute(ok)

	want := []string{"rooms:closed->open", "rooms:open->half-open", "rooms:half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 1})
	_ = b.Execute(fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after Reset", b.State())
	}
	if err := b.Execute(ok); err != nil {
		t.Errorf("err = %v after Reset", err)
	}
}

func TestDo_ReturnsResult(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 1})

	n, err := Do(b, func() (int, error) { return 42, nil })
	if err != nil || n != 42 {
		t.Errorf("Do() = %d, %v; want 42, nil", n, err)
	}
	_, _ = Do(b, func() (int, error) { return 0, errTest })
	if _, err := Do(b, func() (int, error) { return 1, nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Do() err = %v, want ErrOpen", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
