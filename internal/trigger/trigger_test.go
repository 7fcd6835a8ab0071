package trigger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (s *SingleFlight) state() (running, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.pending
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := NewDebouncer(50 * time.Millisecond)

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.Trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(150 * time.Millisecond)

	// Should only be called once despite 5 triggers
	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

func TestDebouncer_LastCallbackWins(t *testing.T) {
	var got atomic.Int32
	d := NewDebouncer(20 * time.Millisecond)

	d.Trigger(func() { got.Store(1) })
	d.Trigger(func() { got.Store(2) })

	time.Sleep(100 * time.Millisecond)
	if v := got.Load(); v != 2 {
		t.Errorf("expected the last callback to run, got %d", v)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	var called atomic.Bool
	d := NewDebouncer(20 * time.Millisecond)

	d.Trigger(func() { called.Store(true) })
	d.Stop()
	d.Trigger(func() { called.Store(true) })

	time.Sleep(80 * time.Millisecond)
	if called.Load() {
		t.Error("callback must not run after Stop")
	}
}

// TestSingleFlight verifies that concurrent Run calls use single-flight
// semantics: at most one run at a time and at most one additional run queued;
// excess concurrent requests are dropped.
func TestSingleFlight(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	var runs atomic.Int32

	sf := NewSingleFlight(func(ctx context.Context) error {
		runs.Add(1)
		once.Do(func() { close(started) })
		<-proceed
		return nil
	}, testLogger())

	ctx := context.Background()

	// Start first run in background; it blocks until proceed is closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sf.Run(ctx)
	}()

	<-started

	// Fire three more concurrent calls while the first is running.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sf.Run(ctx)
		}()
	}
	wg.Wait()

	if _, pending := sf.state(); !pending {
		t.Error("expected a pending run after concurrent calls")
	}

	// The first Run only returns once the pending re-run has completed.
	close(proceed)
	<-done

	running, pending := sf.state()
	if running || pending {
		t.Errorf("expected idle state, running=%v pending=%v", running, pending)
	}
	if n := runs.Load(); n != 2 {
		t.Errorf("expected exactly 2 runs, got %d", n)
	}
}

func TestSingleFlight_ErrorsAreLogged(t *testing.T) {
	var runs atomic.Int32
	sf := NewSingleFlight(func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}, testLogger())

	sf.Run(context.Background())
	sf.Run(context.Background())

	if n := runs.Load(); n != 2 {
		t.Errorf("expected 2 runs, got %d", n)
	}
	if running, _ := sf.state(); running {
		t.Error("running flag must be released after a failed run")
	}
}
