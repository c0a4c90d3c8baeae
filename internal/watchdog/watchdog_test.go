package watchdog

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/evalgo/adsyncd/internal/logging"
	"github.com/evalgo/adsyncd/internal/metrics"
)

type fakeHealth struct {
	faulted bool
	err     error
}

func (h fakeHealth) Faulted() (bool, error) { return h.faulted, h.err }

type fakeStore struct {
	mu      sync.Mutex
	marked  int
}

func (s *fakeStore) MarkAllAsDetecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked++
}

func (s *fakeStore) markedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marked
}

type fakeRestarter struct {
	mu            sync.Mutex
	selectErrs    []error
	restartErrs   []error
	selectCalls   int
	restartCalls  int
	restarted     chan struct{}
}

func (r *fakeRestarter) SelectNewDC(ctx context.Context, localIP net.IP) (string, error) {
	r.mu.Lock()
	i := r.selectCalls
	r.selectCalls++
	r.mu.Unlock()
	if i < len(r.selectErrs) && r.selectErrs[i] != nil {
		return "", r.selectErrs[i]
	}
	return "dc1.example.com", nil
}

func (r *fakeRestarter) Restart(ctx context.Context, dc string) error {
	r.mu.Lock()
	i := r.restartCalls
	r.restartCalls++
	r.mu.Unlock()
	if i < len(r.restartErrs) && r.restartErrs[i] != nil {
		return r.restartErrs[i]
	}
	if r.restarted != nil {
		select {
		case r.restarted <- struct{}{}:
		default:
		}
	}
	return nil
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Service: "test"})
}

func TestCheckAndRestartDoesNothingWhenHealthy(t *testing.T) {
	store := &fakeStore{}
	restarter := &fakeRestarter{}
	w := New(Config{}, store, restarter, metrics.NoopSink{}, testLogger())

	w.checkAndRestart(context.Background(), nil, fakeHealth{faulted: false}, fakeHealth{faulted: false})

	if store.markedCount() != 0 {
		t.Errorf("markedCount = %d, want 0 when no feed is faulted", store.markedCount())
	}
	if restarter.restartCalls != 0 {
		t.Errorf("restartCalls = %d, want 0 when no feed is faulted", restarter.restartCalls)
	}
}

func TestCheckAndRestartRestartsOnBulkFault(t *testing.T) {
	store := &fakeStore{}
	restarter := &fakeRestarter{restarted: make(chan struct{}, 1)}
	w := New(Config{MinBackoff: time.Millisecond}, store, restarter, metrics.NoopSink{}, testLogger())

	w.checkAndRestart(context.Background(), nil, fakeHealth{faulted: true, err: errors.New("init failed")}, fakeHealth{faulted: false})

	if store.markedCount() != 1 {
		t.Errorf("markedCount = %d, want 1 after a fault", store.markedCount())
	}
	select {
	case <-restarter.restarted:
	default:
		t.Error("expected Restart to have been called")
	}
}

func TestCheckAndRestartRetriesWithBackoffUntilSuccess(t *testing.T) {
	store := &fakeStore{}
	restarter := &fakeRestarter{
		selectErrs: []error{errors.New("no dc reachable"), errors.New("no dc reachable")},
		restarted:  make(chan struct{}, 1),
	}
	w := New(Config{MinBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}, store, restarter, metrics.NoopSink{}, testLogger())

	done := make(chan struct{})
	go func() {
		w.checkAndRestart(context.Background(), nil, fakeHealth{faulted: true}, fakeHealth{faulted: false})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkAndRestart did not eventually succeed after retries")
	}

	if restarter.selectCalls < 3 {
		t.Errorf("selectCalls = %d, want at least 3 (2 failures + 1 success)", restarter.selectCalls)
	}
	select {
	case <-restarter.restarted:
	default:
		t.Error("expected Restart to have eventually succeeded")
	}
}

func TestCheckAndRestartStopsRetryingWhenContextCanceled(t *testing.T) {
	store := &fakeStore{}
	restarter := &fakeRestarter{
		selectErrs: []error{errors.New("always fails"), errors.New("always fails"), errors.New("always fails"), errors.New("always fails"), errors.New("always fails")},
	}
	w := New(Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, store, restarter, metrics.NoopSink{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.checkAndRestart(ctx, nil, fakeHealth{faulted: true}, fakeHealth{faulted: false})
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkAndRestart did not return after context cancellation")
	}
}

func TestRunStopsWhenContextIsCanceled(t *testing.T) {
	store := &fakeStore{}
	restarter := &fakeRestarter{}
	w := New(Config{PollInterval: time.Millisecond}, store, restarter, metrics.NoopSink{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, nil, fakeHealth{faulted: false}, fakeHealth{faulted: false})
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
