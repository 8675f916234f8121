package throttle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const waitTimeout = 5 * time.Second

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestPeriodicRuns(t *testing.T) {
	ran := make(chan struct{}, 10)
	th := New(context.Background(), 10*time.Millisecond, func(context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	}, zerolog.Nop())
	defer th.Close()

	waitFor(t, ran, "first periodic run")
	waitFor(t, ran, "second periodic run")
}

func TestSignalRunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)
	th := New(context.Background(), time.Hour, func(context.Context) {
		ran <- struct{}{}
	}, zerolog.Nop())
	defer th.Close()

	th.Signal()
	waitFor(t, ran, "signalled run")
}

func TestSignalsCollapse(t *testing.T) {
	var active, maxActive atomic.Int32
	started := make(chan struct{}, 10)
	release := make(chan struct{})

	th := New(context.Background(), time.Hour, func(context.Context) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		started <- struct{}{}
		<-release
	}, zerolog.Nop())
	defer th.Close()

	th.Signal()
	waitFor(t, started, "first run")
	if !th.Running() {
		t.Errorf("Running() = false during a run")
	}

	for i := 0; i < 10; i++ {
		th.Signal()
	}
	release <- struct{}{}

	waitFor(t, started, "collapsed rerun")
	release <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if got := th.Runs(); got != 2 {
		t.Errorf("Runs() = %d, want 2", got)
	}
	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestCloseWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	th := New(context.Background(), time.Hour, func(context.Context) {
		started <- struct{}{}
		<-release
	}, zerolog.Nop())

	th.Signal()
	waitFor(t, started, "run")

	closed := make(chan struct{})
	go func() {
		th.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close() returned while a run was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	waitFor(t, closed, "Close()")

	th.Signal()
	time.Sleep(20 * time.Millisecond)
	if got := th.Runs(); got != 1 {
		t.Errorf("Runs() after Close() = %d, want 1", got)
	}
	th.Close()
}

func TestPanicDoesNotStopThrottle(t *testing.T) {
	var calls atomic.Int32
	ran := make(chan struct{}, 1)
	th := New(context.Background(), time.Hour, func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		ran <- struct{}{}
	}, zerolog.Nop())
	defer th.Close()

	th.Signal()
	deadline := time.Now().Add(waitTimeout)
	for th.Runs() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the panicking run")
		}
		time.Sleep(time.Millisecond)
	}

	th.Signal()
	waitFor(t, ran, "run after panic")
}
