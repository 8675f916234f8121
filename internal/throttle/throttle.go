// Package throttle runs an action periodically and on demand, never
// concurrently with itself.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Throttle invokes an action once per period and whenever Signal is called.
// Signals that arrive while the action runs, or while a run is already
// pending, collapse into a single extra run.
type Throttle struct {
	action func(context.Context)
	period time.Duration
	logger zerolog.Logger

	// rerun has capacity one: it is the "run requested" flag.
	rerun   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	runs    atomic.Int64

	closeOnce sync.Once
}

// New starts a Throttle. The action receives ctx; Close does not cancel it,
// so an in-flight run always completes.
func New(ctx context.Context, period time.Duration, action func(context.Context), logger zerolog.Logger) *Throttle {
	t := &Throttle{
		action: action,
		period: period,
		logger: logger.With().Str("component", "throttle").Logger(),
		rerun:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.loop(ctx)
	return t
}

// Signal requests a run as soon as possible.
func (t *Throttle) Signal() {
	select {
	case t.rerun <- struct{}{}:
	default:
	}
}

// Running reports whether the action is executing right now.
func (t *Throttle) Running() bool {
	return t.running.Load()
}

// Runs returns how many times the action has completed.
func (t *Throttle) Runs() int64 {
	return t.runs.Load()
}

// Close stops future runs and waits for an in-flight run to finish. It is
// safe to call from any goroutine, more than once.
func (t *Throttle) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}

func (t *Throttle) loop(ctx context.Context) {
	defer close(t.done)

	timer := time.NewTimer(t.period)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-t.rerun:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		// Close may race with a pending signal; stop wins.
		select {
		case <-t.stop:
			return
		default:
		}

		t.run(ctx)
		timer.Reset(t.period)
	}
}

func (t *Throttle) run(ctx context.Context) {
	t.running.Store(true)
	defer func() {
		t.running.Store(false)
		t.runs.Add(1)
		if r := recover(); r != nil {
			t.logger.Error().
				Err(fmt.Errorf("panic: %v", r)).
				Msg("Throttled action panicked")
		}
	}()

	t.action(ctx)
}
