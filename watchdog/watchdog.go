// Package watchdog restarts a long running task with a bounded exponential backoff.
package watchdog

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-lan/config"
	"github.com/tcriess/lightspeed-lan/globals"
)

// RunFunc is one incarnation of the supervised task. It should return when ctx is cancelled.
type RunFunc func(ctx context.Context) error

type Options struct {
	Name           string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HealthyAfter is how long a run must last for the backoff to start over.
	HealthyAfter time.Duration
	// MaxRestarts stops supervision after that many consecutive failed runs; 0 means never.
	MaxRestarts int
	Logger      hclog.Logger
}

func OptionsFromConfig(name string, cfg config.WatchdogConfig) Options {
	return Options{
		Name:           name,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		HealthyAfter:   cfg.HealthyAfter,
	}
}

func (o *Options) fill() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 2 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.HealthyAfter <= 0 {
		o.HealthyAfter = time.Minute
	}
	if o.Logger == nil {
		o.Logger = globals.AppLogger.Named("watchdog")
	}
	if o.Name != "" {
		o.Logger = o.Logger.With("task", o.Name)
	}
}

// PanicError is what a panicking run is turned into.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Run calls run until ctx is cancelled. A run that fails, panics or returns while ctx is still live is restarted
// after the current backoff, which doubles with every consecutive failure up to MaxBackoff. A run that lasted at
// least HealthyAfter resets the backoff.
func Run(ctx context.Context, run RunFunc, opts Options) error {
	opts.fill()
	backoff := opts.InitialBackoff
	failures := 0
	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := safeRun(ctx, run)
		if ctx.Err() != nil {
			if err != nil {
				opts.Logger.Debug("stopped with error after cancellation", "error", err)
			}
			return nil
		}
		if err == nil {
			err = fmt.Errorf("returned unexpectedly")
		}
		if time.Since(started) >= opts.HealthyAfter {
			backoff = opts.InitialBackoff
			failures = 0
		}
		failures++
		if opts.MaxRestarts > 0 && failures > opts.MaxRestarts {
			opts.Logger.Error("giving up", "attempt", attempt, "failures", failures, "error", err)
			return fmt.Errorf("gave up after %d consecutive failures: %w", failures, err)
		}
		var panicErr *PanicError
		if pe, ok := err.(*PanicError); ok {
			panicErr = pe
			opts.Logger.Error("task panicked", "attempt", attempt, "panic", pe.Value, "stack", string(pe.Stack))
		}
		opts.Logger.Warn("restarting", "attempt", attempt, "delay", backoff, "error", err, "panic", panicErr != nil)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

func safeRun(ctx context.Context, run RunFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return run(ctx)
}
