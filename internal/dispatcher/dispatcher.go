// Package dispatcher fans pipeline stages out over a pool of goroutines.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is one long-lived consumer, such as a stage worker.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Dispatcher runs a set of runners and stops them together.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(logger *zap.Logger, runners ...Runner) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger}
}

// Add appends runners; it must be called before Run.
func (d *Dispatcher) Add(runners ...Runner) {
	d.runners = append(d.runners, runners...)
}

// Len reports how many runners are registered.
func (d *Dispatcher) Len() int {
	return len(d.runners)
}

// Run starts every runner and blocks until all return. The first runner
// error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.runners) == 0 {
		return fmt.Errorf("dispatcher has no runners")
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range d.runners {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				d.logger.Error("runner exited", zap.Int("index", i), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}
