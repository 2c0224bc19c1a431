// Package undo collects compensating actions and runs them in reverse order.
package undo

import (
	"context"
	"errors"
	"log/slog"
)

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Stack is a LIFO list of compensating actions. The zero value is ready to use.
type Stack struct {
	steps []step
}

// Push registers a compensating action.
func (s *Stack) Push(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// Len returns the number of pending actions.
func (s *Stack) Len() int {
	return len(s.steps)
}

// Discard drops all pending actions once the operation has committed.
func (s *Stack) Discard() {
	s.steps = nil
}

// Run executes pending actions newest first. Every action runs even if an
// earlier one fails; failures are logged and joined.
func (s *Stack) Run(ctx context.Context, logger *slog.Logger) error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		if err := st.fn(ctx); err != nil {
			if logger != nil {
				logger.Warn("compensation step failed", "step", st.name, "error", err)
			}
			errs = append(errs, err)
			continue
		}
		if logger != nil {
			logger.Debug("compensation step done", "step", st.name)
		}
	}
	s.steps = nil
	return errors.Join(errs...)
}
