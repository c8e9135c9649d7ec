package app

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// SagaStep is one forward action of a saga and the action that undoes it.
// A nil Undo means the step has nothing to compensate.
type SagaStep struct {
	Name   string
	Action func(ctx context.Context) error
	Undo   func(ctx context.Context) error
}

// Saga runs steps in order and records their undo actions so a later failure can
// unwind everything that already happened, newest first.
type Saga struct {
	name      string
	completed []SagaStep
}

func NewSaga(name string) *Saga {
	return &Saga{name: name}
}

// Run executes a step. The undo is recorded only when the action succeeds.
func (s *Saga) Run(ctx context.Context, step SagaStep) error {
	if err := step.Action(ctx); err != nil {
		return err
	}
	if step.Undo != nil {
		s.completed = append(s.completed, step)
	}
	return nil
}

// Compensate undoes every completed step in reverse order. A failing undo is logged
// and the remaining undos still run. The returned error joins all undo failures.
func (s *Saga) Compensate(ctx context.Context) error {
	var errs []error
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if err := step.Undo(ctx); err != nil {
			log.Printf("level=error component=saga saga=%s step=%s msg=\"CRITICAL: compensation failed; manual repair required\" err=%v", s.name, step.Name, err)
			errs = append(errs, fmt.Errorf("undo %s: %w", step.Name, err))
		}
	}
	s.completed = nil
	return errors.Join(errs...)
}

// Pending reports how many steps would be undone by Compensate.
func (s *Saga) Pending() int {
	return len(s.completed)
}
