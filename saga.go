/*
Copyright 2025 Inkwell Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package inkwell

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/inkwellhq/inkwell/internal/notification"
	"github.com/inkwellhq/inkwell/model"
)

// Step is one unit of a saga: a forward action and the compensation that
// undoes it. Execute returns the step's result; the orchestrator records it
// and hands it back to Compensate, so a step never needs to smuggle state to
// its compensation through shared variables. Compensate must be safe to call
// when steps after this one already rolled back.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) (interface{}, error)
	Compensate func(ctx context.Context, result interface{}) error
}

type executedStep struct {
	step   Step
	result interface{}
}

// Saga coordinates a multi-service operation so a failure partway through
// never leaves half the side effects behind. Each successfully executed step
// pushes its compensation onto a stack; a failing step marks the saga FAILED
// and immediately pops the stack in reverse order. Commit seals the saga and
// drops the compensations.
type Saga struct {
	// OnPartialRollback, if set, is called with the saga's status when a
	// rollback leaves compensations unfinished. Set it before executing steps.
	OnPartialRollback func(model.SagaStatus)

	mu        sync.Mutex
	sagaID    string
	state     string
	pending   []executedStep // executed steps whose compensations are still live
	history   []model.SagaStep
	committed []string
	createdAt time.Time
}

// NewSaga creates an empty saga in the PENDING state.
func NewSaga() *Saga {
	return &Saga{
		sagaID:    model.GenerateUUIDWithSuffix("saga"),
		state:     model.SagaPending,
		createdAt: time.Now(),
	}
}

// SagaID returns the saga's identifier.
func (s *Saga) SagaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sagaID
}

// ExecuteStep runs the step's forward action. On success it records the
// step's result, registers the compensation, and returns the result. On
// failure the saga is FAILED and rolls back immediately: every previously
// executed compensation runs in reverse order before ExecuteStep returns the
// step's error, and a partial rollback raises an operator alert.
func (s *Saga) ExecuteStep(ctx context.Context, step Step) (interface{}, error) {
	s.mu.Lock()
	if s.state != model.SagaPending && s.state != model.SagaExecuting {
		s.mu.Unlock()
		return nil, errors.Errorf("saga %s cannot execute steps in state %s", s.sagaID, s.state)
	}
	s.state = model.SagaExecuting
	s.mu.Unlock()

	result, err := step.Execute(ctx)

	s.mu.Lock()
	record := model.SagaStep{Name: step.Name, Executed: err == nil, Result: result, ExecutedAt: time.Now()}
	if err != nil {
		record.Error = err.Error()
		s.history = append(s.history, record)
		s.state = model.SagaFailed
		s.mu.Unlock()
		logrus.Errorf("saga %s step %s failed, rolling back: %v", s.sagaID, step.Name, err)
		if rbErr := s.RollbackAll(ctx); rbErr != nil {
			notification.NotifyError(rbErr)
			if s.OnPartialRollback != nil {
				s.OnPartialRollback(s.Status())
			}
		}
		return nil, errors.Wrapf(err, "saga %s step %s failed", s.sagaID, step.Name)
	}
	s.history = append(s.history, record)
	s.pending = append(s.pending, executedStep{step: step, result: result})
	s.mu.Unlock()
	return result, nil
}

// Commit seals the saga. It is legal only while the saga is EXECUTING; after
// Commit no compensation will ever run, even if RollbackAll is called.
func (s *Saga) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.SagaExecuting {
		return errors.Errorf("saga %s cannot commit from state %s", s.sagaID, s.state)
	}
	s.state = model.SagaCommitted
	for _, executed := range s.pending {
		s.committed = append(s.committed, executed.step.Name)
	}
	s.pending = nil
	return nil
}

// RollbackAll runs the registered compensations in reverse execution order,
// giving each its step's recorded result. Compensation is best effort: a
// failing compensation is logged and the rest still run. The returned error
// aggregates the failures so the caller can treat the rollback as partial.
func (s *Saga) RollbackAll(ctx context.Context) error {
	s.mu.Lock()
	if s.state == model.SagaCommitted {
		s.mu.Unlock()
		return errors.Errorf("saga %s is committed, nothing to roll back", s.sagaID)
	}
	steps := s.pending
	s.pending = nil
	s.state = model.SagaRolledBack
	s.mu.Unlock()

	var failed []string
	for i := len(steps) - 1; i >= 0; i-- {
		executed := steps[i]
		if executed.step.Compensate == nil {
			continue
		}
		if err := executed.step.Compensate(ctx, executed.result); err != nil {
			logrus.Errorf("saga %s compensation %s failed: %v", s.sagaID, executed.step.Name, err)
			failed = append(failed, executed.step.Name)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("saga %s rollback incomplete, failed compensations: %v", s.sagaID, failed)
	}
	return nil
}

// Status returns a snapshot of the saga's progress.
func (s *Saga) Status() model.SagaStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make([]model.SagaStep, len(s.history))
	copy(steps, s.history)
	committed := make([]string, len(s.committed))
	copy(committed, s.committed)
	return model.SagaStatus{
		SagaID:         s.sagaID,
		State:          s.state,
		Steps:          steps,
		CommittedSteps: committed,
		CreatedAt:      s.createdAt,
	}
}
