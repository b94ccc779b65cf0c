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

package model

import "time"

const (
	// SagaPending marks a saga that has been created but has not run a step.
	SagaPending = "PENDING"
	// SagaExecuting marks a saga with at least one step started.
	SagaExecuting = "EXECUTING"
	// SagaCommitted marks a saga whose steps all succeeded and whose owner
	// called Commit. No rollback is possible afterward.
	SagaCommitted = "COMMITTED"
	// SagaFailed marks a saga whose latest step failed; rollback starts
	// immediately from this state.
	SagaFailed = "FAILED"
	// SagaRolledBack marks a saga whose compensations have run.
	SagaRolledBack = "ROLLED_BACK"
)

// SagaStep records one executed step of a saga: its name, whether its forward
// action completed, the result its forward action produced, and the error if
// it failed. The compensation itself is a function held by the orchestrator,
// not serialized here.
type SagaStep struct {
	Name       string      `json:"name"`
	Executed   bool        `json:"executed"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	ExecutedAt time.Time   `json:"executed_at"`
}

// SagaStatus is a snapshot of a saga's progress, suitable for logging and for
// surfacing to operators when a rollback is partial.
type SagaStatus struct {
	SagaID         string     `json:"saga_id"`
	State          string     `json:"state"`
	Steps          []SagaStep `json:"steps"`
	CommittedSteps []string   `json:"committed_steps"`
	CreatedAt      time.Time  `json:"created_at"`
}
