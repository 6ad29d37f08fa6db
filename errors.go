/*
Copyright 2024 Blnk Finance Authors.

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

package recon

import (
	"fmt"

	"github.com/vendhub/recon/model"
)

// ValidationError reports bad CreateRun input. No run is created.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid run parameters: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NormalizationError reports a malformed source row. It is recovered per row.
type NormalizationError struct {
	Source model.SourceKind
	Row    int
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("malformed %s row %d: %s", e.Source, e.Row, e.Reason)
}

// DuplicateExecutionError is returned when a run was no longer pending at start.
// Callers should poll the run status rather than retry.
type DuplicateExecutionError struct {
	RunID string
}

func (e *DuplicateExecutionError) Error() string {
	return fmt.Sprintf("run %s is not pending; it was already started or cancelled", e.RunID)
}

// SourceUnavailableError reports that a requested source could not be loaded. It fails the run.
type SourceUnavailableError struct {
	Source model.SourceKind
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError reports an operation that the current state does not allow.
type InvalidTransitionError struct {
	ID     string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s in its current state", e.Action, e.ID)
}

// InvariantError reports an internal consistency violation. It is a bug, never clamped.
type InvariantError struct {
	MachineCode string
	Detail      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated on machine %s: %s", e.MachineCode, e.Detail)
}
