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

package database

import (
	"context"
	"time"

	"github.com/vendhub/recon/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	runs       // Interface for reconciliation run operations
	mismatches // Interface for mismatch operations
	sourceRows // Interface for staged source row reads
}

// runs defines methods for handling reconciliation runs.
type runs interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// TransitionRunStatus moves a run to status `to` only if it is currently in one of `from`.
	// It reports whether the row was updated.
	TransitionRunStatus(ctx context.Context, id string, from []model.RunStatus, to model.RunStatus, at time.Time) (bool, error)
	// FinalizeRun writes the outcome of a run only if its status is still `expected`.
	FinalizeRun(ctx context.Context, run *model.Run, expected model.RunStatus) (bool, error)
}

// mismatches defines methods for handling mismatches.
type mismatches interface {
	RecordMismatches(ctx context.Context, mismatches []model.Mismatch) error
	GetMismatch(ctx context.Context, id string) (*model.Mismatch, error)
	ListMismatches(ctx context.Context, runID string, filter model.MismatchFilter) ([]model.Mismatch, error)
	ResolveMismatch(ctx context.Context, id, notes, resolvedBy string, at time.Time) (bool, error)
}

// sourceRows reads rows staged by the ingestion jobs.
type sourceRows interface {
	FetchSourceRows(ctx context.Context, kind model.SourceKind, from, to time.Time, machineIDs []string) ([]model.RawRow, error)
}
