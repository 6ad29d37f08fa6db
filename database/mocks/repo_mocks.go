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

package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/vendhub/recon/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Run methods

func (m *MockDataSource) CreateRun(ctx context.Context, run *model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDataSource) GetRun(ctx context.Context, id string) (*model.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *MockDataSource) TransitionRunStatus(ctx context.Context, id string, from []model.RunStatus, to model.RunStatus, at time.Time) (bool, error) {
	args := m.Called(ctx, id, from, to, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) FinalizeRun(ctx context.Context, run *model.Run, expected model.RunStatus) (bool, error) {
	args := m.Called(ctx, run, expected)
	return args.Bool(0), args.Error(1)
}

// Mismatch methods

func (m *MockDataSource) RecordMismatches(ctx context.Context, mismatches []model.Mismatch) error {
	args := m.Called(ctx, mismatches)
	return args.Error(0)
}

func (m *MockDataSource) GetMismatch(ctx context.Context, id string) (*model.Mismatch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Mismatch), args.Error(1)
}

func (m *MockDataSource) ListMismatches(ctx context.Context, runID string, filter model.MismatchFilter) ([]model.Mismatch, error) {
	args := m.Called(ctx, runID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Mismatch), args.Error(1)
}

func (m *MockDataSource) ResolveMismatch(ctx context.Context, id, notes, resolvedBy string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, notes, resolvedBy, at)
	return args.Bool(0), args.Error(1)
}

// Source row methods

func (m *MockDataSource) FetchSourceRows(ctx context.Context, kind model.SourceKind, from, to time.Time, machineIDs []string) ([]model.RawRow, error) {
	args := m.Called(ctx, kind, from, to, machineIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RawRow), args.Error(1)
}
