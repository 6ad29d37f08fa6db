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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vendhub/recon"
	"github.com/vendhub/recon/api/middleware"
	"github.com/vendhub/recon/config"
	"github.com/vendhub/recon/database/mocks"
	"github.com/vendhub/recon/internal/apierror"
	"github.com/vendhub/recon/model"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response == nil {
		return resp, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(s.Response); err != nil {
		return nil, err
	}
	return resp, nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	enqueued []string
}

func (d *recordingDispatcher) EnqueueRunExecution(_ context.Context, runID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued = append(d.enqueued, runID)
	return nil
}

func setupRouter(t *testing.T, server config.ServerConfig) (*gin.Engine, *mocks.MockDataSource, *recordingDispatcher) {
	t.Helper()
	config.MockConfig(&config.Configuration{Server: server})

	ds := new(mocks.MockDataSource)
	dispatcher := &recordingDispatcher{}
	r, err := recon.New(ds, config.ReconciliationConfig{}, recon.WithDispatcher(dispatcher))
	require.NoError(t, err)

	api := NewAPI(r)
	require.NotNil(t, api)
	return api.Router(), ds, dispatcher
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func sampleRun(id string, status model.RunStatus) *model.Run {
	return &model.Run{
		RunID:           id,
		Status:          status,
		DateFrom:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DateTo:          time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC),
		Sources:         []model.SourceKind{model.SourceHW, model.SourceFiscal},
		TimeTolerance:   300,
		AmountTolerance: 100,
		CreatedAt:       time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func notFound(what string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, what+" not found", nil)
}

func TestCreateRun(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})
	createdBy := gofakeit.Name()

	ds.On("CreateRun", mock.Anything, mock.MatchedBy(func(run *model.Run) bool {
		return run.Status == model.RunStatusPending &&
			run.CreatedBy == createdBy &&
			run.TimeTolerance == 30 &&
			run.AmountTolerance == config.DefaultAmountTolerance &&
			assert.ObjectsAreEqual([]model.SourceKind{model.SourceHW, model.SourceFiscal}, run.Sources)
	})).Return(nil).Once()

	var response model.Run
	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodPost,
		Route:  "/reconciliation/runs",
		Payload: jsonBody(t, map[string]interface{}{
			"date_from":      "2024-03-01",
			"date_to":        "2024-03-01",
			"sources":        []string{"fiscal", "hw"},
			"time_tolerance": 30,
			"created_by":     createdBy,
		}),
		Response: &response,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, model.RunStatusPending, response.Status)
	assert.NotEmpty(t, response.RunID)
	ds.AssertExpectations(t)
}

func TestCreateRun_BadRequests(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	tests := []struct {
		name    string
		payload io.Reader
	}{
		{"malformed json", bytes.NewBufferString("{")},
		{"unknown source", jsonBody(t, map[string]interface{}{"date_from": "2024-03-01", "date_to": "2024-03-01", "sources": []string{"bank"}})},
		{"bad date", jsonBody(t, map[string]interface{}{"date_from": "March 1", "date_to": "2024-03-01", "sources": []string{"hw"}})},
		{"inverted range", jsonBody(t, map[string]interface{}{"date_from": "2024-03-02", "date_to": "2024-03-01", "sources": []string{"hw"}})},
		{"negative tolerance", jsonBody(t, map[string]interface{}{"date_from": "2024-03-01", "date_to": "2024-03-01", "sources": []string{"hw"}, "amount_tolerance": -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var response map[string]interface{}
			resp, err := SetUpTestRequest(TestRequest{
				Router:   router,
				Method:   http.MethodPost,
				Route:    "/reconciliation/runs",
				Payload:  tt.payload,
				Response: &response,
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, response["error"])
		})
	}
	ds.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything)
}

func TestStartRun(t *testing.T) {
	router, ds, dispatcher := setupRouter(t, config.ServerConfig{})

	ds.On("TransitionRunStatus", mock.Anything, "run_1", []model.RunStatus{model.RunStatusPending},
		model.RunStatusProcessing, mock.Anything).Return(true, nil).Once()
	ds.On("GetRun", mock.Anything, "run_1").Return(sampleRun("run_1", model.RunStatusProcessing), nil).Once()

	var response model.Run
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/reconciliation/runs/run_1/start",
		Response: &response,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, model.RunStatusProcessing, response.Status)
	assert.Equal(t, []string{"run_1"}, dispatcher.enqueued)
}

func TestStartRun_AlreadyStarted(t *testing.T) {
	router, ds, dispatcher := setupRouter(t, config.ServerConfig{})

	ds.On("TransitionRunStatus", mock.Anything, "run_1", mock.Anything, model.RunStatusProcessing, mock.Anything).
		Return(false, nil).Once()
	ds.On("GetRun", mock.Anything, "run_1").Return(sampleRun("run_1", model.RunStatusCompleted), nil).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/reconciliation/runs/run_1/start",
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Empty(t, dispatcher.enqueued)
}

func TestGetRun(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	run := sampleRun("run_1", model.RunStatusCompleted)
	run.Summary = &model.RunSummary{TotalCandidateCount: 10, MatchedCount: 8, MatchRate: 0.8, TotalDiscrepancyAmount: 1500}
	ds.On("GetRun", mock.Anything, "run_1").Return(run, nil).Once()
	ds.On("GetRun", mock.Anything, "run_missing").Return(nil, notFound("run")).Once()

	var response model.Run
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodGet,
		Route:    "/reconciliation/runs/run_1",
		Response: &response,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, response.Summary)
	assert.Equal(t, int64(1500), response.Summary.TotalDiscrepancyAmount)

	var missing map[string]interface{}
	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodGet,
		Route:    "/reconciliation/runs/run_missing",
		Response: &missing,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "run not found", missing["error"])
}

func TestCancelRun(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	ds.On("TransitionRunStatus", mock.Anything, "run_1",
		[]model.RunStatus{model.RunStatusPending, model.RunStatusProcessing}, model.RunStatusCancelled, mock.Anything).
		Return(true, nil).Once()
	ds.On("GetRun", mock.Anything, "run_1").Return(sampleRun("run_1", model.RunStatusCancelled), nil).Once()

	ds.On("TransitionRunStatus", mock.Anything, "run_2", mock.Anything, model.RunStatusCancelled, mock.Anything).
		Return(false, nil).Once()
	ds.On("GetRun", mock.Anything, "run_2").Return(sampleRun("run_2", model.RunStatusCompleted), nil).Once()

	var response model.Run
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/reconciliation/runs/run_1/cancel",
		Response: &response,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.RunStatusCancelled, response.Status)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPost,
		Route:    "/reconciliation/runs/run_2/cancel",
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestListMismatches(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	duplicate := model.MismatchDuplicate
	unresolved := false
	expected := model.MismatchFilter{
		MismatchType: &duplicate,
		IsResolved:   &unresolved,
		MachineCode:  "M-01",
		Limit:        config.MaxPageSize,
		Offset:       10,
	}
	ds.On("GetRun", mock.Anything, "run_1").Return(sampleRun("run_1", model.RunStatusCompleted), nil).Once()
	ds.On("ListMismatches", mock.Anything, "run_1", expected).Return([]model.Mismatch{{
		MismatchID:        "mis_1",
		RunID:             "run_1",
		MachineCode:       "M-01",
		MismatchType:      model.MismatchDuplicate,
		DiscrepancyAmount: 10000,
	}}, nil).Once()

	var response []model.Mismatch
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodGet,
		Route:    "/reconciliation/runs/run_1/mismatches?mismatch_type=duplicate&is_resolved=false&machine_code=M-01&limit=10000&offset=10",
		Response: &response,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, response, 1)
	assert.Equal(t, "mis_1", response[0].MismatchID)
	ds.AssertExpectations(t)
}

func TestListMismatches_BadFilters(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	for _, query := range []string{"is_resolved=perhaps", "limit=ten", "mismatch_type=rounding", "offset=-1"} {
		t.Run(query, func(t *testing.T) {
			resp, err := SetUpTestRequest(TestRequest{
				Router:   router,
				Method:   http.MethodGet,
				Route:    "/reconciliation/runs/run_1/mismatches?" + query,
				Response: &map[string]interface{}{},
			})
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
	ds.AssertNotCalled(t, "ListMismatches", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveMismatch(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	resolvedAt := time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)
	ds.On("ResolveMismatch", mock.Anything, "mis_1", "refund issued", "ops", mock.Anything).Return(true, nil).Once()
	ds.On("GetMismatch", mock.Anything, "mis_1").Return(&model.Mismatch{
		MismatchID:      "mis_1",
		IsResolved:      true,
		ResolutionNotes: "refund issued",
		ResolvedBy:      "ops",
		ResolvedAt:      &resolvedAt,
	}, nil).Once()

	var response model.Mismatch
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPut,
		Route:    "/reconciliation/mismatches/mis_1/resolve",
		Payload:  jsonBody(t, map[string]string{"resolution_notes": "refund issued", "resolved_by": "ops"}),
		Response: &response,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, response.IsResolved)
	assert.Equal(t, "refund issued", response.ResolutionNotes)
}

func TestResolveMismatch_Conflicts(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{})

	ds.On("ResolveMismatch", mock.Anything, "mis_1", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Once()
	ds.On("GetMismatch", mock.Anything, "mis_1").Return(&model.Mismatch{MismatchID: "mis_1", IsResolved: true}, nil).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPut,
		Route:    "/reconciliation/mismatches/mis_1/resolve",
		Payload:  jsonBody(t, map[string]string{"resolution_notes": "again"}),
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodPut,
		Route:    "/reconciliation/mismatches/mis_1/resolve",
		Payload:  jsonBody(t, map[string]string{"resolution_notes": ""}),
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSecureServerRequiresKey(t *testing.T) {
	router, ds, _ := setupRouter(t, config.ServerConfig{Secure: true, SecretKey: "operator-key"})
	ds.On("GetRun", mock.Anything, "run_1").Return(sampleRun("run_1", model.RunStatusPending), nil).Once()

	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodGet,
		Route:    "/reconciliation/runs/run_1",
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp, err = SetUpTestRequest(TestRequest{
		Router:   router,
		Method:   http.MethodGet,
		Route:    "/reconciliation/runs/run_1",
		Header:   map[string]string{middleware.KeyHeader: "operator-key"},
		Response: &map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
}
