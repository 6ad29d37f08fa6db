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
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendhub/recon/config"
)

func TestExecuteRunTask_RoundTrip(t *testing.T) {
	task, err := NewExecuteRunTask("run_123", "reconciliation_runs", 3)
	require.NoError(t, err)
	assert.Equal(t, TypeExecuteRun, task.Type())
	assert.JSONEq(t, `{"run_id":"run_123"}`, string(task.Payload()))

	runID, err := ParseExecuteRunTask(task)
	require.NoError(t, err)
	assert.Equal(t, "run_123", runID)
}

func TestParseExecuteRunTask_Rejects(t *testing.T) {
	empty, _ := json.Marshal(ExecuteRunPayload{})

	tests := []struct {
		name string
		task *asynq.Task
		want string
	}{
		{name: "wrong type", task: asynq.NewTask("webhook:send", []byte(`{"run_id":"run_1"}`)), want: "unexpected task type"},
		{name: "bad payload", task: asynq.NewTask(TypeExecuteRun, []byte(`{`)), want: "invalid"},
		{name: "missing run", task: asynq.NewTask(TypeExecuteRun, empty), want: "missing run_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseExecuteRunTask(tt.task)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRedisClientOpt(t *testing.T) {
	opt, err := RedisClientOpt(&config.Configuration{
		Redis: config.RedisConfig{Dns: "redis://:secret@cache.internal:6380/2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)
	assert.Nil(t, opt.TLSConfig)

	_, err = RedisClientOpt(&config.Configuration{Redis: config.RedisConfig{Dns: "not a url"}})
	assert.Error(t, err)
}
