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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vendhub/recon/config"
	redis_db "github.com/vendhub/recon/internal/redis-db"
)

// TypeExecuteRun is the asynq task type that executes one started run.
const TypeExecuteRun = "reconciliation:execute"

// Queue hands started runs to the worker process through asynq.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	queueName string
	maxRetry  int
}

// ExecuteRunPayload is the body of a TypeExecuteRun task.
type ExecuteRunPayload struct {
	RunID string `json:"run_id"`
}

// RedisClientOpt converts the configured Redis address to asynq connection options.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Username:  redisOption.Username,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue connects an asynq client and inspector to the configured Redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisClientOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		queueName: conf.Queue.ExecutionQueue,
		maxRetry:  conf.Queue.MaxRetryAttempts,
	}, nil
}

// NewExecuteRunTask builds the task for runID. The run ID doubles as the task ID so a run
// is queued at most once.
func NewExecuteRunTask(runID, queueName string, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(ExecuteRunPayload{RunID: runID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeExecuteRun, payload,
		asynq.TaskID(runID),
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
	), nil
}

// ParseExecuteRunTask extracts the run ID from a TypeExecuteRun task.
func ParseExecuteRunTask(t *asynq.Task) (string, error) {
	if t.Type() != TypeExecuteRun {
		return "", fmt.Errorf("unexpected task type %q", t.Type())
	}
	var payload ExecuteRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return "", fmt.Errorf("invalid %s payload: %w", TypeExecuteRun, err)
	}
	if payload.RunID == "" {
		return "", fmt.Errorf("invalid %s payload: missing run_id", TypeExecuteRun)
	}
	return payload.RunID, nil
}

// EnqueueRunExecution queues the execution of a started run. Enqueuing a run that is
// already queued is not an error.
func (q *Queue) EnqueueRunExecution(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "Adding run to execution queue")
	defer span.End()

	task, err := NewExecuteRunTask(runID, q.queueName, q.maxRetry)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.WithField("run_id", runID).Info("run already queued")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{"run_id": runID, "queue": info.Queue}).Info("run queued for execution")
	return nil
}

// DiscardRunExecution removes a run's execution task if it is still waiting in the queue.
// A task that is already running, or not queued at all, is left alone.
func (q *Queue) DiscardRunExecution(runID string) error {
	err := q.Inspector.DeleteTask(q.queueName, runID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}
