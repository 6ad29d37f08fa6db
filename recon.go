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
	"embed"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vendhub/recon/config"
	"github.com/vendhub/recon/database"
	"github.com/vendhub/recon/internal/cancel"
	redis_db "github.com/vendhub/recon/internal/redis-db"
	"github.com/vendhub/recon/model"
)

var tracer = otel.Tracer("vendhub.recon")

//go:embed sql/*.sql
var SQLFiles embed.FS

// cancelFlagTTL outlives any run; flags are cleared when a run settles.
const cancelFlagTTL = 24 * time.Hour

// runDispatcher hands a started run to whatever executes it.
type runDispatcher interface {
	EnqueueRunExecution(ctx context.Context, runID string) error
}

// Recon is the reconciliation engine: it owns the run lifecycle and drives the
// normalize, match, classify and summarize pipeline.
type Recon struct {
	datasource database.IDataSource
	provider   SourceRowProvider
	dispatcher runDispatcher
	flags      cancel.Flags
	settings   config.ReconciliationConfig
	priority   []model.SourceKind
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Option customizes a Recon built with New.
type Option func(*Recon)

func WithSourceProvider(p SourceRowProvider) Option {
	return func(r *Recon) { r.provider = p }
}

func WithDispatcher(d runDispatcher) Option {
	return func(r *Recon) { r.dispatcher = d }
}

func WithCancellationFlags(f cancel.Flags) Option {
	return func(r *Recon) { r.flags = f }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recon) { r.now = now }
}

// WithBackOff sets the retry policy factory used when loading source rows.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(r *Recon) { r.newBackOff = fn }
}

// New builds an engine on db. Without options it reads rows from the staging table,
// keeps cancellation flags in memory and executes started runs in-process.
func New(db database.IDataSource, settings config.ReconciliationConfig, opts ...Option) (*Recon, error) {
	settings, err := settings.WithDefaults()
	if err != nil {
		return nil, err
	}

	var priority []model.SourceKind
	for _, s := range settings.SourcePriority {
		kind, err := model.ParseSourceKind(s)
		if err != nil {
			return nil, fmt.Errorf("source_priority: %w", err)
		}
		priority = append(priority, kind)
	}
	if len(priority) == 0 {
		priority = model.DefaultSourcePriority
	}

	r := &Recon{
		datasource: db,
		provider:   StagingProvider{DataSource: db},
		flags:      cancel.NewLocalFlags(),
		settings:   settings,
		priority:   priority,
		now:        time.Now,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
	r.dispatcher = localDispatcher{recon: r}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewRecon builds the production engine from the loaded configuration: started runs are
// queued on asynq and cancellation flags live in Redis.
func NewRecon(db database.IDataSource) (*Recon, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	queue, err := NewQueue(cfg)
	if err != nil {
		return nil, err
	}
	return New(db, cfg.Reconciliation,
		WithDispatcher(queue),
		WithCancellationFlags(cancel.NewRedisFlags(redisClient.Client(), cancelFlagTTL)),
	)
}

// localDispatcher executes runs on a goroutine of the current process.
type localDispatcher struct {
	recon *Recon
}

func (d localDispatcher) EnqueueRunExecution(_ context.Context, runID string) error {
	go func() {
		if err := d.recon.ExecuteRun(context.Background(), runID); err != nil {
			logrus.WithField("run_id", runID).Errorf("run execution failed: %v", err)
		}
	}()
	return nil
}

// matchParams derives the immutable matching configuration of a run.
func (r *Recon) matchParams(run *model.Run) model.MatchParams {
	return model.MatchParams{
		Sources:         run.Sources,
		TimeTolerance:   time.Duration(run.TimeTolerance) * time.Second,
		AmountTolerance: run.AmountTolerance,
		LooseTimeWindow: time.Duration(r.settings.LooseTimeWindow) * time.Second,
		Priority:        r.priority,
		TimeWeight:      r.settings.TimeWeight,
		AmountWeight:    r.settings.AmountWeight,
	}
}
