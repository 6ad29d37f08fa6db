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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vendhub/recon/database"
	"github.com/vendhub/recon/model"
)

// SourceRowProvider loads the raw rows of one source for a date range. Each returned row
// is one record in that source's native shape.
type SourceRowProvider interface {
	FetchRows(ctx context.Context, kind model.SourceKind, from, to time.Time, machineIDs []string) ([]model.RawRow, error)
}

// StagingProvider reads rows that the ingestion jobs staged in Postgres.
type StagingProvider struct {
	DataSource database.IDataSource
}

func (p StagingProvider) FetchRows(ctx context.Context, kind model.SourceKind, from, to time.Time, machineIDs []string) ([]model.RawRow, error) {
	return p.DataSource.FetchSourceRows(ctx, kind, from, to, machineIDs)
}

// loadSources fetches every source of the run concurrently. Each fetch is retried with
// backoff; a source that still fails makes the whole load fail with SourceUnavailableError.
// A source with no rows is present with an empty slice. On failure the sources that did
// load are returned alongside the error.
func (r *Recon) loadSources(ctx context.Context, run *model.Run) (map[model.SourceKind][]model.RawRow, error) {
	ctx, span := tracer.Start(ctx, "Loading source rows")
	defer span.End()

	var mu sync.Mutex
	rows := make(map[model.SourceKind][]model.RawRow, len(run.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range run.Sources {
		src := src
		g.Go(func() error {
			var fetched []model.RawRow
			op := func() error {
				var err error
				fetched, err = r.provider.FetchRows(gctx, src, run.DateFrom, run.DateTo, run.MachineIDs)
				return err
			}
			policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(*r.settings.FetchRetries)), gctx)
			notify := func(err error, wait time.Duration) {
				logrus.WithFields(logrus.Fields{"run_id": run.RunID, "source": src}).
					Warnf("fetching rows failed, retrying in %s: %v", wait, err)
			}
			if err := backoff.RetryNotify(op, policy, notify); err != nil {
				return &SourceUnavailableError{Source: src, Err: err}
			}

			mu.Lock()
			defer mu.Unlock()
			if fetched == nil {
				fetched = []model.RawRow{}
			}
			rows[src] = fetched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return rows, err
	}
	return rows, nil
}
