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
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vendhub/recon/config"
	"github.com/vendhub/recon/internal/notification"
	"github.com/vendhub/recon/model"
)

// discardingDispatcher is implemented by dispatchers that can withdraw a queued run.
type discardingDispatcher interface {
	DiscardRunExecution(runID string) error
}

// CreateRun validates params and stores a new pending run. Omitted tolerances take the
// configured defaults.
func (r *Recon) CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error) {
	ctx, span := tracer.Start(ctx, "Creating reconciliation run")
	defer span.End()

	if err := params.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	timeTolerance := r.settings.DefaultTimeTolerance
	if params.TimeTolerance != nil {
		timeTolerance = *params.TimeTolerance
	}
	amountTolerance := r.settings.DefaultAmountTolerance
	if params.AmountTolerance != nil {
		amountTolerance = *params.AmountTolerance
	}

	run := &model.Run{
		RunID:           model.GenerateUUIDWithSuffix("run"),
		Status:          model.RunStatusPending,
		DateFrom:        params.DateFrom.UTC(),
		DateTo:          params.DateTo.UTC(),
		Sources:         canonicalSources(params.Sources),
		MachineIDs:      canonicalMachineIDs(params.MachineIDs),
		TimeTolerance:   timeTolerance,
		AmountTolerance: amountTolerance,
		CreatedBy:       strings.TrimSpace(params.CreatedBy),
		CreatedAt:       r.now().UTC(),
	}
	if err := r.datasource.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("run.id", run.RunID))
	logrus.WithFields(logrus.Fields{"run_id": run.RunID, "sources": run.Sources}).Info("reconciliation run created")
	return run, nil
}

// StartRun moves a pending run to processing and dispatches it for execution. The
// conditional transition is the only guard against executing a run twice; losing it
// yields DuplicateExecutionError.
func (r *Recon) StartRun(ctx context.Context, runID string) (*model.Run, error) {
	ctx, span := tracer.Start(ctx, "Starting reconciliation run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	ok, err := r.datasource.TransitionRunStatus(ctx, runID,
		[]model.RunStatus{model.RunStatusPending}, model.RunStatusProcessing, r.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		if _, err := r.datasource.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, &DuplicateExecutionError{RunID: runID}
	}

	if err := r.dispatcher.EnqueueRunExecution(ctx, runID); err != nil {
		span.RecordError(err)
		run, getErr := r.datasource.GetRun(ctx, runID)
		if getErr == nil {
			_ = r.failRun(ctx, run, nil, r.now(), fmt.Errorf("could not dispatch run: %w", err))
		}
		return nil, err
	}
	return r.datasource.GetRun(ctx, runID)
}

// ExecuteRun runs the pipeline of a processing run: load, normalize, partition by machine,
// match and classify each partition on a bounded pool, then write the summary. A run that
// is no longer processing is left untouched. A cancellation observed between partitions
// keeps the results of finished partitions and returns nil.
func (r *Recon) ExecuteRun(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "Executing reconciliation run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run, err := r.datasource.GetRun(ctx, runID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	logger := logrus.WithField("run_id", runID)
	if run.Status != model.RunStatusProcessing {
		logger.Infof("run is %s, nothing to execute", run.Status)
		return nil
	}

	started := r.now()
	params := r.matchParams(run)
	acc := newSummaryAccumulator(run.Sources, 0)

	rows, err := r.loadSources(ctx, run)
	if err != nil {
		r.partition(run, rows, acc)
		return r.failRun(ctx, run, acc.snapshot(), started, err)
	}

	partitions := r.partition(run, rows, acc)
	machines := make([]string, 0, len(partitions))
	for machine := range partitions {
		machines = append(machines, machine)
	}
	sort.Strings(machines)
	acc.setPartitions(len(machines))

	cancelled, err := r.processPartitions(ctx, run, params, machines, partitions, acc)
	if err != nil {
		return r.failRun(ctx, run, acc.snapshot(), started, err)
	}
	if cancelled {
		return r.settleCancelled(ctx, run, acc.snapshot(), started)
	}

	summary := acc.snapshot()
	run.Status = model.RunStatusCompleted
	run.Summary = summary
	run.CompletedAt = ptr.Time(r.now().UTC())
	run.ProcessingTimeMs = r.now().Sub(started).Milliseconds()
	ok, err := r.datasource.FinalizeRun(ctx, run, model.RunStatusProcessing)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !ok {
		return r.settleCancelled(ctx, run, summary, started)
	}

	logger.WithFields(logrus.Fields{
		"matched":    summary.MatchedCount,
		"records":    summary.TotalCandidateCount,
		"match_rate": summary.MatchRate,
		"partitions": summary.PartitionsProcessed,
	}).Info("reconciliation run completed")
	return nil
}

// partition normalizes every source and groups the records by machine. Record sequence
// numbers are unique across the run.
func (r *Recon) partition(run *model.Run, rows map[model.SourceKind][]model.RawRow, acc *summaryAccumulator) map[string][]model.CanonicalRecord {
	allowed := make(map[string]bool, len(run.MachineIDs))
	for _, id := range run.MachineIDs {
		allowed[id] = true
	}

	partitions := make(map[string][]model.CanonicalRecord)
	seq := 0
	for _, src := range run.Sources {
		records, errs := normalizeRows(src, rows[src], seq)
		seq += len(records)

		kept := 0
		for _, rec := range records {
			if len(allowed) > 0 && !allowed[rec.MachineCode] {
				continue
			}
			partitions[rec.MachineCode] = append(partitions[rec.MachineCode], rec)
			kept++
		}
		acc.addSource(src, kept, len(errs))

		if len(errs) > 0 {
			for _, e := range errs {
				logrus.WithField("run_id", run.RunID).Debug(e.Error())
			}
			logrus.WithFields(logrus.Fields{"run_id": run.RunID, "source": src}).
				Warnf("%d malformed rows skipped", len(errs))
		}
	}
	return partitions
}

// partitionResult carries a finished partition to the writer. The worker keeps its pool
// slot until the writer answers on done.
type partitionResult struct {
	out  partitionOutcome
	done chan error
}

// processPartitions fans partitions out to the worker pool. Results are persisted and
// folded into the summary by this goroutine alone. It reports whether cancellation was observed.
func (r *Recon) processPartitions(ctx context.Context, run *model.Run, params model.MatchParams,
	machines []string, partitions map[string][]model.CanonicalRecord, acc *summaryAccumulator) (bool, error) {
	ctx, span := tracer.Start(ctx, "Processing partitions", trace.WithAttributes(attribute.Int("partitions", len(machines))))
	defer span.End()

	var cancelled atomic.Bool
	results := make(chan partitionResult)
	waitErr := make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.settings.Workers)
	go func() {
		for _, machine := range machines {
			if gctx.Err() != nil {
				break
			}
			if r.cancelRequested(gctx, run.RunID) {
				cancelled.Store(true)
				break
			}
			machine := machine
			g.Go(func() error {
				if r.cancelRequested(gctx, run.RunID) {
					cancelled.Store(true)
					return nil
				}
				records := partitions[machine]
				out, err := classifyPartition(machine, len(records), matchPartition(records, params), params)
				if err != nil {
					return err
				}
				done := make(chan error, 1)
				select {
				case results <- partitionResult{out: out, done: done}:
				case <-gctx.Done():
					return gctx.Err()
				}
				return <-done
			})
		}
		waitErr <- g.Wait()
		close(results)
	}()

	for res := range results {
		res.done <- r.persistPartition(ctx, run, res.out, acc)
	}
	if err := <-waitErr; err != nil {
		span.RecordError(err)
		return false, err
	}
	return cancelled.Load(), nil
}

func (r *Recon) persistPartition(ctx context.Context, run *model.Run, out partitionOutcome, acc *summaryAccumulator) error {
	now := r.now().UTC()
	for i := range out.Mismatches {
		m := &out.Mismatches[i]
		m.MismatchID = mismatchID(run.RunID, out.MachineCode, i)
		m.RunID = run.RunID
		m.CreatedAt = now
	}
	if err := r.datasource.RecordMismatches(ctx, out.Mismatches); err != nil {
		return fmt.Errorf("persisting mismatches of machine %s: %w", out.MachineCode, err)
	}
	return acc.addPartition(out)
}

// mismatchID is stable for a given run, machine and position, so re-executing a run
// after a crash writes the same rows again instead of duplicates.
func mismatchID(runID, machine string, i int) string {
	name := runID + "/" + machine + "/" + strconv.Itoa(i)
	return "mismatch_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// cancelRequested reads the cancellation flag, falling back to the stored run status
// when the flag store is unreachable.
func (r *Recon) cancelRequested(ctx context.Context, runID string) bool {
	requested, err := r.flags.Requested(ctx, runID)
	if err == nil {
		return requested
	}
	logrus.WithField("run_id", runID).Warnf("cancellation flag unavailable, checking run status: %v", err)
	run, err := r.datasource.GetRun(ctx, runID)
	if err != nil {
		logrus.WithField("run_id", runID).Errorf("could not read run status: %v", err)
		return false
	}
	return run.Status == model.RunStatusCancelled
}

// settleCancelled records the partial summary on a cancelled run.
func (r *Recon) settleCancelled(ctx context.Context, run *model.Run, summary *model.RunSummary, started time.Time) error {
	run.Status = model.RunStatusCancelled
	run.Summary = summary
	run.CompletedAt = ptr.Time(r.now().UTC())
	run.ProcessingTimeMs = r.now().Sub(started).Milliseconds()
	run.ErrorMessage = ""

	ok, err := r.datasource.FinalizeRun(ctx, run, model.RunStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		logrus.WithField("run_id", run.RunID).Warn("cancelled run changed state before its summary was written")
	}
	if err := r.flags.Clear(ctx, run.RunID); err != nil {
		logrus.WithField("run_id", run.RunID).Warnf("could not clear cancellation flag: %v", err)
	}

	processed, total := 0, 0
	if summary != nil {
		processed, total = summary.PartitionsProcessed, summary.PartitionsTotal
	}
	logrus.WithField("run_id", run.RunID).Infof("reconciliation run cancelled after %d of %d partitions", processed, total)
	return nil
}

// failRun marks a processing run as failed, keeping whatever summary was gathered, and
// returns cause. If the run was cancelled meanwhile, cancellation wins.
func (r *Recon) failRun(ctx context.Context, run *model.Run, summary *model.RunSummary, started time.Time, cause error) error {
	run.Status = model.RunStatusFailed
	run.Summary = summary
	run.ErrorMessage = cause.Error()
	run.CompletedAt = ptr.Time(r.now().UTC())
	run.ProcessingTimeMs = r.now().Sub(started).Milliseconds()

	ok, err := r.datasource.FinalizeRun(ctx, run, model.RunStatusProcessing)
	if err != nil {
		return fmt.Errorf("recording failure of run %s: %w (cause: %v)", run.RunID, err, cause)
	}
	if !ok {
		return r.settleCancelled(ctx, run, summary, started)
	}

	notification.NotifyError(fmt.Errorf("reconciliation run %s failed: %w", run.RunID, cause))
	return cause
}

// CancelRun moves a pending or processing run to cancelled. Workers of a processing run
// stop between partitions.
func (r *Recon) CancelRun(ctx context.Context, runID string) (*model.Run, error) {
	ctx, span := tracer.Start(ctx, "Cancelling reconciliation run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	ok, err := r.datasource.TransitionRunStatus(ctx, runID,
		[]model.RunStatus{model.RunStatusPending, model.RunStatusProcessing}, model.RunStatusCancelled, r.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		if _, err := r.datasource.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{ID: runID, Action: "cancel run"}
	}

	if err := r.flags.Request(ctx, runID); err != nil {
		logrus.WithField("run_id", runID).Warnf("could not set cancellation flag, workers will read the run status: %v", err)
	}
	if d, ok := r.dispatcher.(discardingDispatcher); ok {
		if err := d.DiscardRunExecution(runID); err != nil {
			logrus.WithField("run_id", runID).Debugf("queued execution not discarded: %v", err)
		}
	}
	logrus.WithField("run_id", runID).Info("reconciliation run cancelled")
	return r.datasource.GetRun(ctx, runID)
}

// GetRun returns a run with its summary.
func (r *Recon) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	ctx, span := tracer.Start(ctx, "Fetching reconciliation run")
	defer span.End()
	return r.datasource.GetRun(ctx, runID)
}

// ListMismatches returns one page of a run's mismatches. A zero limit takes the default
// page size and larger limits are capped.
func (r *Recon) ListMismatches(ctx context.Context, runID string, filter model.MismatchFilter) ([]model.Mismatch, error) {
	ctx, span := tracer.Start(ctx, "Listing mismatches", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	if err := filter.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if filter.Limit == 0 {
		filter.Limit = config.DefaultPageSize
	}
	if filter.Limit > config.MaxPageSize {
		filter.Limit = config.MaxPageSize
	}
	if _, err := r.datasource.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return r.datasource.ListMismatches(ctx, runID, filter)
}

// GetMismatch returns a single mismatch.
func (r *Recon) GetMismatch(ctx context.Context, id string) (*model.Mismatch, error) {
	ctx, span := tracer.Start(ctx, "Fetching mismatch")
	defer span.End()
	return r.datasource.GetMismatch(ctx, id)
}

// ResolveMismatch records a reviewer's resolution. Notes are required and a mismatch can
// be resolved once.
func (r *Recon) ResolveMismatch(ctx context.Context, id, notes, resolvedBy string) (*model.Mismatch, error) {
	ctx, span := tracer.Start(ctx, "Resolving mismatch")
	defer span.End()

	notes = strings.TrimSpace(notes)
	if err := validation.Validate(notes, validation.Required); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("resolution_notes: %w", err)}
	}

	ok, err := r.datasource.ResolveMismatch(ctx, id, notes, strings.TrimSpace(resolvedBy), r.now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !ok {
		if _, err := r.datasource.GetMismatch(ctx, id); err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{ID: id, Action: "resolve mismatch"}
	}
	return r.datasource.GetMismatch(ctx, id)
}

func canonicalSources(sources []model.SourceKind) []model.SourceKind {
	requested := make(map[model.SourceKind]bool, len(sources))
	for _, s := range sources {
		requested[s] = true
	}
	out := make([]model.SourceKind, 0, len(requested))
	for _, s := range model.SourceKinds {
		if requested[s] {
			out = append(out, s)
		}
	}
	return out
}

func canonicalMachineIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := []string{}
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsRetryable reports whether a failed execution may succeed when attempted again.
func IsRetryable(err error) bool {
	var (
		unavailable *SourceUnavailableError
		invariant   *InvariantError
	)
	return !errors.As(err, &unavailable) && !errors.As(err, &invariant)
}
