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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vendhub/recon/internal/apierror"
	"github.com/vendhub/recon/model"
)

const (
	runColumns = `run_id, status, date_from, date_to, sources, machine_ids, time_tolerance,
		amount_tolerance, started_at, completed_at, processing_time_ms, summary, error_message,
		created_by, created_at`
	mismatchColumns = `mismatch_id, run_id, order_number, machine_code, order_time, amount,
		payment_method, mismatch_type, match_score, discrepancy_amount, sources_data, description,
		is_resolved, resolution_notes, resolved_at, resolved_by, created_at`

	defaultRunCacheTTL = 10 * time.Minute
)

func runCacheKey(id string) string { return "recon:run:" + id }

func (d Datasource) runCacheTTL() time.Duration {
	if d.RunCacheTTL > 0 {
		return d.RunCacheTTL
	}
	return defaultRunCacheTTL
}

// CreateRun inserts a new pending run.
func (d Datasource) CreateRun(ctx context.Context, run *model.Run) error {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Saving run to db")
	defer span.End()

	summary, err := marshalSummary(run.Summary)
	if err != nil {
		span.RecordError(err)
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO recon.reconciliation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.RunID, run.Status, run.DateFrom, run.DateTo, pq.Array(sourceStrings(run.Sources)),
		pq.Array(run.MachineIDs), run.TimeTolerance, run.AmountTolerance, run.StartedAt,
		run.CompletedAt, run.ProcessingTimeMs, summary, run.ErrorMessage, run.CreatedBy, run.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create reconciliation run", err)
	}
	return nil
}

// GetRun retrieves a run by its ID. Completed and failed runs never change again and are
// served from the cache when one is configured.
func (d Datasource) GetRun(ctx context.Context, id string) (*model.Run, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Fetching run from db",
		trace.WithAttributes(attribute.String("run.id", id)))
	defer span.End()

	if d.Cache != nil {
		cached := &model.Run{}
		if err := d.Cache.Get(ctx, runCacheKey(id), cached); err != nil {
			logrus.Warnf("run cache read failed: %v", err)
		} else if cached.RunID != "" {
			span.AddEvent("cache hit")
			return cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM recon.reconciliation_runs WHERE run_id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Reconciliation run with ID '%s' not found", id), err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve reconciliation run", err)
	}

	if d.Cache != nil && (run.Status == model.RunStatusCompleted || run.Status == model.RunStatusFailed) {
		if err := d.Cache.Set(ctx, runCacheKey(id), run, d.runCacheTTL()); err != nil {
			logrus.Warnf("run cache write failed: %v", err)
		}
	}
	return run, nil
}

// TransitionRunStatus performs a conditional status update. Moving to processing stamps
// started_at; moving to a terminal status stamps completed_at.
func (d Datasource) TransitionRunStatus(ctx context.Context, id string, from []model.RunStatus, to model.RunStatus, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Transitioning run status",
		trace.WithAttributes(attribute.String("run.id", id), attribute.String("run.status", string(to))))
	defer span.End()

	var startedAt, completedAt *time.Time
	if to == model.RunStatusProcessing {
		startedAt = &at
	}
	if to.IsTerminal() {
		completedAt = &at
	}

	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE recon.reconciliation_runs
		SET status = $2, started_at = COALESCE($3, started_at), completed_at = COALESCE($4, completed_at)
		WHERE run_id = $1 AND status = ANY($5)`,
		id, to, startedAt, completedAt, pq.Array(fromStrings),
	)
	if err != nil {
		span.RecordError(err)
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update reconciliation run status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update reconciliation run status", err)
	}
	return affected == 1, nil
}

// FinalizeRun writes the final status, summary and timings of a run, guarded by its expected status.
func (d Datasource) FinalizeRun(ctx context.Context, run *model.Run, expected model.RunStatus) (bool, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Finalizing run",
		trace.WithAttributes(attribute.String("run.id", run.RunID), attribute.String("run.status", string(run.Status))))
	defer span.End()

	summary, err := marshalSummary(run.Summary)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE recon.reconciliation_runs
		SET status = $2, completed_at = COALESCE(completed_at, $3), processing_time_ms = $4,
			summary = $5, error_message = $6
		WHERE run_id = $1 AND status = $7`,
		run.RunID, run.Status, run.CompletedAt, run.ProcessingTimeMs, summary, run.ErrorMessage, expected,
	)
	if err != nil {
		span.RecordError(err)
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize reconciliation run", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to finalize reconciliation run", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Delete(ctx, runCacheKey(run.RunID)); err != nil {
			logrus.Warnf("run cache invalidation failed: %v", err)
		}
	}
	return affected == 1, nil
}

// RecordMismatches inserts a batch of mismatches in one transaction. Rows whose ID
// already exists are skipped.
func (d Datasource) RecordMismatches(ctx context.Context, mismatches []model.Mismatch) error {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Saving mismatches to db",
		trace.WithAttributes(attribute.Int("mismatch.count", len(mismatches))))
	defer span.End()

	if len(mismatches) == 0 {
		return nil
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logrus.Errorf("mismatch batch rollback failed: %v", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recon.reconciliation_mismatches (`+mismatchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (mismatch_id) DO NOTHING`)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range mismatches {
		var sourcesData []byte
		sourcesData, err = json.Marshal(m.SourcesData)
		if err != nil {
			return fmt.Errorf("failed to marshal sources data: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			m.MismatchID, m.RunID, m.OrderNumber, m.MachineCode, m.OrderTime, m.Amount,
			m.PaymentMethod, m.MismatchType, m.MatchScore, m.DiscrepancyAmount, sourcesData,
			m.Description, m.IsResolved, m.ResolutionNotes, m.ResolvedAt, m.ResolvedBy, m.CreatedAt,
		)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert mismatch %s: %w", m.MismatchID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMismatch retrieves a mismatch by its ID.
func (d Datasource) GetMismatch(ctx context.Context, id string) (*model.Mismatch, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Fetching mismatch from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+mismatchColumns+` FROM recon.reconciliation_mismatches WHERE mismatch_id = $1`, id)
	m, err := scanMismatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Mismatch with ID '%s' not found", id), err)
		}
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve mismatch", err)
	}
	return m, nil
}

// ListMismatches returns one page of a run's mismatches ordered by order time.
func (d Datasource) ListMismatches(ctx context.Context, runID string, filter model.MismatchFilter) ([]model.Mismatch, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Listing mismatches",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	conditions := []string{"run_id = $1"}
	args := []interface{}{runID}
	if filter.MismatchType != nil {
		args = append(args, *filter.MismatchType)
		conditions = append(conditions, fmt.Sprintf("mismatch_type = $%d", len(args)))
	}
	if filter.IsResolved != nil {
		args = append(args, *filter.IsResolved)
		conditions = append(conditions, fmt.Sprintf("is_resolved = $%d", len(args)))
	}
	if filter.MachineCode != "" {
		args = append(args, strings.ToUpper(filter.MachineCode))
		conditions = append(conditions, fmt.Sprintf("machine_code = $%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)

	query := fmt.Sprintf(`SELECT %s FROM recon.reconciliation_mismatches WHERE %s
		ORDER BY order_time, mismatch_id LIMIT $%d OFFSET $%d`,
		mismatchColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list mismatches", err)
	}
	defer rows.Close()

	result := []model.Mismatch{}
	for rows.Next() {
		m, err := scanMismatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan mismatch", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list mismatches", err)
	}
	return result, nil
}

// ResolveMismatch marks an unresolved mismatch as resolved and reports whether it did.
func (d Datasource) ResolveMismatch(ctx context.Context, id, notes, resolvedBy string, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Resolving mismatch")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE recon.reconciliation_mismatches
		SET is_resolved = TRUE, resolution_notes = $2, resolved_by = $3, resolved_at = $4
		WHERE mismatch_id = $1 AND is_resolved = FALSE`,
		id, notes, resolvedBy, at,
	)
	if err != nil {
		span.RecordError(err)
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve mismatch", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to resolve mismatch", err)
	}
	return affected == 1, nil
}

// FetchSourceRows reads the staged rows of one source whose event time falls within [from, to].
// An empty machineIDs selects every machine.
func (d Datasource) FetchSourceRows(ctx context.Context, kind model.SourceKind, from, to time.Time, machineIDs []string) ([]model.RawRow, error) {
	ctx, span := otel.Tracer("Reconciliation").Start(ctx, "Fetching source rows",
		trace.WithAttributes(attribute.String("source", string(kind))))
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT payload FROM recon.source_rows
		WHERE source = $1 AND occurred_at >= $2 AND occurred_at <= $3
			AND (cardinality($4::text[]) = 0 OR upper(machine_code) = ANY($4))
		ORDER BY occurred_at, id`,
		kind, from, to, pq.Array(machineIDs),
	)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var result []model.RawRow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		row := model.RawRow{}
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&row); err != nil {
			// Undecodable payloads still count as rows so they surface as malformed.
			row = model.RawRow{}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rows", len(result)))
	return result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.Run, error) {
	run := &model.Run{}
	var (
		sources     []string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		summary     []byte
	)
	err := row.Scan(
		&run.RunID, &run.Status, &run.DateFrom, &run.DateTo, pq.Array(&sources), pq.Array(&run.MachineIDs),
		&run.TimeTolerance, &run.AmountTolerance, &startedAt, &completedAt, &run.ProcessingTimeMs,
		&summary, &run.ErrorMessage, &run.CreatedBy, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, s := range sources {
		run.Sources = append(run.Sources, model.SourceKind(s))
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if len(summary) > 0 {
		run.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run summary: %w", err)
		}
	}
	return run, nil
}

func scanMismatch(row scanner) (*model.Mismatch, error) {
	m := &model.Mismatch{}
	var (
		sourcesData []byte
		resolvedAt  sql.NullTime
	)
	err := row.Scan(
		&m.MismatchID, &m.RunID, &m.OrderNumber, &m.MachineCode, &m.OrderTime, &m.Amount,
		&m.PaymentMethod, &m.MismatchType, &m.MatchScore, &m.DiscrepancyAmount, &sourcesData,
		&m.Description, &m.IsResolved, &m.ResolutionNotes, &resolvedAt, &m.ResolvedBy, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(sourcesData) > 0 {
		if err := json.Unmarshal(sourcesData, &m.SourcesData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources data: %w", err)
		}
	}
	if resolvedAt.Valid {
		m.ResolvedAt = &resolvedAt.Time
	}
	return m, nil
}

func marshalSummary(summary *model.RunSummary) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run summary: %w", err)
	}
	return data, nil
}

func sourceStrings(sources []model.SourceKind) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return out
}
