// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rillation/enrichment-runtime/internal/domain"
)

const recordColumns = `id, client, criteria, status,
	provider_task_id, provider_table_id, provider_workbook_id, provider_source_id,
	match_count, raw_response, error_message, webhook_url,
	created_at, updated_at, submitted_at`

type RecordRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRecordRepository(pool *pgxpool.Pool, logger *slog.Logger) *RecordRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecordRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *RecordRepository) Create(ctx context.Context, params domain.CreateRecordParams) (domain.ExecutionRecord, error) {
	criteria := params.Criteria
	if criteria == nil {
		criteria = domain.Criteria{}
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO execution_records (id, client, criteria, status, webhook_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+recordColumns,
		uuid.New(),
		strings.TrimSpace(params.Client),
		criteria,
		domain.RecordPendingReview,
		nullIfEmpty(params.WebhookURL),
	)

	rec, err := scanRecord(row)
	if err != nil {
		r.logger.Error("insert execution record failed", "client", params.Client, "error", err)
		return domain.ExecutionRecord{}, err
	}

	r.logger.Info("execution record created", "record_id", rec.ID, "client", rec.Client)
	return rec, nil
}

func (r *RecordRepository) Get(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id=$1`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, domain.ErrRecordNotFound
		}
		r.logger.Error("get execution record failed", "record_id", id, "error", err)
		return domain.ExecutionRecord{}, err
	}
	return rec, nil
}

// Upsert writes every field of rec, inserting the row when it does not
// exist. Concurrent writers on one id are last-write-wins.
func (r *RecordRepository) Upsert(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.ID == uuid.Nil {
		return errors.New("upsert execution record: missing id")
	}
	criteria := rec.Criteria
	if criteria == nil {
		criteria = domain.Criteria{}
	}
	status := rec.Status
	if status == "" {
		status = domain.RecordPendingReview
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO execution_records (
			id, client, criteria, status,
			provider_task_id, provider_table_id, provider_workbook_id, provider_source_id,
			match_count, raw_response, error_message, webhook_url, submitted_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			client=EXCLUDED.client,
			criteria=EXCLUDED.criteria,
			status=EXCLUDED.status,
			provider_task_id=EXCLUDED.provider_task_id,
			provider_table_id=EXCLUDED.provider_table_id,
			provider_workbook_id=EXCLUDED.provider_workbook_id,
			provider_source_id=EXCLUDED.provider_source_id,
			match_count=EXCLUDED.match_count,
			raw_response=EXCLUDED.raw_response,
			error_message=EXCLUDED.error_message,
			webhook_url=EXCLUDED.webhook_url,
			submitted_at=EXCLUDED.submitted_at,
			updated_at=NOW()
	`,
		rec.ID,
		rec.Client,
		criteria,
		status,
		nullIfEmpty(rec.ProviderTaskID),
		nullIfEmpty(rec.ProviderTableID),
		nullIfEmpty(rec.ProviderWorkbookID),
		nullIfEmpty(rec.ProviderSourceID),
		rec.MatchCount,
		nullIfEmpty(rec.RawResponse),
		nullIfEmpty(rec.ErrorMessage),
		nullIfEmpty(rec.WebhookURL),
		rec.SubmittedAt,
	)
	if err != nil {
		r.logger.Error("upsert execution record failed", "record_id", rec.ID, "error", err)
		return err
	}
	return nil
}

func (r *RecordRepository) Transition(
	ctx context.Context,
	id uuid.UUID,
	from []domain.RecordStatus,
	patch domain.RecordPatch,
) (domain.ExecutionRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.ExecutionRecord{}, err
	}
	defer tx.Rollback(ctx)

	var current domain.RecordStatus
	if err := tx.QueryRow(ctx,
		`SELECT status FROM execution_records WHERE id=$1 FOR UPDATE`,
		id,
	).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, domain.ErrRecordNotFound
		}
		r.logger.Error("read record status failed", "record_id", id, "error", err)
		return domain.ExecutionRecord{}, err
	}

	if !statusAllowed(current, from) {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: record %s is %s", domain.ErrStatusConflict, id, current)
	}

	sets, args := patchAssignments(patch, []any{id})
	row := tx.QueryRow(ctx,
		`UPDATE execution_records SET `+strings.Join(sets, ", ")+` WHERE id=$1 RETURNING `+recordColumns,
		args...,
	)
	rec, err := scanRecord(row)
	if err != nil {
		r.logger.Error("update execution record failed", "record_id", id, "error", err)
		return domain.ExecutionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "record_id", id, "error", err)
		return domain.ExecutionRecord{}, err
	}

	if patch.Status != nil && *patch.Status != current {
		r.logger.Info("execution record transitioned",
			"record_id", id,
			"from", current,
			"to", rec.Status,
		)
	}
	return rec, nil
}

// Approve moves a record out of review so the worker may submit it.
func (r *RecordRepository) Approve(ctx context.Context, id uuid.UUID) (domain.ExecutionRecord, error) {
	return r.Transition(ctx, id,
		[]domain.RecordStatus{domain.RecordPendingReview},
		domain.RecordPatch{Status: domain.Ptr(domain.RecordApproved)},
	)
}

func (r *RecordRepository) List(ctx context.Context, filter RecordFilter) ([]domain.ExecutionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM execution_records
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`,
		string(filter.Status),
		filter.limit(),
	)
	if err != nil {
		r.logger.Error("list execution records failed", "status", filter.Status, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ExecutionRecord, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			r.logger.Error("scan execution record failed", "error", err)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("execution record rows iteration failed", "error", err)
		return nil, err
	}

	return out, nil
}

// ClaimApproved leases the oldest approved record for submission. A lease
// older than reclaimBefore is considered abandoned and may be taken over.
// It returns ok=false when nothing is claimable.
func (r *RecordRepository) ClaimApproved(ctx context.Context, reclaimBefore time.Time) (domain.ExecutionRecord, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ExecutionRecord{}, false, err
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id
		FROM execution_records
		WHERE status=$1
		  AND (claimed_at IS NULL OR claimed_at < $2)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`,
		domain.RecordApproved,
		reclaimBefore,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, false, nil
		}
		return domain.ExecutionRecord{}, false, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE execution_records
		SET claimed_at=NOW()
		WHERE id=$1
		RETURNING `+recordColumns,
		id,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return domain.ExecutionRecord{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ExecutionRecord{}, false, err
	}
	return rec, true, nil
}

// patchAssignments renders the SET list for patch. Placeholders continue
// after the arguments already in args.
func patchAssignments(patch domain.RecordPatch, args []any) ([]string, []any) {
	sets := make([]string, 0, 10)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
		sets = append(sets, "claimed_at=NULL")
	}
	if patch.ProviderTaskID != nil {
		add("provider_task_id", nullIfEmpty(*patch.ProviderTaskID))
	}
	if patch.ProviderTableID != nil {
		add("provider_table_id", nullIfEmpty(*patch.ProviderTableID))
	}
	if patch.ProviderWorkbookID != nil {
		add("provider_workbook_id", nullIfEmpty(*patch.ProviderWorkbookID))
	}
	if patch.ProviderSourceID != nil {
		add("provider_source_id", nullIfEmpty(*patch.ProviderSourceID))
	}
	if patch.MatchCount != nil {
		add("match_count", *patch.MatchCount)
	}
	if patch.RawResponse != nil {
		add("raw_response", nullIfEmpty(*patch.RawResponse))
	}
	if patch.ErrorMessage != nil {
		add("error_message", nullIfEmpty(*patch.ErrorMessage))
	}
	if patch.SubmittedAt != nil {
		add("submitted_at", *patch.SubmittedAt)
	}

	sets = append(sets, "updated_at=NOW()")
	return sets, args
}

func scanRecord(row pgx.Row) (domain.ExecutionRecord, error) {
	var (
		rec                                   domain.ExecutionRecord
		taskID, tableID, workbookID, sourceID *string
		rawResponse, errorMessage, webhookURL *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Client,
		&rec.Criteria,
		&rec.Status,
		&taskID,
		&tableID,
		&workbookID,
		&sourceID,
		&rec.MatchCount,
		&rawResponse,
		&errorMessage,
		&webhookURL,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.SubmittedAt,
	); err != nil {
		return domain.ExecutionRecord{}, err
	}

	rec.ProviderTaskID = deref(taskID)
	rec.ProviderTableID = deref(tableID)
	rec.ProviderWorkbookID = deref(workbookID)
	rec.ProviderSourceID = deref(sourceID)
	rec.RawResponse = deref(rawResponse)
	rec.ErrorMessage = deref(errorMessage)
	rec.WebhookURL = deref(webhookURL)
	return rec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
