package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

var ErrBatchNotFound = errors.New("batch not found")

// BatchesRepository defines persistence for the notification_batches table.
type BatchesRepository interface {
	Insert(ctx context.Context, b model.NotificationBatch) error

	// ClaimDue atomically claims up to limit due pending batches (oldest
	// first), marking them processing with started_at=NOW(). Batches locked
	// by a concurrent dispatcher instance are skipped.
	ClaimDue(ctx context.Context, limit int) ([]model.NotificationBatch, error)

	// ReclaimStalled claims processing batches whose started_at is older
	// than the stall threshold, refreshing started_at so only one scan
	// picks each batch up.
	ReclaimStalled(ctx context.Context, olderThan time.Duration, limit int) ([]model.NotificationBatch, error)

	// Reschedule reverts a processing batch to pending with a new
	// scheduled_for; used when the rate limiter denies the batch.
	Reschedule(ctx context.Context, id string, at time.Time) error

	// SetProgress writes the run's cumulative counters after a chunk. The
	// update is guarded so processed == success+failure and never exceeds
	// total_notifications. Absolute writes keep a resumed stalled batch
	// (which re-counts from zero) inside the invariant.
	SetProgress(ctx context.Context, id string, processed, success, failure int) error

	// MarkCompleted and MarkFailed move a processing batch to its
	// terminal state. Both return an error when no row transitions, so
	// callers never report a completion that did not happen.
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error

	GetByID(ctx context.Context, id string) (*model.NotificationBatch, error)

	// DeleteOlderThan purges terminal batches past the retention window and
	// returns the count removed.
	DeleteOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)
}

type BatchesRepositoryImpl struct {
	db *sqlx.DB
}

func NewBatchesRepository(db *sqlx.DB) *BatchesRepositoryImpl {
	return &BatchesRepositoryImpl{db: db}
}

var _ BatchesRepository = (*BatchesRepositoryImpl)(nil)

const batchColumns = `
	id, channel, status, notification_ids, total_notifications,
	processed_count, success_count, failure_count, metadata,
	scheduled_for, created_at, started_at, completed_at
`

func (r *BatchesRepositoryImpl) Insert(ctx context.Context, b model.NotificationBatch) error {
	const q = `
		INSERT INTO notification_batches
		    (id, channel, status, notification_ids, total_notifications,
		     processed_count, success_count, failure_count, metadata, scheduled_for, created_at)
		VALUES
		    (?, ?, 'pending', ?, ?, 0, 0, 0, ?, ?, NOW())
	`
	meta := b.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}
	var sched any
	if b.ScheduledFor.Valid {
		sched = b.ScheduledFor.Time
	}
	_, err := r.db.ExecContext(ctx, q,
		b.ID, b.Channel.String(), b.NotificationIDs, b.TotalNotifications, []byte(meta), sched,
	)
	return err
}

func (r *BatchesRepositoryImpl) claim(ctx context.Context, where string, args []any, limit int) ([]model.NotificationBatch, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []model.NotificationBatch
	q := fmt.Sprintf(`
		SELECT %s FROM notification_batches
		 WHERE %s
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, batchColumns, where)
	if err := tx.SelectContext(ctx, &rows, q, append(args, limit)...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, 0, len(rows))
	for _, b := range rows {
		ids = append(ids, b.ID)
	}
	query, inArgs, err := sqlx.In(`
		UPDATE notification_batches
		   SET status = 'processing', started_at = NOW()
		 WHERE id IN (?)
	`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(query), inArgs...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range rows {
		rows[i].Status = model.BatchProcessing
		rows[i].StartedAt = sql.NullTime{Time: now, Valid: true}
	}
	return rows, nil
}

func (r *BatchesRepositoryImpl) ClaimDue(ctx context.Context, limit int) ([]model.NotificationBatch, error) {
	if limit <= 0 {
		limit = 5
	}
	return r.claim(ctx,
		`status = 'pending' AND (scheduled_for IS NULL OR scheduled_for <= NOW())`,
		nil, limit)
}

func (r *BatchesRepositoryImpl) ReclaimStalled(ctx context.Context, olderThan time.Duration, limit int) ([]model.NotificationBatch, error) {
	if limit <= 0 {
		limit = 5
	}
	return r.claim(ctx,
		`status = 'processing' AND started_at < NOW() - INTERVAL ? SECOND`,
		[]any{int64(olderThan.Seconds())}, limit)
}

func (r *BatchesRepositoryImpl) Reschedule(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_batches
		   SET status = 'pending', scheduled_for = ?, started_at = NULL
		 WHERE id = ? AND status = 'processing'
	`, at, id)
	return err
}

func (r *BatchesRepositoryImpl) SetProgress(ctx context.Context, id string, processed, success, failure int) error {
	if processed != success+failure || processed < 0 {
		return fmt.Errorf("inconsistent progress: processed=%d success=%d failure=%d", processed, success, failure)
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_batches
		   SET processed_count = ?,
		       success_count   = ?,
		       failure_count   = ?
		 WHERE id = ?
		   AND ? <= total_notifications
	`, processed, success, failure, id, processed)
	return err
}

func (r *BatchesRepositoryImpl) MarkCompleted(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notification_batches
		   SET status = 'completed', completed_at = NOW()
		 WHERE id = ? AND status = 'processing'
		   AND processed_count = total_notifications
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch %s not completable: not processing or counters incomplete", id)
	}
	return nil
}

func (r *BatchesRepositoryImpl) MarkFailed(ctx context.Context, id string, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notification_batches
		   SET status = 'failed', completed_at = NOW(),
		       metadata = JSON_SET(COALESCE(metadata, JSON_OBJECT()), '$.error', ?)
		 WHERE id = ? AND status = 'processing'
	`, truncateErr(errMsg), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("batch %s not failable: not in processing state", id)
	}
	return nil
}

func (r *BatchesRepositoryImpl) GetByID(ctx context.Context, id string) (*model.NotificationBatch, error) {
	var b model.NotificationBatch
	err := r.db.GetContext(ctx, &b,
		`SELECT `+batchColumns+` FROM notification_batches WHERE id = ? LIMIT 1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BatchesRepositoryImpl) DeleteOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM notification_batches
		 WHERE status IN ('completed', 'failed')
		   AND created_at < NOW() - INTERVAL ? SECOND
	`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
