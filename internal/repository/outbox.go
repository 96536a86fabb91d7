package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

// OutboxRepository defines persistence for the outbox_events table.
type OutboxRepository interface {
	// Append writes a single outbox event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx so the event
	// commits atomically with the caller's business mutation.
	Append(ctx context.Context, tx *sqlx.Tx, eventName string, payload, metadata json.RawMessage, scheduledFor *time.Time) error

	// ClaimPending atomically claims up to limit due pending rows (oldest
	// first) and marks them processing. Rows locked by a concurrent relay
	// instance are skipped.
	ClaimPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)

	MarkPublished(ctx context.Context, id int64) error

	// ScheduleRetry reverts a processing row to pending with retry_count+1,
	// the publish error recorded, and a backoff on scheduled_for.
	ScheduleRetry(ctx context.Context, id int64, errMsg string) error

	MarkFailed(ctx context.Context, id int64, errMsg string) error

	// ResetFailed is the operator recovery action: all failed rows back to
	// pending with retry_count=0 and error_message cleared. Returns the
	// number of rows reset.
	ResetFailed(ctx context.Context) (int64, error)

	// ReclaimStuck reverts processing rows older than olderThan to pending.
	// Covers a relay crash between claiming and publishing.
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) Append(ctx context.Context, tx *sqlx.Tx, eventName string, payload, metadata json.RawMessage, scheduledFor *time.Time) error {
	const q = `
		INSERT INTO outbox_events (event_name, payload, metadata, status, retry_count, scheduled_for, created_at)
		VALUES (?, ?, ?, 'pending', 0, ?, NOW())
	`
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, eventName, []byte(payload), []byte(metadata), scheduledFor)

		return err
	})
}

func (r *OutboxRepositoryImpl) ClaimPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []model.OutboxEvent
	err = tx.SelectContext(ctx, &rows, `
		SELECT id, event_name, payload, metadata, status, retry_count,
		       scheduled_for, error_message, created_at, updated_at, processed_at
		  FROM outbox_events
		 WHERE status = 'pending'
		   AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, 0, len(rows))
	for _, e := range rows {
		ids = append(ids, e.ID)
	}

	query, args, err := sqlx.In(`UPDATE outbox_events SET status = 'processing' WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range rows {
		rows[i].Status = model.OutboxProcessing
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = 'published', processed_at = NOW()
		 WHERE id = ? AND status = 'processing'
	`, id)
	return err
}

// ScheduleRetry pushes scheduled_for out linearly with the retry count
// so a repeatedly failing event does not burn its whole retry budget
// inside one drain pass.
func (r *OutboxRepositoryImpl) ScheduleRetry(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = 'pending',
		       retry_count = retry_count + 1,
		       scheduled_for = DATE_ADD(NOW(), INTERVAL 30 * (retry_count + 1) SECOND),
		       error_message = ?
		 WHERE id = ? AND status = 'processing'
	`, truncateErr(errMsg), id)
	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = 'failed', error_message = ?, processed_at = NOW()
		 WHERE id = ? AND status = 'processing'
	`, truncateErr(errMsg), id)
	return err
}

func (r *OutboxRepositoryImpl) ResetFailed(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = 'pending', retry_count = 0, error_message = NULL
		 WHERE status = 'failed'
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *OutboxRepositoryImpl) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = 'pending'
		 WHERE status = 'processing'
		   AND updated_at < NOW() - INTERVAL ? SECOND
	`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// error_message is VARCHAR(1024); keep driver errors from overflowing it.
func truncateErr(s string) string {
	if len(s) > 1024 {
		return s[:1024]
	}
	return s
}
