package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

// NotificationsRepository defines persistence for the notifications table.
// Rows are created pending by event consumers and moved to a terminal
// state by the batch dispatcher.
type NotificationsRepository interface {
	// InsertPending writes a new pending notification. If tx is nil an
	// internal transaction is used.
	InsertPending(ctx context.Context, tx *sqlx.Tx, n model.Notification) error

	// ClaimForBatch atomically picks up to limit unbatched pending
	// notifications for one channel, oldest first, stamping batched_at so
	// no notification lands in two batches. Rows locked by a concurrent
	// batcher are skipped.
	ClaimForBatch(ctx context.Context, channel model.Channel, limit int) ([]model.Notification, error)

	// ClearBatchStamp reverts the batched_at claim on still-pending
	// rows, making them eligible for grouping again. Compensation for a
	// batch insert that failed after the claim committed.
	ClearBatchStamp(ctx context.Context, ids []string) error

	// ReclaimUnbatched clears stale batched_at stamps on pending rows
	// that no batch references. Such rows exist only when the batcher
	// died between stamping a claim and inserting the batch; without
	// this pass the batched_at filter would hide them forever. Returns
	// the number of rows reclaimed.
	ReclaimUnbatched(ctx context.Context, olderThan time.Duration) (int64, error)

	// FetchByIDs loads notifications preserving the order of ids.
	FetchByIDs(ctx context.Context, ids []string) ([]model.Notification, error)

	// BatchUpdateStatus updates status for many notifications in a single
	// statement. delivered also stamps delivered_at.
	BatchUpdateStatus(ctx context.Context, ids []string, status model.NotificationStatus) error
}

type NotificationsRepositoryImpl struct {
	db *sqlx.DB
}

func NewNotificationsRepository(db *sqlx.DB) *NotificationsRepositoryImpl {
	return &NotificationsRepositoryImpl{db: db}
}

var _ NotificationsRepository = (*NotificationsRepositoryImpl)(nil)

func (r *NotificationsRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *NotificationsRepositoryImpl) InsertPending(ctx context.Context, tx *sqlx.Tx, n model.Notification) error {
	const q = `
		INSERT INTO notifications
		    (id, user_id, channel, status, title, body, data, metadata, created_at)
		VALUES
		    (?,  ?,       ?,       'pending', ?,  ?,   ?,    ?,        NOW())
	`
	data := n.Data
	if data == nil {
		data = []byte(`{}`)
	}
	meta := n.Metadata
	if meta == nil {
		meta = []byte(`{}`)
	}
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			n.ID, n.UserID, n.Channel.String(), n.Title, n.Body, []byte(data), []byte(meta),
		)
		return err
	})
}

func (r *NotificationsRepositoryImpl) ClaimForBatch(ctx context.Context, channel model.Channel, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []model.Notification
	err = tx.SelectContext(ctx, &rows, `
		SELECT id, user_id, channel, status, title, body, data, metadata, created_at, batched_at, delivered_at
		  FROM notifications
		 WHERE channel = ? AND status = 'pending' AND batched_at IS NULL
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, channel.String(), limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, 0, len(rows))
	for _, n := range rows {
		ids = append(ids, n.ID)
	}
	query, args, err := sqlx.In(`UPDATE notifications SET batched_at = NOW() WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *NotificationsRepositoryImpl) ClearBatchStamp(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE notifications SET batched_at = NULL
		 WHERE id IN (?) AND status = 'pending'
	`, ids)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}

func (r *NotificationsRepositoryImpl) ReclaimUnbatched(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications n
		   SET n.batched_at = NULL
		 WHERE n.status = 'pending'
		   AND n.batched_at IS NOT NULL
		   AND n.batched_at < DATE_SUB(NOW(), INTERVAL ? SECOND)
		   AND NOT EXISTS (
		       SELECT 1 FROM notification_batches b
		        WHERE FIND_IN_SET(n.id, b.notification_ids)
		   )
	`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *NotificationsRepositoryImpl) FetchByIDs(ctx context.Context, ids []string) ([]model.Notification, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, user_id, channel, status, title, body, data, metadata, created_at, batched_at, delivered_at
		  FROM notifications
		 WHERE id IN (?)
	`, ids)
	if err != nil {
		return nil, err
	}

	var rows []model.Notification
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	// IN() gives no ordering; restore the batch's id order.
	byID := make(map[string]model.Notification, len(rows))
	for _, n := range rows {
		byID[n.ID] = n
	}
	ordered := make([]model.Notification, 0, len(rows))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			ordered = append(ordered, n)
		}
	}
	return ordered, nil
}

func (r *NotificationsRepositoryImpl) BatchUpdateStatus(ctx context.Context, ids []string, status model.NotificationStatus) error {
	if len(ids) == 0 {
		return nil
	}

	base := `UPDATE notifications SET status = ? WHERE id IN (?)`
	if status == model.NotificationDelivered {
		base = `UPDATE notifications SET status = ?, delivered_at = NOW() WHERE id IN (?)`
	}
	query, args, err := sqlx.In(base, status.String(), ids)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return err
}
