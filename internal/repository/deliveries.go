package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/hkhosravi/notification-gateway/internal/model"
)

// DeliveryLogRepository appends and lists delivery results in ClickHouse.
type DeliveryLogRepository interface {
	AppendResults(ctx context.Context, rows []model.DeliveryResult) error
	List(ctx context.Context, channel model.Channel, result model.NotificationStatus, limit, offset int) ([]model.DeliveryResult, error)
}

type deliveryLogRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewDeliveryLogRepository(ch *sqlx.DB) DeliveryLogRepository {
	return &deliveryLogRepository{ch: ch}
}

func (r *deliveryLogRepository) AppendResults(ctx context.Context, rows []model.DeliveryResult) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO notifgw.delivery_log
		    (notification_id, batch_id, user_id, channel, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range rows {
		if _, err := stmt.ExecContext(ctx,
			d.NotificationID, d.BatchID, d.UserID, d.Channel.String(), d.Result.String(), d.CreatedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *deliveryLogRepository) List(ctx context.Context, channel model.Channel, result model.NotificationStatus, limit, offset int) ([]model.DeliveryResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT notification_id, batch_id, user_id, channel, result, created_at
		FROM notifgw.delivery_log
		WHERE 1 = 1
	`
	args := []any{}

	if channel != "" {
		q += " AND channel = ?"
		args = append(args, channel.String())
	}
	if result != "" {
		q += " AND result = ?"
		args = append(args, result.String())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeliveryResult
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
