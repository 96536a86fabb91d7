package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

func (s NotificationStatus) String() string { return string(s) }

func (s NotificationStatus) Valid() bool {
	return s == NotificationPending || s == NotificationDelivered || s == NotificationFailed
}

// Notification is a per-recipient, per-channel delivery record. Event
// consumers create them pending; the dispatcher moves them to a
// terminal delivered/failed state.
type Notification struct {
	ID          string             `db:"id"` // ULID
	UserID      int64              `db:"user_id"`
	Channel     Channel            `db:"channel"`
	Status      NotificationStatus `db:"status"`
	Title       string             `db:"title"`
	Body        string             `db:"body"`
	Data        json.RawMessage    `db:"data"`
	Metadata    json.RawMessage    `db:"metadata"`
	CreatedAt   time.Time          `db:"created_at"`
	BatchedAt   sql.NullTime       `db:"batched_at"`
	DeliveredAt sql.NullTime       `db:"delivered_at"`
}
