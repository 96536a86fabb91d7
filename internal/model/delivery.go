package model

import "time"

// DeliveryResult is one row of the ClickHouse delivery log, appended by
// the dispatcher after each chunk. Used for reporting only; the MySQL
// tables remain the source of truth.
type DeliveryResult struct {
	NotificationID string             `db:"notification_id" json:"notification_id"`
	BatchID        string             `db:"batch_id"        json:"batch_id"`
	UserID         int64              `db:"user_id"         json:"user_id"`
	Channel        Channel            `db:"channel"         json:"channel"`
	Result         NotificationStatus `db:"result"          json:"result"` // delivered|failed
	CreatedAt      time.Time          `db:"created_at"      json:"created_at"`
}
