package model

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) Valid() bool {
	return s == BatchPending || s == BatchProcessing || s == BatchCompleted || s == BatchFailed
}

// NotificationBatch groups pending notifications of one channel for
// dispatch under a shared rate-limit budget. It references notification
// ids; the notification rows themselves never move.
//
// Counter invariant, held at every commit point:
//
//	ProcessedCount == SuccessCount + FailureCount <= TotalNotifications
//
// and status=completed implies ProcessedCount == TotalNotifications.
type NotificationBatch struct {
	ID                 string          `db:"id"                  json:"id"` // ULID
	Channel            Channel         `db:"channel"             json:"channel"`
	Status             BatchStatus     `db:"status"              json:"status"`
	NotificationIDs    IDList          `db:"notification_ids"    json:"notification_ids"`
	TotalNotifications int             `db:"total_notifications" json:"total_notifications"`
	ProcessedCount     int             `db:"processed_count"     json:"processed_count"`
	SuccessCount       int             `db:"success_count"       json:"success_count"`
	FailureCount       int             `db:"failure_count"       json:"failure_count"`
	Metadata           json.RawMessage `db:"metadata"            json:"metadata,omitempty"`
	ScheduledFor       sql.NullTime    `db:"scheduled_for"       json:"scheduled_for"`
	CreatedAt          time.Time       `db:"created_at"          json:"created_at"`
	StartedAt          sql.NullTime    `db:"started_at"          json:"started_at"`
	CompletedAt        sql.NullTime    `db:"completed_at"        json:"completed_at"`
}

// IDList stores an ordered set of notification ids as a comma-joined
// TEXT column. ULIDs contain no commas, so the encoding is unambiguous.
type IDList []string

func (l IDList) Value() (driver.Value, error) {
	return strings.Join(l, ","), nil
}

func (l *IDList) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	}
	if s == "" {
		*l = nil
		return nil
	}
	*l = strings.Split(s, ",")
	return nil
}
