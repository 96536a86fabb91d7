package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
)

func (s OutboxStatus) String() string { return string(s) }

func (s OutboxStatus) Valid() bool {
	return s == OutboxPending || s == OutboxProcessing || s == OutboxPublished || s == OutboxFailed
}

// OutboxEvent is a row in outbox_events. It is written in the same
// transaction as the business mutation that produced it and drained
// asynchronously by the relay.
//
// Status transitions: pending -> processing -> published, or
// processing -> pending (retry, retry_count+1) until retry_count hits
// the relay's max, then processing -> failed.
type OutboxEvent struct {
	ID           int64           `db:"id"`
	EventName    string          `db:"event_name"` // routing key, e.g. "comment.created"
	Payload      json.RawMessage `db:"payload"`
	Metadata     json.RawMessage `db:"metadata"`
	Status       OutboxStatus    `db:"status"`
	RetryCount   int             `db:"retry_count"`
	ScheduledFor sql.NullTime    `db:"scheduled_for"` // not published before this time
	ErrorMessage sql.NullString  `db:"error_message"` // last publish failure
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	ProcessedAt  sql.NullTime    `db:"processed_at"`
}
