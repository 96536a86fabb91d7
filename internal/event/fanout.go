package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hkhosravi/notification-gateway/internal/model"
	"github.com/hkhosravi/notification-gateway/internal/repository"
	"github.com/hkhosravi/notification-gateway/internal/util"
)

// fanoutPayload is the shape domain events use to request notification
// fan-out: one pending notification row per (recipient, channel).
type fanoutPayload struct {
	Recipients []int64         `json:"recipients"`
	Channels   []string        `json:"channels"`
	Title      string          `json:"title"`
	Body       string          `json:"body"`
	Data       json.RawMessage `json:"data"`
}

// Fanout is the built-in event consumer: it materializes per-recipient,
// per-channel pending notifications from domain events. Events whose
// payload does not carry recipients are ignored.
type Fanout struct {
	notifications repository.NotificationsRepository
}

func NewFanout(notifications repository.NotificationsRepository) *Fanout {
	return &Fanout{notifications: notifications}
}

// Handle implements the bus Handler signature.
func (f *Fanout) Handle(ctx context.Context, e Event) error {
	var p fanoutPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		// not a fanout-shaped event; nothing to do
		return nil
	}
	if len(p.Recipients) == 0 {
		return nil
	}
	if len(p.Channels) == 0 {
		p.Channels = []string{model.ChannelInApp.String()}
	}

	for _, userID := range p.Recipients {
		for _, raw := range p.Channels {
			ch, ok := model.ParseChannel(raw)
			if !ok {
				continue
			}
			n := model.Notification{
				ID:       util.New(),
				UserID:   userID,
				Channel:  ch,
				Title:    p.Title,
				Body:     p.Body,
				Data:     p.Data,
				Metadata: e.Metadata,
			}
			if err := f.notifications.InsertPending(ctx, nil, n); err != nil {
				return fmt.Errorf("insert notification user=%d channel=%s: %w", userID, ch, err)
			}
		}
	}
	return nil
}
