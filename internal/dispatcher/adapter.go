package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hkhosravi/notification-gateway/internal/config"
	"github.com/hkhosravi/notification-gateway/internal/logger"
	"github.com/hkhosravi/notification-gateway/internal/model"
	"github.com/hkhosravi/notification-gateway/internal/presence"
)

// Adapter delivers a single notification over one channel. Deliver
// reports success or failure; it must not panic and must respect ctx.
type Adapter interface {
	Channel() model.Channel
	Deliver(ctx context.Context, n *model.Notification) bool
}

// ---- HTTP adapter (push, email, sms) ----

type deliveryRequest struct {
	NotificationID string          `json:"notification_id"`
	UserID         int64           `json:"user_id"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// HTTPAdapter POSTs the notification to an external delivery endpoint.
// Any 2xx response counts as delivered. A breaker in front of the
// endpoint sheds load while the endpoint is down.
type HTTPAdapter struct {
	channel model.Channel
	url     string
	client  *http.Client
	breaker *MicroBreaker
}

func NewHTTPAdapter(channel model.Channel, cfg config.AdapterConfig) *HTTPAdapter {
	return &HTTPAdapter{
		channel: channel,
		url:     cfg.BaseURL + cfg.Path,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		breaker: NewMicroBreaker(cfg.Breaker.FailThreshold, time.Duration(cfg.Breaker.OpenForMs)*time.Millisecond),
	}
}

func (a *HTTPAdapter) Channel() model.Channel { return a.channel }

func (a *HTTPAdapter) Deliver(ctx context.Context, n *model.Notification) bool {
	if !a.breaker.TryAcquire() {
		return false
	}

	ok := a.post(ctx, n)
	if ok {
		a.breaker.OnSuccess()
	} else {
		a.breaker.OnFailure()
	}
	return ok
}

func (a *HTTPAdapter) post(ctx context.Context, n *model.Notification) bool {
	body, err := json.Marshal(deliveryRequest{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
	})
	if err != nil {
		logger.Log.Error("encode delivery request", zap.String("notification_id", n.ID), zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		logger.Log.Warn("delivery endpoint unreachable",
			zap.String("channel", a.channel.String()), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ---- In-app adapter ----

// InAppAdapter pushes to connected users over Redis pub/sub. Users who
// are offline still get the stored notification on their next fetch,
// so an offline user is a successful delivery, not a failure.
type InAppAdapter struct {
	presence *presence.Store
	client   *redis.Client
}

func NewInAppAdapter(p *presence.Store, client *redis.Client) *InAppAdapter {
	return &InAppAdapter{presence: p, client: client}
}

func (a *InAppAdapter) Channel() model.Channel { return model.ChannelInApp }

func liveChannelKey(userID int64) string {
	return "live:user:" + strconv.FormatInt(userID, 10)
}

func (a *InAppAdapter) Deliver(ctx context.Context, n *model.Notification) bool {
	online, err := a.presence.IsConnected(ctx, n.UserID)
	if err != nil {
		logger.Log.Warn("presence lookup failed", zap.Int64("user_id", n.UserID), zap.Error(err))
		return true // stored row is still readable; live push is best effort
	}
	if !online {
		return true
	}

	payload, err := json.Marshal(deliveryRequest{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
	})
	if err != nil {
		return true
	}

	if err := a.client.Publish(ctx, liveChannelKey(n.UserID), payload).Err(); err != nil {
		logger.Log.Warn("live push failed", zap.Int64("user_id", n.UserID), zap.Error(err))
	}
	return true
}

// NewAdapterTable builds the channel-to-adapter map from config.
// Disabled or unknown channels are skipped; in_app is always wired.
func NewAdapterTable(cfgs []config.AdapterConfig, p *presence.Store, client *redis.Client) (map[model.Channel]Adapter, error) {
	table := map[model.Channel]Adapter{
		model.ChannelInApp: NewInAppAdapter(p, client),
	}

	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		ch, ok := model.ParseChannel(c.Channel)
		if !ok {
			return nil, fmt.Errorf("adapter config: unknown channel %q", c.Channel)
		}
		if ch == model.ChannelInApp {
			continue
		}
		table[ch] = NewHTTPAdapter(ch, c)
	}

	return table, nil
}
