package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifgw_outbox_events_total",
			Help: "Outbox events by relay outcome",
		},
		[]string{"result"}, // published|retried|failed|reclaimed
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifgw_notifications_total",
			Help: "Notification deliveries by outcome and channel",
		},
		[]string{"result", "channel"}, // delivered|failed , in_app|push|email|sms
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifgw_batches_total",
			Help: "Notification batches by outcome and channel",
		},
		[]string{"result", "channel"}, // created|completed|failed|rescheduled|reclaimed
	)

	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifgw_rate_limit_rejections_total",
			Help: "Batch dispatches denied by the channel rate limiter",
		},
		[]string{"channel"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		OutboxEventsTotal,
		NotificationsTotal,
		BatchesTotal,
		RateLimitRejections,
	)
}
