// Package metrics — счётчики Prometheus клиента. Отдаются веб-сервером на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Присутствие
	PresenceUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clofri_presence_users",
			Help: "Users currently visible in the lobby presence registry",
		},
	)

	PresencePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_presence_publishes_total",
			Help: "Own presence record publications",
		},
		[]string{"reason"}, // subscribed, heartbeat, activity, settings, profile
	)

	PresencePublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clofri_presence_publish_errors_total",
			Help: "Failed presence track calls",
		},
	)

	ChannelStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_channel_status_total",
			Help: "Channel subscription status transitions",
		},
		[]string{"channel_kind", "status"},
	)

	// Уведомления
	LobbyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_lobby_events_total",
			Help: "Lobby broadcast events by outcome",
		},
		[]string{"event", "outcome"}, // handled, ignored, malformed
	)

	RefreshFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_refresh_failures_total",
			Help: "Failed collection refreshes",
		},
		[]string{"collection"},
	)

	UnreadConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clofri_unread_conversations",
			Help: "Conversations currently flagged unread",
		},
	)

	// Чаты
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_messages_sent_total",
			Help: "Messages sent by the local user",
		},
		[]string{"kind"}, // dm, group
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_messages_received_total",
			Help: "Live messages received from peers",
		},
		[]string{"kind"},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clofri_message_persist_failures_total",
			Help: "Messages whose persistence failed after broadcast",
		},
	)

	// Транспорт
	TransportReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_transport_reconnects_total",
			Help: "Realtime transport reconnect attempts",
		},
		[]string{"backend"},
	)

	BroadcastWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clofri_broadcast_rate_wait_seconds",
			Help:    "Time spent waiting for the outbound broadcast rate limiter",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clofri_http_requests_total",
			Help: "Total local API requests",
		},
		[]string{"method", "route", "status"},
	)

	WebSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clofri_web_sessions",
			Help: "Browser sessions of the local API",
		},
	)
)
