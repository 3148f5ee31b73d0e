package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	chatConnectionsTotal  prometheus.Counter
	chatConnectionsActive prometheus.Gauge
	chatMessagesSent      *prometheus.CounterVec
	chatBroadcastDropped  prometheus.Counter
	chatRelayEvents       *prometheus.CounterVec
	authorizationDenials  *prometheus.CounterVec
	notificationsTotal    *prometheus.CounterVec
	expiredMessagesTotal  prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used across the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Websocket chat connections accepted since start.",
		})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Websocket chat connections currently open.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, labelled by kind.",
		}, []string{"kind"})

		chatBroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_broadcast_dropped_total",
			Help: "Connections dropped because their outbound queue was full.",
		})

		chatRelayEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_events_total",
			Help: "Events relayed between nodes, labelled by transport and direction.",
		}, []string{"transport", "direction"})

		authorizationDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_authorization_denials_total",
			Help: "Thread actions refused by membership rules.",
		}, []string{"action"})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Notification intents handed to the notification collaborator.",
		}, []string{"type"})

		expiredMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_expired_total",
			Help: "Disappearing messages tombstoned by the expiry sweeper.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatConnectionsTotal, chatConnectionsActive, chatMessagesSent, chatBroadcastDropped, chatRelayEvents,
			authorizationDenials, notificationsTotal, expiredMessagesTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnectionsTotal counts accepted websocket connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatConnectionsActive tracks open websocket connections.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatMessagesSent counts persisted messages by kind.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatBroadcastDropped counts slow connections cut off by the hub.
func ChatBroadcastDropped() prometheus.Counter {
	RegisterMetrics()
	return chatBroadcastDropped
}

// ChatRelayEvents counts cross-node relay traffic.
func ChatRelayEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return chatRelayEvents
}

// AuthorizationDenials counts refused thread actions.
func AuthorizationDenials() *prometheus.CounterVec {
	RegisterMetrics()
	return authorizationDenials
}

// NotificationsPublishedTotal counts notification intents.
func NotificationsPublishedTotal() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

// ExpiredMessages counts messages removed by the expiry sweeper.
func ExpiredMessages() prometheus.Counter {
	RegisterMetrics()
	return expiredMessagesTotal
}
