package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_api_requests_total", Help: "Dashboard API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_enqueue_total", Help: "Outbound task enqueue results"},
		[]string{"action", "result"},
	)
	ChannelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "telegram_calls_total", Help: "Telegram call outcomes"},
		[]string{"action", "result", "code"},
	)
	ChannelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "telegram_call_latency_seconds", Help: "Telegram call latency"},
		[]string{"action"},
	)
	TaskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_task_outcomes_total", Help: "Terminal outbound task outcomes"},
		[]string{"action", "status", "reason"},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "inbound_events_total", Help: "Inbound channel events by outcome"},
		[]string{"outcome"},
	)
	ReceiptEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_receipt_events_total", Help: "Delivery receipt events"},
		[]string{"status"},
	)
	Swept = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chatsync_swept_tasks_total", Help: "Pending tasks handled by the sweeper"},
		[]string{"result"},
	)
	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chatsync_live_sessions", Help: "Open dashboard live sessions"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, ChannelCalls, ChannelLatency, TaskOutcomes,
		InboundEvents, ReceiptEvents, Swept, LiveSessions)
}
