package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 托管操作耗时（秒），result 为 ok 或错误类别
	EscrowOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Escrow operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation", "result"},
	)

	EscrowOperationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operation_total",
			Help: "Total number of escrow operations by result",
		},
		[]string{"operation", "result"},
	)

	// 资金流动总量（最小单位）
	FundsMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_funds_moved_total",
			Help: "Token base units moved into or out of project vaults",
		},
		[]string{"direction"}, // direction: deposit, release
	)

	// 守恒审计不一致次数
	ConservationViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_conservation_violations_total",
			Help: "Audits where vault balance differed from pending milestone total",
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handed to the broker",
		},
		[]string{"routing_key", "status"}, // status: sent, failed
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordEscrowOperation 记录一次托管操作
func RecordEscrowOperation(operation, result string, duration time.Duration) {
	EscrowOperationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
	EscrowOperationCount.WithLabelValues(operation, result).Inc()
}

// AddFundsMoved 累加资金流动量
func AddFundsMoved(direction string, amount uint64) {
	FundsMoved.WithLabelValues(direction).Add(float64(amount))
}

func IncrementConservationViolation() {
	ConservationViolations.Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func IncrementOutboxPublished(routingKey, status string) {
	OutboxPublished.WithLabelValues(routingKey, status).Inc()
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
