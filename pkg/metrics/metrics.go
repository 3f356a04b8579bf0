package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 里程碑写入计数
	MilestoneUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_milestone_updates_total",
			Help: "Milestone updates by outcome",
		},
		[]string{"outcome"}, // outcome: recorded, invalid, conflict, config_error, error
	)

	// 挣值增量（工时）
	EarnedDeltaHours = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "progress_earned_delta_hours",
			Help:    "Absolute earned labor-hour delta per recorded milestone event",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 0.01h to ~2600h
		},
		[]string{"category", "direction"}, // direction: forward, rollback
	)

	// 组件锁等待（秒）
	ComponentLockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "progress_component_lock_wait_seconds",
			Help:    "Time spent acquiring a per-component lock",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	// 离散里程碑的异常中间值
	DiscreteAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_discrete_anomalies_total",
			Help: "Discrete milestones read with a value strictly between 0 and 100",
		},
		[]string{"work_item_type"},
	)

	// 聚合刷新耗时（秒）
	AggregationRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "progress_aggregation_refresh_seconds",
			Help:    "Aggregation refresh duration per project",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"status"}, // status: success, failed
	)

	// 最近一次成功刷新时间
	AggregationLastRefresh = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "progress_aggregation_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful aggregation refresh per project",
		},
		[]string{"project_id"},
	)

	// 重算任务处理组件数
	RecomputeProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_recompute_components_total",
			Help: "Components processed by retroactive recompute jobs",
		},
		[]string{"result"}, // result: updated, unchanged, failed
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

	// 数据库慢查询
	DBSlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
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

	// Outbox 发布计数
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handed to the broker",
		},
		[]string{"status"}, // status: sent, failed
	)
)

// IncrementMilestoneUpdate 记录一次里程碑写入结果
func IncrementMilestoneUpdate(outcome string) {
	MilestoneUpdates.WithLabelValues(outcome).Inc()
}

// RecordEarnedDelta 记录挣值增量
func RecordEarnedDelta(category string, delta float64) {
	direction := "forward"
	if delta < 0 {
		direction = "rollback"
		delta = -delta
	}
	EarnedDeltaHours.WithLabelValues(category, direction).Observe(delta)
}

// RecordLockWait 记录组件锁等待时间
func RecordLockWait(d time.Duration) {
	ComponentLockWait.Observe(d.Seconds())
}

// IncrementDiscreteAnomaly 记录离散里程碑异常值
func IncrementDiscreteAnomaly(workItemType string) {
	DiscreteAnomalies.WithLabelValues(workItemType).Inc()
}

// RecordAggregationRefresh 记录一次项目聚合刷新
func RecordAggregationRefresh(projectID string, ok bool, d time.Duration, at time.Time) {
	status := "success"
	if !ok {
		status = "failed"
	}
	AggregationRefreshDuration.WithLabelValues(status).Observe(d.Seconds())
	if ok {
		AggregationLastRefresh.WithLabelValues(projectID).Set(float64(at.Unix()))
	}
}

// IncrementRecompute 记录重算结果
func IncrementRecompute(result string) {
	RecomputeProcessed.WithLabelValues(result).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(statement string, _ time.Duration) {
	DBSlowQueries.WithLabelValues(statement).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementOutboxPublished 记录 outbox 发布结果
func IncrementOutboxPublished(status string) {
	OutboxPublished.WithLabelValues(status).Inc()
}
