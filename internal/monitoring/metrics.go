package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 邮件接收与投递指标
var (
	// EmailsReceived 按来源（smtp / imap）统计接收到的邮件总数
	EmailsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftmail_emails_received_total",
		Help: "Total number of emails received, labeled by source",
	}, []string{"source"})

	// EmailsStored 成功持久化的邮件总数
	EmailsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_emails_stored_total",
		Help: "Total number of emails persisted to storage",
	})

	// EmailsDeduplicated 因去重键冲突被丢弃的邮件总数
	EmailsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_emails_deduplicated_total",
		Help: "Total number of duplicate emails dropped",
	})

	// EmailsUnroutable 无法路由到任何活跃收件箱的邮件总数
	EmailsUnroutable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_emails_unroutable_total",
		Help: "Total number of emails dropped because no active inbox matched",
	})

	// EmailParseFailures 解析失败的邮件总数
	EmailParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_email_parse_failures_total",
		Help: "Total number of emails that failed MIME parsing",
	})
)

// 实时推送指标
var (
	// RealtimeConnections 当前活跃的 WebSocket 连接数
	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftmail_realtime_connections",
		Help: "Current number of active realtime subscriber connections",
	})

	// RealtimeEventsDelivered 投递给订阅者的实时事件总数
	RealtimeEventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_realtime_events_delivered_total",
		Help: "Total number of realtime events delivered to subscribers",
	})

	// RealtimeEventsDropped 因订阅者缓冲区满被丢弃的事件总数
	RealtimeEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_realtime_events_dropped_total",
		Help: "Total number of realtime events dropped due to slow subscribers",
	})
)

// 采集器指标
var (
	// HarvesterConnected 按账号标记采集器连接状态（1 已连接 / 0 断开）
	HarvesterConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftmail_harvester_connected",
		Help: "Connection state of each IMAP harvester (1 connected, 0 disconnected)",
	}, []string{"account"})

	// HarvesterPolls 按账号统计完成的轮询次数
	HarvesterPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftmail_harvester_polls_total",
		Help: "Total number of completed IMAP poll cycles per account",
	}, []string{"account"})

	// HarvesterErrors 按账号统计轮询错误次数
	HarvesterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftmail_harvester_errors_total",
		Help: "Total number of IMAP poll errors per account",
	}, []string{"account"})
)

// 清理任务指标
var (
	// JanitorInboxesDeleted 清理任务删除的过期收件箱总数
	JanitorInboxesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_janitor_inboxes_deleted_total",
		Help: "Total number of expired inboxes removed by the retention sweep",
	})

	// JanitorOrphansDeleted 清理任务删除的孤儿邮件总数
	JanitorOrphansDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_janitor_orphans_deleted_total",
		Help: "Total number of orphaned messages removed by the retention sweep",
	})

	// JanitorSweepDuration 单次清理耗时分布
	JanitorSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftmail_janitor_sweep_duration_seconds",
		Help:    "Duration of retention sweep runs",
		Buckets: prometheus.DefBuckets,
	})
)

// HTTP 指标
var (
	// HTTPRequests 按方法、路由和状态码统计 HTTP 请求总数
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftmail_http_requests_total",
		Help: "Total number of HTTP requests, labeled by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration 按路由统计请求耗时分布
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "driftmail_http_request_duration_seconds",
		Help:    "Duration of HTTP requests per route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// 生命周期指标
var (
	// InboxesCreated 创建的收件箱总数
	InboxesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_inboxes_created_total",
		Help: "Total number of inboxes created",
	})

	// InboxesReclaimed 通过 PIN 重新认领的收件箱总数
	InboxesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftmail_inboxes_reclaimed_total",
		Help: "Total number of inboxes reclaimed via PIN",
	})
)
