package metrics

import (
	"fmt"
	"sync/atomic"

	"github.com/lk2023060901/tilestone/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Config 指标配置
type Config struct {
	// Namespace 指标命名空间
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Namespace: "arena",
	}
}

// ArenaMetrics Arena 服务指标
type ArenaMetrics struct {
	config *Config

	// 准入指标
	ConnectAttempts   prometheus.Counter
	ConnectSuccess    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ReconnectSuccess  prometheus.Counter
	VersionRejects    prometheus.Counter
	AdmissionFailures *prometheus.CounterVec // 按失败原因
	AdmissionDuration *prometheus.HistogramVec

	// 会话指标
	ActiveSessions prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec // 按实例

	// 动作持久化指标
	ActionPersistTotal    *prometheus.CounterVec // result: persisted/duplicate/failed
	ActionPersistDuration prometheus.Histogram

	// 实例查找耗时
	InstanceLookupDuration prometheus.Histogram

	// 意图指标
	IntentTotal *prometheus.CounterVec // 按意图类型、结果

	// 数据库指标
	DBQueryTotal    *prometheus.CounterVec
	DBQueryDuration *prometheus.HistogramVec

	// 缓存指标
	CacheHitTotal  *prometheus.CounterVec
	CacheMissTotal *prometheus.CounterVec

	// 内部统计
	activeCount atomic.Int64
}

// New 创建 Arena 指标
func New(cfg *Config) (*ArenaMetrics, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to merge metrics config: %w", err)
	}

	m := &ArenaMetrics{
		config: newCfg,

		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: newCfg.Namespace,
			Name:      "connect_attempts_total",
			Help:      "连接准入尝试总数",
		}),
		ConnectSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: newCfg.Namespace,
			Name:      "connect_success_total",
			Help:      "连接准入成功总数",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: newCfg.Namespace,
			Name:      "reconnect_attempts_total",
			Help:      "重连尝试总数",
		}),
		ReconnectSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: newCfg.Namespace,
			Name:      "reconnect_success_total",
			Help:      "重连成功总数",
		}),
		VersionRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: newCfg.Namespace,
			Name:      "version_reject_total",
			Help:      "协议版本不兼容拒绝总数",
		}),
		AdmissionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "admission_failures_total",
				Help:      "准入失败总数",
			},
			[]string{"reason"},
		),
		AdmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: newCfg.Namespace,
				Name:      "admission_duration_seconds",
				Help:      "准入流水线耗时（秒）",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"kind"}, // kind: connect/reconnect
		),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: newCfg.Namespace,
			Name:      "active_sessions",
			Help:      "当前存活会话数",
		}),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: newCfg.Namespace,
				Name:      "queue_depth",
				Help:      "等待准入的队列深度",
			},
			[]string{"instance"},
		),

		ActionPersistTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "action_persist_total",
				Help:      "玩家动作持久化总数",
			},
			[]string{"result"}, // result: persisted/duplicate/failed
		),
		ActionPersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: newCfg.Namespace,
			Name:      "action_persist_duration_seconds",
			Help:      "玩家动作持久化耗时（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		InstanceLookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: newCfg.Namespace,
			Name:      "instance_lookup_duration_seconds",
			Help:      "实例查找耗时（秒）",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		IntentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "intents_total",
				Help:      "实时意图处理总数",
			},
			[]string{"intent_type", "result"},
		),

		DBQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "db_queries_total",
				Help:      "数据库查询总数",
			},
			[]string{"operation", "result"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: newCfg.Namespace,
				Name:      "db_query_duration_seconds",
				Help:      "数据库查询耗时（秒）",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),

		CacheHitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "cache_hits_total",
				Help:      "缓存命中总数",
			},
			[]string{"cache_type"},
		),
		CacheMissTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: newCfg.Namespace,
				Name:      "cache_misses_total",
				Help:      "缓存未命中总数",
			},
			[]string{"cache_type"},
		),
	}

	return m, nil
}

// Register 注册指标到 Prometheus Registry
func (m *ArenaMetrics) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ConnectAttempts,
		m.ConnectSuccess,
		m.ReconnectAttempts,
		m.ReconnectSuccess,
		m.VersionRejects,
		m.AdmissionFailures,
		m.AdmissionDuration,
		m.ActiveSessions,
		m.QueueDepth,
		m.ActionPersistTotal,
		m.ActionPersistDuration,
		m.InstanceLookupDuration,
		m.IntentTotal,
		m.DBQueryTotal,
		m.DBQueryDuration,
		m.CacheHitTotal,
		m.CacheMissTotal,
	}

	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// RecordConnectAttempt 记录一次连接准入尝试
func (m *ArenaMetrics) RecordConnectAttempt(success bool, reason string, duration float64) {
	m.ConnectAttempts.Inc()
	m.AdmissionDuration.WithLabelValues("connect").Observe(duration)
	if success {
		m.ConnectSuccess.Inc()
		return
	}
	m.AdmissionFailures.WithLabelValues(reason).Inc()
}

// RecordReconnectAttempt 记录一次重连尝试
func (m *ArenaMetrics) RecordReconnectAttempt(success bool, reason string, duration float64) {
	m.ReconnectAttempts.Inc()
	m.AdmissionDuration.WithLabelValues("reconnect").Observe(duration)
	if success {
		m.ReconnectSuccess.Inc()
		return
	}
	m.AdmissionFailures.WithLabelValues(reason).Inc()
}

// RecordVersionReject 记录协议版本拒绝
func (m *ArenaMetrics) RecordVersionReject() {
	m.VersionRejects.Inc()
}

// RecordSessionOpened 记录会话创建
func (m *ArenaMetrics) RecordSessionOpened() {
	m.activeCount.Add(1)
	m.ActiveSessions.Inc()
}

// RecordSessionClosed 记录会话移除
func (m *ArenaMetrics) RecordSessionClosed() {
	m.activeCount.Add(-1)
	m.ActiveSessions.Dec()
}

// SetQueueDepth 更新指定实例的队列深度
func (m *ArenaMetrics) SetQueueDepth(instanceID string, depth int) {
	m.QueueDepth.WithLabelValues(instanceID).Set(float64(depth))
}

// RecordActionPersist 记录一次动作持久化
func (m *ArenaMetrics) RecordActionPersist(result string, duration float64) {
	m.ActionPersistTotal.WithLabelValues(result).Inc()
	m.ActionPersistDuration.Observe(duration)
}

// RecordInstanceLookup 记录实例查找耗时
func (m *ArenaMetrics) RecordInstanceLookup(duration float64) {
	m.InstanceLookupDuration.Observe(duration)
}

// RecordIntent 记录一次意图处理
func (m *ArenaMetrics) RecordIntent(intentType string, success bool) {
	result := "success"
	if !success {
		result = "failed"
	}
	m.IntentTotal.WithLabelValues(intentType, result).Inc()
}

// RecordDBQuery 记录数据库查询
func (m *ArenaMetrics) RecordDBQuery(operation string, success bool, duration float64) {
	result := "success"
	if !success {
		result = "failed"
	}
	m.DBQueryTotal.WithLabelValues(operation, result).Inc()
	m.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheHit 记录缓存命中
func (m *ArenaMetrics) RecordCacheHit(cacheType string) {
	m.CacheHitTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (m *ArenaMetrics) RecordCacheMiss(cacheType string) {
	m.CacheMissTotal.WithLabelValues(cacheType).Inc()
}

// ActiveCount 当前存活会话数（内部统计）
func (m *ArenaMetrics) ActiveCount() int64 {
	return m.activeCount.Load()
}
