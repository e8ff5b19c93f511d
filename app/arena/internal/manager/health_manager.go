package manager

import (
	"sync"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// HealthConfig 健康状态机配置
type HealthConfig struct {
	// FailureThreshold 连续失败达到该次数后进入 degraded
	FailureThreshold int `mapstructure:"failure_threshold"`

	// RecoveryThreshold 连续成功达到该次数后恢复 available
	RecoveryThreshold int `mapstructure:"recovery_threshold"`

	// UnavailableAfterFailures 连续失败达到该次数后进入 unavailable
	UnavailableAfterFailures int `mapstructure:"unavailable_after_failures"`
}

// DefaultHealthConfig 默认配置
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		FailureThreshold:         3,
		RecoveryThreshold:        2,
		UnavailableAfterFailures: 10,
	}
}

// HealthListener 依赖状态变化监听器
type HealthListener func(change model.DependencyStatusChange)

type dependencyState struct {
	status              model.DependencyStatus
	consecutiveFailures int
	consecutiveSuccess  int
	lastTransitionAt    time.Time
}

// HealthManager 依赖健康状态机
//
// 带迟滞的三态状态机：单次失败不改变状态，
// 连续失败跨过阈值才降级，连续成功跨过阈值才恢复。
// 监听器只在状态真正变化时收到通知。
type HealthManager struct {
	mu        sync.Mutex
	config    *HealthConfig
	deps      map[string]*dependencyState
	listeners map[int]HealthListener
	nextID    int
	logger    logger.Logger
	now       func() time.Time
}

// NewHealthManager 创建健康状态机
func NewHealthManager(cfg *HealthConfig, dependencies []string, log logger.Logger) *HealthManager {
	if cfg == nil {
		cfg = DefaultHealthConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	m := &HealthManager{
		config:    cfg,
		deps:      make(map[string]*dependencyState, len(dependencies)),
		listeners: make(map[int]HealthListener),
		logger:    log.Named("health-manager"),
		now:       time.Now,
	}
	for _, name := range dependencies {
		m.deps[name] = &dependencyState{
			status:           model.DependencyStatusAvailable,
			lastTransitionAt: m.now(),
		}
	}
	return m
}

// RecordSuccess 记录一次探测成功
func (m *HealthManager) RecordSuccess(dependency string) {
	m.mu.Lock()

	st, ok := m.deps[dependency]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.consecutiveFailures = 0
	st.consecutiveSuccess++

	var change *model.DependencyStatusChange
	if st.status != model.DependencyStatusAvailable &&
		st.consecutiveSuccess >= m.config.RecoveryThreshold {
		change = m.transitionLocked(dependency, st, model.DependencyStatusAvailable)
	}

	listeners := m.listenersSnapshotLocked()
	m.mu.Unlock()

	if change != nil {
		m.notify(listeners, *change)
	}
}

// RecordFailure 记录一次探测失败
func (m *HealthManager) RecordFailure(dependency string) {
	m.mu.Lock()

	st, ok := m.deps[dependency]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.consecutiveSuccess = 0
	st.consecutiveFailures++

	var change *model.DependencyStatusChange
	switch {
	case st.consecutiveFailures >= m.config.UnavailableAfterFailures &&
		st.status != model.DependencyStatusUnavailable:
		change = m.transitionLocked(dependency, st, model.DependencyStatusUnavailable)
	case st.consecutiveFailures >= m.config.FailureThreshold &&
		st.status == model.DependencyStatusAvailable:
		change = m.transitionLocked(dependency, st, model.DependencyStatusDegraded)
	}

	listeners := m.listenersSnapshotLocked()
	m.mu.Unlock()

	if change != nil {
		m.notify(listeners, *change)
	}
}

// Get 获取单个依赖的健康快照
func (m *HealthManager) Get(dependency string) (*model.DependencyHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.deps[dependency]
	if !ok {
		return nil, false
	}
	return &model.DependencyHealth{
		Dependency:          dependency,
		Status:              st.status,
		ConsecutiveFailures: st.consecutiveFailures,
		ConsecutiveSuccess:  st.consecutiveSuccess,
		LastTransitionAt:    st.lastTransitionAt,
	}, true
}

// Snapshot 获取全部依赖的健康快照
func (m *HealthManager) Snapshot() map[string]model.DependencyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]model.DependencyStatus, len(m.deps))
	for name, st := range m.deps {
		out[name] = st.status
	}
	return out
}

// Healthy 所有依赖均可用
func (m *HealthManager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.deps {
		if st.status == model.DependencyStatusUnavailable {
			return false
		}
	}
	return true
}

// Subscribe 订阅状态变化，返回取消函数
func (m *HealthManager) Subscribe(listener HealthListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *HealthManager) transitionLocked(dependency string, st *dependencyState, to model.DependencyStatus) *model.DependencyStatusChange {
	from := st.status
	st.status = to
	st.lastTransitionAt = m.now()

	m.logger.Warn("dependency status changed",
		"dependency", dependency,
		"from", string(from),
		"to", string(to),
	)

	return &model.DependencyStatusChange{
		Dependency: dependency,
		From:       from,
		To:         to,
		At:         st.lastTransitionAt,
	}
}

func (m *HealthManager) listenersSnapshotLocked() []HealthListener {
	out := make([]HealthListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

func (m *HealthManager) notify(listeners []HealthListener, change model.DependencyStatusChange) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("health listener panicked", "panic", r)
				}
			}()
			l(change)
		}()
	}
}
