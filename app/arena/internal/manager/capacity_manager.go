package manager

import (
	"container/list"
	"context"
	"sync"

	"github.com/lk2023060901/tilestone/pkg/logger"
)

// InstanceConfig 单个实例的容量配置
type InstanceConfig struct {
	// ID 实例标识
	ID string `mapstructure:"id"`

	// MaxConnections 最大并发连接数
	MaxConnections int `mapstructure:"max_connections"`

	// QueueCapacity 等待队列容量
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// InstanceStatus 实例容量状态快照
type InstanceStatus struct {
	ID                string
	ActiveConnections int
	MaxConnections    int
	QueueDepth        int
	QueueCapacity     int
	Draining          bool
}

type waiter struct {
	ch chan struct{}
}

type instanceState struct {
	cfg      InstanceConfig
	active   int
	waiters  *list.List
	draining bool
}

// CapacityManager 按实例管理连接容量与准入队列
//
// Acquire 成功即占用一个槽位，调用方必须在会话结束时 Release；
// 排队等待期间取消上下文会自动释放排队位置。
type CapacityManager struct {
	mu        sync.Mutex
	instances map[string]*instanceState
	logger    logger.Logger
	onDepth   func(instanceID string, depth int)
}

// NewCapacityManager 创建容量管理器
func NewCapacityManager(configs []InstanceConfig, log logger.Logger) *CapacityManager {
	if log == nil {
		log = logger.Default()
	}
	m := &CapacityManager{
		instances: make(map[string]*instanceState, len(configs)),
		logger:    log.Named("capacity-manager"),
	}
	for _, cfg := range configs {
		m.instances[cfg.ID] = &instanceState{
			cfg:     cfg,
			waiters: list.New(),
		}
	}
	return m
}

// SetQueueDepthObserver 注册队列深度回调（用于指标上报）
func (m *CapacityManager) SetQueueDepthObserver(fn func(instanceID string, depth int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDepth = fn
}

// HasInstance 实例是否存在
func (m *CapacityManager) HasInstance(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[instanceID]
	return ok
}

// QueueTicket 未能立即占用槽位时的队列快照
type QueueTicket struct {
	// Position 排队位置（1 起始），队列已满时为 0
	Position int

	// Depth 当前队列深度
	Depth int

	// Capacity 队列容量配置
	Capacity int
}

// TryAcquire 尝试立即占用槽位；容量已满时返回排队信息
//
// 返回值：
//   - granted: 是否成功占用
//   - ticket:  未占用时的队列快照（位置为入队后的序号）
func (m *CapacityManager) TryAcquire(instanceID string) (granted bool, ticket QueueTicket, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.instances[instanceID]
	if !ok {
		return false, QueueTicket{}, ErrInstanceNotFound
	}
	if st.active < st.cfg.MaxConnections {
		st.active++
		return true, QueueTicket{}, nil
	}
	if st.waiters.Len() >= st.cfg.QueueCapacity {
		return false, QueueTicket{
			Position: 0,
			Depth:    st.waiters.Len(),
			Capacity: st.cfg.QueueCapacity,
		}, ErrQueueFull
	}
	return false, QueueTicket{
		Position: st.waiters.Len() + 1,
		Depth:    st.waiters.Len(),
		Capacity: st.cfg.QueueCapacity,
	}, nil
}

// Acquire 占用槽位，容量已满时排队等待
//
// 队列已满返回 ErrQueueFull；等待期间 ctx 取消则返回 ctx.Err()
// 并释放排队位置（已被授予的槽位转交给下一个等待者）。
func (m *CapacityManager) Acquire(ctx context.Context, instanceID string) error {
	m.mu.Lock()

	st, ok := m.instances[instanceID]
	if !ok {
		m.mu.Unlock()
		return ErrInstanceNotFound
	}

	if st.active < st.cfg.MaxConnections {
		st.active++
		m.mu.Unlock()
		return nil
	}

	if st.waiters.Len() >= st.cfg.QueueCapacity {
		m.mu.Unlock()
		return ErrQueueFull
	}

	w := &waiter{ch: make(chan struct{})}
	elem := st.waiters.PushBack(w)
	m.notifyDepthLocked(st)
	m.mu.Unlock()

	select {
	case <-w.ch:
		// 槽位已在 Release 时计入 active
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w.ch:
			// 授予与取消竞争：槽位已被授予，必须归还
			m.releaseLocked(st)
		default:
			st.waiters.Remove(elem)
			m.notifyDepthLocked(st)
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Release 释放槽位，有等待者时直接转交
func (m *CapacityManager) Release(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.instances[instanceID]
	if !ok {
		return
	}
	m.releaseLocked(st)
}

func (m *CapacityManager) releaseLocked(st *instanceState) {
	if front := st.waiters.Front(); front != nil {
		st.waiters.Remove(front)
		w := front.Value.(*waiter)
		close(w.ch)
		m.notifyDepthLocked(st)
		// active 不变：槽位直接转交给等待者
		return
	}
	if st.active > 0 {
		st.active--
	}
}

// SetDraining 设置实例排空模式
func (m *CapacityManager) SetDraining(instanceID string, draining bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if st.draining != draining {
		m.logger.Info("instance drain mode changed",
			"instance_id", st.cfg.ID,
			"draining", draining,
		)
	}
	st.draining = draining
	return nil
}

// IsDraining 实例是否处于排空模式
func (m *CapacityManager) IsDraining(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.instances[instanceID]
	if !ok {
		return false
	}
	return st.draining
}

// Status 获取实例容量状态快照
func (m *CapacityManager) Status(instanceID string) (*InstanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return &InstanceStatus{
		ID:                st.cfg.ID,
		ActiveConnections: st.active,
		MaxConnections:    st.cfg.MaxConnections,
		QueueDepth:        st.waiters.Len(),
		QueueCapacity:     st.cfg.QueueCapacity,
		Draining:          st.draining,
	}, nil
}

func (m *CapacityManager) notifyDepthLocked(st *instanceState) {
	if m.onDepth != nil {
		m.onDepth(st.cfg.ID, st.waiters.Len())
	}
}
