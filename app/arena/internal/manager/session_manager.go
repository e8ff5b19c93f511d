package manager

import (
	"sync"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// SessionStore 会话存储接口
type SessionStore interface {
	// Create 创建会话（ID 冲突时返回 ErrSessionExists）
	Create(session *model.Session) error

	// Get 获取会话快照（返回值为副本，修改不影响存储内容）
	Get(sessionID string) (*model.Session, error)

	// GetByUID 获取指定玩家的会话快照
	GetByUID(uid int64) (*model.Session, error)

	// SetStatus 执行会话状态迁移（不满足迁移规则时返回 ErrInvalidTransition）
	SetStatus(sessionID string, status model.SessionStatus) error

	// RecordActionSequence 记录动作序列号（只增不减）并刷新心跳时间
	RecordActionSequence(sessionID string, sequence int64) error

	// RecordHeartbeat 刷新心跳时间
	RecordHeartbeat(sessionID string) error

	// IncrementReconnectAttempts 重连尝试计数加一，返回累计值
	IncrementReconnectAttempts(sessionID string) (int, error)

	// ResetReconnectAttempts 重连成功后清零计数
	ResetReconnectAttempts(sessionID string) error

	// Remove 移除会话（幂等）
	Remove(sessionID string)

	// List 列出全部会话快照
	List() []*model.Session

	// PruneStale 移除心跳超时的非活跃会话，返回被移除会话的快照
	PruneStale(maxIdle time.Duration, now time.Time) []*model.Session

	// Count 当前会话数
	Count() int
}

// SessionManager 内存会话管理器
//
// 会话数据以内存为权威，所有读取接口返回副本，
// 调用方持有的快照不会随后续状态变化而改变。
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	byUID    map[int64]string
	logger   logger.Logger
	now      func() time.Time
}

// NewSessionManager 创建会话管理器
func NewSessionManager(log logger.Logger) *SessionManager {
	if log == nil {
		log = logger.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*model.Session),
		byUID:    make(map[int64]string),
		logger:   log.Named("session-manager"),
		now:      time.Now,
	}
}

// Create 创建会话
func (m *SessionManager) Create(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return ErrSessionExists
	}

	cp := *session
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	if cp.LastHeartbeatAt.IsZero() {
		cp.LastHeartbeatAt = cp.CreatedAt
	}

	m.sessions[cp.ID] = &cp
	m.byUID[cp.UID] = cp.ID

	m.logger.Info("session created",
		"session_id", cp.ID,
		"uid", cp.UID,
		"instance_id", cp.InstanceID,
	)
	return nil
}

// Get 获取会话快照
func (m *SessionManager) Get(sessionID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// GetByUID 按玩家 ID 获取会话快照
func (m *SessionManager) GetByUID(uid int64) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUID[uid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// SetStatus 执行状态迁移
func (m *SessionManager) SetStatus(sessionID string, status model.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.Status.CanTransition(status) {
		m.logger.Warn("rejected session status transition",
			"session_id", sessionID,
			"from", string(s.Status),
			"to", string(status),
		)
		return ErrInvalidTransition
	}

	s.Status = status
	return nil
}

// RecordActionSequence 记录动作序列号并刷新心跳
//
// 序列号只增不减：乱序到达的旧序列号不会回退游标。
func (m *SessionManager) RecordActionSequence(sessionID string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sequence > s.LastSequence {
		s.LastSequence = sequence
	}
	s.LastHeartbeatAt = m.now()
	return nil
}

// RecordHeartbeat 刷新心跳时间
func (m *SessionManager) RecordHeartbeat(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastHeartbeatAt = m.now()
	return nil
}

// IncrementReconnectAttempts 重连尝试计数加一
func (m *SessionManager) IncrementReconnectAttempts(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.ReconnectAttempts++
	return s.ReconnectAttempts, nil
}

// ResetReconnectAttempts 清零重连尝试计数
func (m *SessionManager) ResetReconnectAttempts(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.ReconnectAttempts = 0
	return nil
}

// Remove 移除会话（幂等）
func (m *SessionManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if m.byUID[s.UID] == sessionID {
		delete(m.byUID, s.UID)
	}

	m.logger.Info("session removed", "session_id", sessionID, "uid", s.UID)
}

// List 列出全部会话快照
func (m *SessionManager) List() []*model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// PruneStale 移除心跳超时的会话
//
// 只看空闲时长，不看状态：存活连接的心跳和动作会持续
// 刷新 LastHeartbeatAt；准入后始终未完成握手的 connecting
// 会话同样会在超时后被回收，槽位不会永久泄漏。
func (m *SessionManager) PruneStale(maxIdle time.Duration, now time.Time) []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*model.Session
	for id, s := range m.sessions {
		if now.Sub(s.LastHeartbeatAt) < maxIdle {
			continue
		}
		delete(m.sessions, id)
		if m.byUID[s.UID] == id {
			delete(m.byUID, s.UID)
		}
		removed = append(removed, s.Clone())
	}

	if len(removed) > 0 {
		m.logger.Info("pruned stale sessions", "count", len(removed))
	}
	return removed
}

// Count 当前会话数
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
