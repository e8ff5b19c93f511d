package manager

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// DefaultTokenTTL 重连令牌默认有效期
const DefaultTokenTTL = 30 * time.Second

// TokenStore 重连令牌存储接口
type TokenStore interface {
	// Issue 为会话签发新令牌，旧令牌同时失效
	Issue(sessionID string, lastSequence int64) *model.ReconnectToken

	// Get 按令牌值查询（不消费）
	Get(value string) (*model.ReconnectToken, error)

	// Consume 消费令牌：成功后立即失效，同一令牌只能兑换一次
	Consume(value string, now time.Time) (*model.ReconnectToken, error)

	// InvalidateSession 撤销指定会话的全部令牌
	InvalidateSession(sessionID string)

	// PruneExpired 清理过期令牌，返回清理数量
	PruneExpired(now time.Time) int

	// Count 当前令牌数
	Count() int
}

// TokenManager 内存重连令牌管理器
//
// 消费即删除：Consume 成功后令牌立即从存储中移除，
// 并发兑换同一令牌时只有一方成功。
type TokenManager struct {
	mu        sync.Mutex
	byValue   map[string]*model.ReconnectToken
	bySession map[string]string
	ttl       time.Duration
	logger    logger.Logger
	now       func() time.Time
}

// NewTokenManager 创建令牌管理器
func NewTokenManager(ttl time.Duration, log logger.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if log == nil {
		log = logger.Default()
	}
	return &TokenManager{
		byValue:   make(map[string]*model.ReconnectToken),
		bySession: make(map[string]string),
		ttl:       ttl,
		logger:    log.Named("token-manager"),
		now:       time.Now,
	}
}

// Issue 签发令牌
func (m *TokenManager) Issue(sessionID string, lastSequence int64) *model.ReconnectToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())

	// 同一会话同一时刻只保留一张有效令牌
	if old, ok := m.bySession[sessionID]; ok {
		delete(m.byValue, old)
	}

	now := m.now()
	token := &model.ReconnectToken{
		Value:        uuid.NewString(),
		SessionID:    sessionID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(m.ttl),
		LastSequence: lastSequence,
	}

	m.byValue[token.Value] = token
	m.bySession[sessionID] = token.Value

	m.logger.Debug("reconnect token issued",
		"session_id", sessionID,
		"expires_at", token.ExpiresAt,
	)

	cp := *token
	return &cp
}

// Get 按令牌值查询
//
// 过期令牌永远不会作为有效令牌返回，过期瞬间即无效。
func (m *TokenManager) Get(value string) (*model.ReconnectToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byValue[value]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if t.Expired(m.now()) {
		return nil, ErrTokenExpired
	}
	cp := *t
	return &cp, nil
}

// Consume 消费令牌
//
// 过期令牌返回 ErrTokenExpired 并立即删除；
// 未知或已消费的令牌返回 ErrTokenNotFound。
func (m *TokenManager) Consume(value string, now time.Time) (*model.ReconnectToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byValue[value]
	if !ok {
		return nil, ErrTokenNotFound
	}

	delete(m.byValue, value)
	if m.bySession[t.SessionID] == value {
		delete(m.bySession, t.SessionID)
	}

	if t.Expired(now) {
		m.logger.Debug("reconnect token expired on consume", "session_id", t.SessionID)
		return nil, ErrTokenExpired
	}

	cp := *t
	return &cp, nil
}

// InvalidateSession 撤销会话的全部令牌
func (m *TokenManager) InvalidateSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.bySession[sessionID]
	if !ok {
		return
	}
	delete(m.byValue, value)
	delete(m.bySession, sessionID)
}

// PruneExpired 清理过期令牌
func (m *TokenManager) PruneExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(now)
}

// Count 当前令牌数
func (m *TokenManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byValue)
}

func (m *TokenManager) pruneLocked(now time.Time) int {
	var pruned int
	for value, t := range m.byValue {
		if !t.Expired(now) {
			continue
		}
		delete(m.byValue, value)
		if m.bySession[t.SessionID] == value {
			delete(m.bySession, t.SessionID)
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Debug("pruned expired reconnect tokens", "count", pruned)
	}
	return pruned
}
