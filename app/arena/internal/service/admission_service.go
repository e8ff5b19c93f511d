package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lk2023060901/tilestone/app/arena/internal/dao"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/logger"
	"github.com/lk2023060901/tilestone/pkg/security"
)

// DefaultAdmissionTimeout 准入流水线整体超时
const DefaultAdmissionTimeout = 10 * time.Second

var instanceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// AdmissionConfig 准入服务配置
type AdmissionConfig struct {
	// Timeout 准入流水线整体超时
	Timeout time.Duration `mapstructure:"timeout"`

	// WebsocketURLBase 下发给客户端的实时连接地址前缀
	WebsocketURLBase string `mapstructure:"websocket_url_base"`

	// QueueRetryAfter 队列已满时建议的重试间隔
	QueueRetryAfter time.Duration `mapstructure:"queue_retry_after"`

	// DrainRetryAfter 排空模式时建议的重试间隔
	DrainRetryAfter time.Duration `mapstructure:"drain_retry_after"`

	// TokenTTL 重连令牌有效期
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// DefaultAdmissionConfig 默认配置
func DefaultAdmissionConfig() *AdmissionConfig {
	return &AdmissionConfig{
		Timeout:          DefaultAdmissionTimeout,
		WebsocketURLBase: "ws://localhost:8080/realtime",
		QueueRetryAfter:  5 * time.Second,
		DrainRetryAfter:  30 * time.Second,
		TokenTTL:         manager.DefaultTokenTTL,
	}
}

// ConnectRequest 首次连接请求
type ConnectRequest struct {
	// AuthToken Bearer 凭证
	AuthToken string

	// InstanceID 目标实例
	InstanceID string

	// CharacterID 使用的角色
	CharacterID string

	// ProtocolVersion 客户端协议版本
	ProtocolVersion string
}

// ReconnectRequest 重连请求
type ReconnectRequest struct {
	// InstanceID 目标实例
	InstanceID string

	// ReconnectToken 上次下发的重连令牌
	ReconnectToken string

	// ProtocolVersion 客户端协议版本
	ProtocolVersion string
}

// DisconnectResult 主动断开的结果
type DisconnectResult struct {
	// SlotFreed 是否释放了连接槽位
	SlotFreed bool

	// Graceful 会话此前是否存在
	Graceful bool
}

// AdmissionService 会话准入服务
//
// 准入流水线：认证 → 实例校验 → 角色校验 → 版本校验 →
// 排空检查 → 容量/排队。整体受超时约束，超时后保证
// 清理已占用的中间资源（会话记录、令牌、排队位置）。
type AdmissionService struct {
	config   *AdmissionConfig
	sessions manager.SessionStore
	tokens   manager.TokenStore
	capacity *manager.CapacityManager
	version  *VersionService
	jwt      *security.JWTManager
	cache    *dao.CacheDAO
	metrics  *metrics.ArenaMetrics
	logger   logger.Logger
	now      func() time.Time
}

// NewAdmissionService 创建准入服务
//
// cache 允许为 nil（测试或降级运行时 Redis 镜像关闭）。
func NewAdmissionService(
	cfg *AdmissionConfig,
	sessions manager.SessionStore,
	tokens manager.TokenStore,
	capacity *manager.CapacityManager,
	version *VersionService,
	jwt *security.JWTManager,
	cache *dao.CacheDAO,
	m *metrics.ArenaMetrics,
	log logger.Logger,
) *AdmissionService {
	if cfg == nil {
		cfg = DefaultAdmissionConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAdmissionTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &AdmissionService{
		config:   cfg,
		sessions: sessions,
		tokens:   tokens,
		capacity: capacity,
		version:  version,
		jwt:      jwt,
		cache:    cache,
		metrics:  m,
		logger:   log.Named("admission-service"),
		now:      time.Now,
	}
}

// Connect 处理首次连接准入
func (s *AdmissionService) Connect(ctx context.Context, req *ConnectRequest) *model.AdmissionResult {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	result := s.connect(ctx, req)

	if s.metrics != nil {
		s.metrics.RecordConnectAttempt(
			result.Outcome == model.AdmissionSuccess,
			result.Reason,
			time.Since(start).Seconds(),
		)
	}
	return result
}

func (s *AdmissionService) connect(ctx context.Context, req *ConnectRequest) *model.AdmissionResult {
	// 1. 认证
	claims, err := s.jwt.ValidateBearer(req.AuthToken)
	if err != nil {
		return failed(model.ReasonNotAuthenticated, "authentication required")
	}

	// 2. 实例格式与存在性
	if !instanceIDPattern.MatchString(req.InstanceID) {
		return failed(model.ReasonInvalidInstanceFormat, "malformed instance id")
	}
	lookupStart := s.now()
	exists := s.capacity.HasInstance(req.InstanceID)
	lookupTime := s.now().Sub(lookupStart)
	if s.metrics != nil {
		s.metrics.RecordInstanceLookup(lookupTime.Seconds())
	}
	if !exists {
		r := failed(model.ReasonInvalidInstance, "instance does not exist")
		r.InstanceLookupTime = lookupTime
		return r
	}

	// 3. 角色
	if req.CharacterID == "" {
		return failed(model.ReasonNoActiveCharacter, "no active character selected")
	}

	// 4. 协议版本
	if mismatch := s.version.Check(req.ProtocolVersion); mismatch != nil {
		r := failed(model.ReasonVersionMismatch, mismatch.Message)
		r.RequiredVersion = mismatch.Expected
		r.UpgradeURL = s.version.UpgradeURL()
		return r
	}

	// 5. 排空模式拒绝新连接
	if s.capacity.IsDraining(req.InstanceID) {
		r := failed(model.ReasonDrainMode, "instance is draining, new connections rejected")
		r.RetryAfter = s.config.DrainRetryAfter
		return r
	}

	// 6. 容量：先尝试立即占用，已满则排队等待
	granted, ticket, err := s.capacity.TryAcquire(req.InstanceID)
	if err != nil {
		if errors.Is(err, manager.ErrQueueFull) {
			r := failed(model.ReasonQueueFull, "admission queue is full")
			r.RetryAfter = s.config.QueueRetryAfter
			r.QueueCapacity = ticket.Capacity
			return r
		}
		return failed(model.ReasonInternal, "capacity check failed")
	}

	queuePosition := 0
	if !granted {
		queuePosition = ticket.Position
		if err := s.capacity.Acquire(ctx, req.InstanceID); err != nil {
			switch {
			case errors.Is(err, manager.ErrQueueFull):
				r := failed(model.ReasonQueueFull, "admission queue is full")
				r.RetryAfter = s.config.QueueRetryAfter
				r.QueueCapacity = ticket.Capacity
				return r
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				// 排队位置已由 Acquire 自行释放
				return &model.AdmissionResult{
					Outcome:          model.AdmissionTimeout,
					Reason:           model.ReasonInternal,
					Message:          "admission timed out while waiting for capacity",
					CleanupPerformed: true,
				}
			default:
				return failed(model.ReasonInternal, "capacity acquire failed")
			}
		}
	}

	// 槽位已占用，后续任何失败都必须归还
	session := &model.Session{
		ID:              uuid.NewString(),
		UID:             claims.UID,
		CharacterID:     req.CharacterID,
		InstanceID:      req.InstanceID,
		Status:          model.SessionStatusConnecting,
		ProtocolVersion: req.ProtocolVersion,
		CreatedAt:       s.now(),
	}
	if err := s.sessions.Create(session); err != nil {
		s.capacity.Release(req.InstanceID)
		s.logger.Error("failed to register session",
			"uid", claims.UID,
			"instance_id", req.InstanceID,
			"error", err,
		)
		return failed(model.ReasonInternal, "failed to register session")
	}

	token := s.tokens.Issue(session.ID, 0)

	if s.cache != nil {
		s.cache.SetSessionPresence(ctx, session.ID, session.InstanceID)
		s.cache.MirrorReconnectToken(ctx, token.Value, session.ID, s.config.TokenTTL)
		s.cache.MarkOnline(ctx, session.UID)
	}
	if s.metrics != nil {
		s.metrics.RecordSessionOpened()
	}

	s.logger.Info("session admitted",
		"session_id", session.ID,
		"uid", session.UID,
		"instance_id", session.InstanceID,
		"queued", queuePosition > 0,
	)

	return &model.AdmissionResult{
		Outcome:        model.AdmissionSuccess,
		Session:        session,
		ReconnectToken: token,
		WebsocketURL:   s.websocketURL(req.InstanceID, session.ID),
		QueuePosition:  queuePosition,
	}
}

// Reconnect 处理重连准入
//
// 重连不经过容量检查：会话持有的槽位在断线期间保留，
// 排空模式也不阻止重连。版本校验先于令牌消费，避免
// 版本不兼容的客户端白白烧掉一次性令牌。
func (s *AdmissionService) Reconnect(ctx context.Context, req *ReconnectRequest) *model.AdmissionResult {
	start := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	result := s.reconnect(ctx, req)

	if s.metrics != nil {
		s.metrics.RecordReconnectAttempt(
			result.Outcome == model.AdmissionSuccess,
			result.Reason,
			time.Since(start).Seconds(),
		)
	}
	return result
}

func (s *AdmissionService) reconnect(ctx context.Context, req *ReconnectRequest) *model.AdmissionResult {
	if mismatch := s.version.Check(req.ProtocolVersion); mismatch != nil {
		r := failed(model.ReasonVersionMismatch, mismatch.Message)
		r.RequiredVersion = mismatch.Expected
		r.UpgradeURL = s.version.UpgradeURL()
		return r
	}

	token, err := s.tokens.Consume(req.ReconnectToken, s.now())
	if err != nil {
		switch {
		case errors.Is(err, manager.ErrTokenExpired):
			return failed(model.ReasonTokenExpired, "reconnect token expired")
		default:
			return failed(model.ReasonTokenInvalid, "reconnect token is invalid or already used")
		}
	}

	session, err := s.sessions.Get(token.SessionID)
	if err != nil {
		return failed(model.ReasonTokenInvalid, "session no longer exists")
	}
	if session.InstanceID != req.InstanceID {
		return failed(model.ReasonTokenInvalid, "reconnect token does not match instance")
	}

	if _, err := s.sessions.IncrementReconnectAttempts(session.ID); err != nil {
		return failed(model.ReasonInternal, "failed to update session")
	}
	if err := s.sessions.SetStatus(session.ID, model.SessionStatusActive); err != nil {
		if !errors.Is(err, manager.ErrInvalidTransition) {
			return failed(model.ReasonInternal, "failed to resume session")
		}
		// connecting 状态下握手尚未完成，保持原状态
	}
	if err := s.sessions.ResetReconnectAttempts(session.ID); err != nil {
		return failed(model.ReasonInternal, "failed to update session")
	}

	newToken := s.tokens.Issue(session.ID, session.LastSequence)

	if s.cache != nil {
		s.cache.ClearReconnectToken(ctx, token.Value)
		s.cache.MirrorReconnectToken(ctx, newToken.Value, session.ID, s.config.TokenTTL)
		s.cache.SetSessionPresence(ctx, session.ID, session.InstanceID)
	}

	session, err = s.sessions.Get(session.ID)
	if err != nil {
		return failed(model.ReasonInternal, "failed to load session")
	}

	s.logger.Info("session resumed",
		"session_id", session.ID,
		"uid", session.UID,
		"last_sequence", session.LastSequence,
	)

	return &model.AdmissionResult{
		Outcome:        model.AdmissionSuccess,
		Session:        session,
		ReconnectToken: newToken,
		WebsocketURL:   s.websocketURL(session.InstanceID, session.ID),
	}
}

// Disconnect 主动断开会话（幂等）
//
// Graceful 回显调用方声明的断开方式；会话不存在时
// 不释放任何资源，两个标记都为 false。
func (s *AdmissionService) Disconnect(ctx context.Context, sessionID string, reason string, graceful bool) *DisconnectResult {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return &DisconnectResult{SlotFreed: false, Graceful: false}
	}

	_ = s.sessions.SetStatus(sessionID, model.SessionStatusTerminating)
	s.sessions.Remove(sessionID)
	s.tokens.InvalidateSession(sessionID)
	s.capacity.Release(session.InstanceID)

	if s.cache != nil {
		s.cache.ClearSessionPresence(ctx, sessionID)
		s.cache.MarkOffline(ctx, session.UID)
	}
	if s.metrics != nil {
		s.metrics.RecordSessionClosed()
	}

	s.logger.Info("session disconnected",
		"session_id", sessionID,
		"uid", session.UID,
		"reason", reason,
		"graceful", graceful,
	)
	return &DisconnectResult{SlotFreed: true, Graceful: graceful}
}

// OnTransportDrop 传输层意外断开
//
// 会话进入 reconnecting 状态，槽位保留等待重连；
// 过期会话由维护任务清理。
func (s *AdmissionService) OnTransportDrop(sessionID string) {
	if err := s.sessions.SetStatus(sessionID, model.SessionStatusReconnecting); err != nil {
		if !errors.Is(err, manager.ErrSessionNotFound) {
			s.logger.Warn("failed to mark session reconnecting",
				"session_id", sessionID,
				"error", err,
			)
		}
		return
	}
	s.logger.Info("transport dropped, awaiting reconnect", "session_id", sessionID)
}

// ReleaseSession 维护任务清理过期会话时释放其资源
func (s *AdmissionService) ReleaseSession(ctx context.Context, sessionID string, instanceID string, uid int64) {
	s.tokens.InvalidateSession(sessionID)
	s.capacity.Release(instanceID)
	if s.cache != nil {
		s.cache.ClearSessionPresence(ctx, sessionID)
		s.cache.MarkOffline(ctx, uid)
	}
	if s.metrics != nil {
		s.metrics.RecordSessionClosed()
	}
}

func (s *AdmissionService) websocketURL(instanceID, sessionID string) string {
	return fmt.Sprintf("%s/%s?session=%s", s.config.WebsocketURLBase, instanceID, sessionID)
}

func failed(reason, message string) *model.AdmissionResult {
	return &model.AdmissionResult{
		Outcome: model.AdmissionFailed,
		Reason:  reason,
		Message: message,
	}
}
