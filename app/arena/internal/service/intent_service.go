package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// 实时协议帧类型
const (
	IntentPrefix = "intent."
	IntentChat   = "intent.chat"

	EventAck             = "event.ack"
	EventError           = "event.error"
	EventVersionMismatch = "event.version_mismatch"
	EventDisconnect      = "event.disconnect"
)

// 错误码与分类
const (
	CodeChatRateLimited  = "CHAT_RATE_LIMIT_EXCEEDED"
	CodeUnknownIntent    = "UNKNOWN_INTENT"
	CodePersistFailed    = "PERSIST_FAILED"
	CategoryRateLimit    = "RATE_LIMIT"
	CategoryProtocol     = "PROTOCOL"
	CategoryInternal     = "INTERNAL"
	AckStatusApplied     = "applied"
)

// DefaultChatQuota 每个会话在窗口内允许的聊天条数
const DefaultChatQuota = 5

// DefaultChatWindow 聊天限流窗口
const DefaultChatWindow = 10 * time.Second

// IntentFrame 客户端意图帧
type IntentFrame struct {
	Type     string          `json:"type"`
	ActionID string          `json:"actionId"`
	Sequence int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// EventErrorBody 事件帧中的错误信息
type EventErrorBody struct {
	Code      string `json:"code"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// EventFrame 服务端事件帧
type EventFrame struct {
	Type       string          `json:"type"`
	IntentType string          `json:"intentType,omitempty"`
	ActionID   string          `json:"actionId,omitempty"`
	Sequence   int64           `json:"seq,omitempty"`
	Status     string          `json:"status,omitempty"`
	Error      *EventErrorBody `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// IntentConfig 意图处理配置
type IntentConfig struct {
	// ChatQuota 聊天限流窗口内的条数上限
	ChatQuota int `mapstructure:"chat_quota"`

	// ChatWindow 聊天限流窗口
	ChatWindow time.Duration `mapstructure:"chat_window"`
}

// DefaultIntentConfig 默认配置
func DefaultIntentConfig() *IntentConfig {
	return &IntentConfig{
		ChatQuota:  DefaultChatQuota,
		ChatWindow: DefaultChatWindow,
	}
}

type chatWindow struct {
	windowStart time.Time
	count       int
}

// IntentService 实时意图处理
//
// 所有意图先持久化再确认。聊天意图按会话限流：
// 窗口内超出配额的聊天立即返回不可重试的限流错误，
// 不写入存储。
type IntentService struct {
	config  *IntentConfig
	actions *ActionService
	metrics *metrics.ArenaMetrics
	logger  logger.Logger

	mu      sync.Mutex
	windows map[string]*chatWindow
	now     func() time.Time
}

// NewIntentService 创建意图服务
func NewIntentService(cfg *IntentConfig, actions *ActionService, m *metrics.ArenaMetrics, log logger.Logger) *IntentService {
	if cfg == nil {
		cfg = DefaultIntentConfig()
	}
	if cfg.ChatQuota <= 0 {
		cfg.ChatQuota = DefaultChatQuota
	}
	if cfg.ChatWindow <= 0 {
		cfg.ChatWindow = DefaultChatWindow
	}
	if log == nil {
		log = logger.Default()
	}
	return &IntentService{
		config:  cfg,
		actions: actions,
		metrics: m,
		logger:  log.Named("intent-service"),
		windows: make(map[string]*chatWindow),
		now:     time.Now,
	}
}

// Handle 处理一帧客户端意图，返回应答事件帧
func (s *IntentService) Handle(ctx context.Context, sessionID string, frame *IntentFrame) *EventFrame {
	if !strings.HasPrefix(frame.Type, IntentPrefix) {
		s.recordIntent(frame.Type, false)
		return &EventFrame{
			Type:       EventError,
			IntentType: frame.Type,
			ActionID:   frame.ActionID,
			Sequence:   frame.Sequence,
			Error: &EventErrorBody{
				Code:      CodeUnknownIntent,
				Category:  CategoryProtocol,
				Message:   "unrecognized frame type",
				Retryable: false,
			},
		}
	}

	if frame.Type == IntentChat && !s.allowChat(sessionID) {
		s.recordIntent(frame.Type, false)
		s.logger.Debug("chat intent rate limited", "session_id", sessionID)
		return &EventFrame{
			Type:       EventError,
			IntentType: frame.Type,
			ActionID:   frame.ActionID,
			Sequence:   frame.Sequence,
			Error: &EventErrorBody{
				Code:      CodeChatRateLimited,
				Category:  CategoryRateLimit,
				Message:   "chat message quota exceeded, slow down",
				Retryable: false,
			},
		}
	}

	result, err := s.actions.Persist(ctx, sessionID, frame.Sequence, frame.Type, frame.Payload)
	if err != nil {
		s.recordIntent(frame.Type, false)
		s.logger.Error("failed to persist intent",
			"session_id", sessionID,
			"intent_type", frame.Type,
			"sequence", frame.Sequence,
			"error", err,
		)
		return &EventFrame{
			Type:       EventError,
			IntentType: frame.Type,
			ActionID:   frame.ActionID,
			Sequence:   frame.Sequence,
			Error: &EventErrorBody{
				Code:      CodePersistFailed,
				Category:  CategoryInternal,
				Message:   "action could not be persisted",
				Retryable: true,
			},
		}
	}

	s.recordIntent(frame.Type, true)
	_ = result // 重复提交与首次提交返回相同的确认

	return &EventFrame{
		Type:       EventAck,
		IntentType: frame.Type,
		ActionID:   frame.ActionID,
		Sequence:   frame.Sequence,
		Status:     AckStatusApplied,
	}
}

// ReleaseSession 会话结束时释放限流状态
func (s *IntentService) ReleaseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, sessionID)
}

func (s *IntentService) allowChat(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[sessionID]
	if !ok || now.Sub(w.windowStart) >= s.config.ChatWindow {
		s.windows[sessionID] = &chatWindow{windowStart: now, count: 1}
		return true
	}
	if w.count >= s.config.ChatQuota {
		return false
	}
	w.count++
	return true
}

func (s *IntentService) recordIntent(intentType string, success bool) {
	if s.metrics != nil {
		s.metrics.RecordIntent(intentType, success)
	}
}
