package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/tilestone/app/arena/internal/dao"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/idgen"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// ActionStore 动作事件存储接口（生产实现为 dao.ActionDAO）
type ActionStore interface {
	Insert(ctx context.Context, event *model.ActionEvent) error
	GetBySessionSequence(ctx context.Context, sessionID string, sequence int64) (*model.ActionEvent, error)
	GetLatestForSession(ctx context.Context, sessionID string) (*model.ActionEvent, error)
	ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]*model.ActionEvent, error)
}

// PersistResult 动作持久化结果
type PersistResult struct {
	// Event 持久化后的动作记录（重复提交时为已有记录）
	Event *model.ActionEvent

	// Duplicate 该序列号此前已持久化
	Duplicate bool
}

// ActionService 玩家动作持久化服务
//
// 先持久化后确认：确认只在写入（或确认重复）完成后返回。
// 同一会话内 (sessionID, sequence) 重复提交是幂等的，
// 返回首次持久化的记录而非写入新行。
type ActionService struct {
	store    ActionStore
	sessions manager.SessionStore
	idgen    idgen.Generator
	metrics  *metrics.ArenaMetrics
	logger   logger.Logger
}

// NewActionService 创建动作服务
func NewActionService(
	store ActionStore,
	sessions manager.SessionStore,
	gen idgen.Generator,
	m *metrics.ArenaMetrics,
	log logger.Logger,
) *ActionService {
	if log == nil {
		log = logger.Default()
	}
	return &ActionService{
		store:    store,
		sessions: sessions,
		idgen:    gen,
		metrics:  m,
		logger:   log.Named("action-service"),
	}
}

// Persist 持久化一个玩家动作
//
// 重复序列号走快速路径：读出已有记录并标记 Duplicate，
// 客户端收到与首次提交相同的确认。
func (s *ActionService) Persist(
	ctx context.Context,
	sessionID string,
	sequence int64,
	actionType string,
	payload json.RawMessage,
) (*PersistResult, error) {
	start := time.Now()

	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "persist action session=%s sequence=%d", sessionID, sequence)
	}

	id, err := s.idgen.NextID()
	if err != nil {
		s.recordPersist("failed", start)
		return nil, errors.Wrapf(err, "failed to allocate action id session=%s", sessionID)
	}

	event := &model.ActionEvent{
		ID:          id,
		SessionID:   sessionID,
		UID:         session.UID,
		CharacterID: session.CharacterID,
		Sequence:    sequence,
		ActionType:  actionType,
		Payload:     payload,
	}

	err = s.store.Insert(ctx, event)
	switch {
	case err == nil:
		s.recordPersist("persisted", start)

	case errors.Is(err, dao.ErrDuplicateAction):
		existing, getErr := s.store.GetBySessionSequence(ctx, sessionID, sequence)
		if getErr != nil {
			s.recordPersist("failed", start)
			return nil, errors.Wrapf(getErr,
				"duplicate action lookup session=%s sequence=%d", sessionID, sequence)
		}
		s.recordPersist("duplicate", start)
		s.logger.Debug("duplicate action acknowledged",
			"session_id", sessionID,
			"sequence", sequence,
		)
		if err := s.sessions.RecordActionSequence(sessionID, sequence); err != nil {
			s.logger.Warn("failed to advance sequence cursor",
				"session_id", sessionID,
				"error", err,
			)
		}
		return &PersistResult{Event: existing, Duplicate: true}, nil

	default:
		s.recordPersist("failed", start)
		return nil, errors.Wrapf(err, "persist action session=%s sequence=%d", sessionID, sequence)
	}

	if err := s.sessions.RecordActionSequence(sessionID, sequence); err != nil {
		s.logger.Warn("failed to advance sequence cursor",
			"session_id", sessionID,
			"error", err,
		)
	}

	return &PersistResult{Event: event, Duplicate: false}, nil
}

// GetLatestForSession 获取会话最近一次持久化的动作
func (s *ActionService) GetLatestForSession(ctx context.Context, sessionID string) (*model.ActionEvent, error) {
	event, err := s.store.GetLatestForSession(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "latest action session=%s", sessionID)
	}
	return event, nil
}

// ListRecentForCharacter 按持久化时间升序返回角色最近的动作
func (s *ActionService) ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]*model.ActionEvent, error) {
	events, err := s.store.ListRecentForCharacter(ctx, characterID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "recent actions character=%s", characterID)
	}
	return events, nil
}

func (s *ActionService) recordPersist(result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordActionPersist(result, time.Since(start).Seconds())
}
