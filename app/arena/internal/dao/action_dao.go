package dao

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/database/postgres"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// ErrActionNotFound 动作记录不存在
var ErrActionNotFound = errors.New("action event not found")

// ErrDuplicateAction 同一会话内序列号已存在
var ErrDuplicateAction = errors.New("duplicate action sequence for session")

const actionTable = "action_events"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ActionDAO 动作事件持久化层
//
// 幂等性由 (session_id, sequence) 唯一约束保证：
// 重复写入触发唯一约束冲突，由调用方走已有记录的快速路径。
type ActionDAO struct {
	db      *postgres.Client
	metrics *metrics.ArenaMetrics
	logger  logger.Logger
}

// NewActionDAO 创建动作 DAO
func NewActionDAO(db *postgres.Client, m *metrics.ArenaMetrics, log logger.Logger) *ActionDAO {
	if log == nil {
		log = logger.Default()
	}
	return &ActionDAO{
		db:      db,
		metrics: m,
		logger:  log.Named("action-dao"),
	}
}

// Insert 插入动作事件
//
// 唯一约束冲突时返回 ErrDuplicateAction。
func (d *ActionDAO) Insert(ctx context.Context, event *model.ActionEvent) error {
	start := time.Now()

	if event.PersistedAt.IsZero() {
		event.PersistedAt = start
	}

	query, args, err := psql.Insert(actionTable).
		Columns("id", "session_id", "uid", "character_id", "sequence", "action_type", "payload", "persisted_at").
		Values(event.ID, event.SessionID, event.UID, event.CharacterID,
			event.Sequence, event.ActionType, event.Payload, event.PersistedAt).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build action insert")
	}

	_, err = d.db.Exec(ctx, query, args...)
	d.recordQuery("insert_action", err == nil || postgres.IsUniqueViolation(err), time.Since(start))

	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrDuplicateAction
		}
		return errors.Wrapf(err, "failed to insert action session=%s sequence=%d",
			event.SessionID, event.Sequence)
	}
	return nil
}

// GetBySessionSequence 按会话和序列号查询动作事件
func (d *ActionDAO) GetBySessionSequence(ctx context.Context, sessionID string, sequence int64) (*model.ActionEvent, error) {
	start := time.Now()

	query, args, err := psql.Select("id", "session_id", "uid", "character_id", "sequence", "action_type", "payload", "persisted_at").
		From(actionTable).
		Where(sq.Eq{"session_id": sessionID, "sequence": sequence}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build action select")
	}

	event := &model.ActionEvent{}
	err = d.db.QueryRow(ctx, query, args...).Scan(
		&event.ID, &event.SessionID, &event.UID, &event.CharacterID,
		&event.Sequence, &event.ActionType, &event.Payload, &event.PersistedAt,
	)
	d.recordQuery("get_action", err == nil || postgres.IsNoRows(err), time.Since(start))

	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrActionNotFound
		}
		return nil, errors.Wrapf(err, "failed to query action session=%s sequence=%d", sessionID, sequence)
	}
	return event, nil
}

// GetLatestForSession 查询会话最新持久化的动作
func (d *ActionDAO) GetLatestForSession(ctx context.Context, sessionID string) (*model.ActionEvent, error) {
	start := time.Now()

	query, args, err := psql.Select("id", "session_id", "uid", "character_id", "sequence", "action_type", "payload", "persisted_at").
		From(actionTable).
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("sequence DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build latest action select")
	}

	event := &model.ActionEvent{}
	err = d.db.QueryRow(ctx, query, args...).Scan(
		&event.ID, &event.SessionID, &event.UID, &event.CharacterID,
		&event.Sequence, &event.ActionType, &event.Payload, &event.PersistedAt,
	)
	d.recordQuery("get_latest_action", err == nil || postgres.IsNoRows(err), time.Since(start))

	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, ErrActionNotFound
		}
		return nil, errors.Wrapf(err, "failed to query latest action session=%s", sessionID)
	}
	return event, nil
}

// ListRecentForCharacter 查询角色最近的动作，按持久化时间升序返回
func (d *ActionDAO) ListRecentForCharacter(ctx context.Context, characterID string, limit int) ([]*model.ActionEvent, error) {
	start := time.Now()

	if limit <= 0 {
		limit = 100
	}

	sub := psql.Select("id", "session_id", "uid", "character_id", "sequence", "action_type", "payload", "persisted_at").
		From(actionTable).
		Where(sq.Eq{"character_id": characterID}).
		OrderBy("persisted_at DESC").
		Limit(uint64(limit))

	query, args, err := sub.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build recent actions select")
	}

	rows, err := d.db.Query(ctx, query, args...)
	d.recordQuery("list_recent_actions", err == nil, time.Since(start))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query recent actions character=%s", characterID)
	}
	defer rows.Close()

	var events []*model.ActionEvent
	for rows.Next() {
		event := &model.ActionEvent{}
		if err := rows.Scan(
			&event.ID, &event.SessionID, &event.UID, &event.CharacterID,
			&event.Sequence, &event.ActionType, &event.Payload, &event.PersistedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan action row")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate action rows")
	}

	// 回放顺序为时间升序
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (d *ActionDAO) recordQuery(operation string, success bool, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.RecordDBQuery(operation, success, elapsed.Seconds())
}
