package model

import (
	"encoding/json"
	"time"
)

// ActionEvent 一条玩家动作的持久化记录
// (SessionID, Sequence) 唯一标识一条记录，由数据库唯一约束保证
type ActionEvent struct {
	ID          int64           `json:"id"`
	SessionID   string          `json:"session_id"`
	UID         int64           `json:"uid"`
	CharacterID string          `json:"character_id"`
	Sequence    int64           `json:"sequence"`
	ActionType  string          `json:"action_type"`
	Payload     json.RawMessage `json:"payload"`
	PersistedAt time.Time       `json:"persisted_at"`
}
