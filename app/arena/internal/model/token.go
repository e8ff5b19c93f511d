package model

import "time"

// ReconnectToken 允许断线会话免重新认证恢复的单次凭证
type ReconnectToken struct {
	Value        string    `json:"value"`
	SessionID    string    `json:"session_id"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastSequence int64     `json:"last_sequence"` // 签发时的序号快照
}

// Expired 判断在给定时刻是否已过期（到期时刻即失效）
func (t ReconnectToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
