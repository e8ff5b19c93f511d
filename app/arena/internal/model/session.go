package model

import "time"

// SessionStatus 会话状态
type SessionStatus string

const (
	// SessionStatusConnecting 首次准入成功，等待实时握手完成
	SessionStatusConnecting SessionStatus = "connecting"
	// SessionStatusActive 实时连接已建立
	SessionStatusActive SessionStatus = "active"
	// SessionStatusReconnecting 连接意外断开，处于重连宽限期
	SessionStatusReconnecting SessionStatus = "reconnecting"
	// SessionStatusTerminating 终态，会话即将被移除
	SessionStatusTerminating SessionStatus = "terminating"
)

// Session 一个客户端与游戏实例的存活（或刚刚存活过的）连接
type Session struct {
	ID                string        `json:"id"`
	UID               int64         `json:"uid"`
	CharacterID       string        `json:"character_id"`
	InstanceID        string        `json:"instance_id"`
	Status            SessionStatus `json:"status"`
	ProtocolVersion   string        `json:"protocol_version"`
	LastSequence      int64         `json:"last_sequence"`
	LastHeartbeatAt   time.Time     `json:"last_heartbeat_at"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Clone 返回会话的值快照
func (s *Session) Clone() *Session {
	cp := *s
	return &cp
}

// CanTransition 校验状态机转移是否合法
// connecting -> active -> reconnecting -> active（循环），任意状态 -> terminating
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if to == SessionStatusTerminating {
		return s != SessionStatusTerminating
	}

	switch s {
	case SessionStatusConnecting:
		return to == SessionStatusActive
	case SessionStatusActive:
		return to == SessionStatusReconnecting
	case SessionStatusReconnecting:
		return to == SessionStatusActive
	default:
		return false
	}
}

// IsTerminal 是否为终态
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusTerminating
}
