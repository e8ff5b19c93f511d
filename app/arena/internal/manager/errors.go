package manager

import "github.com/cockroachdb/errors"

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists 会话已存在
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition 非法状态迁移
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrTokenNotFound 重连令牌不存在或已被使用
	ErrTokenNotFound = errors.New("reconnect token not found")

	// ErrTokenExpired 重连令牌已过期
	ErrTokenExpired = errors.New("reconnect token expired")

	// ErrInstanceNotFound 实例不存在
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrQueueFull 等待队列已满
	ErrQueueFull = errors.New("admission queue is full")

	// ErrDraining 实例处于排空模式
	ErrDraining = errors.New("instance is draining")
)
