package redis

import "errors"

var (
	// ErrNilConfig 配置为空
	ErrNilConfig = errors.New("redis: config is nil")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("redis: invalid config")

	// ErrNil Redis 返回 nil（键不存在）
	ErrNil = errors.New("redis: nil")
)
