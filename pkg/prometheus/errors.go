package prometheus

import "errors"

var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("prometheus: invalid config")

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("prometheus: client is closed")
)
