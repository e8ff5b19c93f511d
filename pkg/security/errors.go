package security

import "errors"

var (
	// ErrMissingSecret 未配置签名密钥
	ErrMissingSecret = errors.New("security: secret_key is required")

	// ErrMissingToken 请求未携带 Token
	ErrMissingToken = errors.New("security: missing token")

	// ErrInvalidToken Token 无效或已过期
	ErrInvalidToken = errors.New("security: invalid token")
)
