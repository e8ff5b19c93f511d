package config

import "errors"

var (
	// ErrKeyNotFound 配置项不存在
	ErrKeyNotFound = errors.New("config: key not found")

	// ErrUnmarshalFailed 配置解析失败
	ErrUnmarshalFailed = errors.New("config: unmarshal failed")

	// ErrNoConfigFile 尚未加载配置文件
	ErrNoConfigFile = errors.New("config: no config file loaded")
)
