package logger

import "errors"

var (
	// ErrInvalidLevel 无效的日志等级
	ErrInvalidLevel = errors.New("logger: invalid log level")

	// ErrMissingOutputPath 启用文件输出但未指定路径
	ErrMissingOutputPath = errors.New("logger: output_path is required when enable_file is true")
)
