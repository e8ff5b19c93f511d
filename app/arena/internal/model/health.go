package model

import "time"

// DependencyStatus 依赖健康状态
type DependencyStatus string

const (
	DependencyStatusAvailable   DependencyStatus = "available"
	DependencyStatusDegraded    DependencyStatus = "degraded"
	DependencyStatusUnavailable DependencyStatus = "unavailable"
)

// DependencyHealth 单个外部依赖（如 postgres、redis）的健康信号
type DependencyHealth struct {
	Dependency          string           `json:"dependency"`
	Status              DependencyStatus `json:"status"`
	ConsecutiveSuccess  int              `json:"consecutive_success"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastTransitionAt    time.Time        `json:"last_transition_at"`
}

// DependencyStatusChange 状态转移通知，仅在实际发生转移时发出
type DependencyStatusChange struct {
	Dependency string           `json:"dependency"`
	From       DependencyStatus `json:"from"`
	To         DependencyStatus `json:"to"`
	At         time.Time        `json:"at"`
}
