package model

import "time"

// AdmissionOutcome 一次准入尝试的结局
type AdmissionOutcome string

const (
	AdmissionSuccess AdmissionOutcome = "SUCCESS"
	AdmissionFailed  AdmissionOutcome = "FAILED"
	AdmissionTimeout AdmissionOutcome = "TIMEOUT"
)

// 准入失败原因
const (
	ReasonNotAuthenticated      = "NOT_AUTHENTICATED"
	ReasonInvalidInstance       = "INVALID_INSTANCE"
	ReasonInvalidInstanceFormat = "INVALID_INSTANCE_ID"
	ReasonNoActiveCharacter     = "NO_ACTIVE_CHARACTER"
	ReasonVersionMismatch       = "VERSION_MISMATCH"
	ReasonDrainMode             = "DRAIN_MODE"
	ReasonQueueFull             = "QUEUE_FULL"
	ReasonTokenInvalid          = "RECONNECT_TOKEN_INVALID"
	ReasonTokenExpired          = "RECONNECT_TOKEN_EXPIRED"
	ReasonInternal              = "INTERNAL_ERROR"
)

// AdmissionResult 一次 connect/reconnect 的结果（不落盘）
type AdmissionResult struct {
	Outcome AdmissionOutcome
	Reason  string
	Message string

	// 成功时携带
	Session        *Session
	ReconnectToken *ReconnectToken
	WebsocketURL   string
	QueuePosition  int

	// 失败时按原因携带
	RetryAfter      time.Duration // QUEUE_FULL / DRAIN_MODE
	QueueCapacity   int           // QUEUE_FULL
	RequiredVersion string        // VERSION_MISMATCH
	UpgradeURL      string        // VERSION_MISMATCH

	// 诊断信息
	InstanceLookupTime time.Duration

	// TIMEOUT 时为 true，表示队列占位等部分资源已释放
	CleanupPerformed bool
}
