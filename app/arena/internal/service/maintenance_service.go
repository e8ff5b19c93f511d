package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/pkg/logger"
	"github.com/robfig/cron/v3"
)

// MaintenanceConfig 后台维护任务配置
type MaintenanceConfig struct {
	// SessionSweepSpec 过期会话清理的 cron 表达式
	SessionSweepSpec string `mapstructure:"session_sweep_spec"`

	// TokenSweepSpec 过期令牌清理的 cron 表达式
	TokenSweepSpec string `mapstructure:"token_sweep_spec"`

	// SessionMaxIdle 非活跃会话的最大心跳间隔
	SessionMaxIdle time.Duration `mapstructure:"session_max_idle"`
}

// DefaultMaintenanceConfig 默认配置
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		SessionSweepSpec: "@every 30s",
		TokenSweepSpec:   "@every 1m",
		SessionMaxIdle:   2 * time.Minute,
	}
}

// MaintenanceService 后台维护任务
//
// 清理心跳超时的会话（断线未重连的、准入后始终未完成
// 握手的）：释放连接槽位、撤销重连令牌、清除缓存镜像；
// 另有独立任务兜底清理过期令牌（正常路径上令牌由惰性
// 清理回收）。
type MaintenanceService struct {
	config    *MaintenanceConfig
	sessions  manager.SessionStore
	tokens    manager.TokenStore
	intents   *IntentService
	admission *AdmissionService
	cron      *cron.Cron
	logger    logger.Logger
}

// NewMaintenanceService 创建维护服务
func NewMaintenanceService(
	cfg *MaintenanceConfig,
	sessions manager.SessionStore,
	tokens manager.TokenStore,
	intents *IntentService,
	admission *AdmissionService,
	log logger.Logger,
) *MaintenanceService {
	if cfg == nil {
		cfg = DefaultMaintenanceConfig()
	}
	if log == nil {
		log = logger.Default()
	}
	return &MaintenanceService{
		config:    cfg,
		sessions:  sessions,
		tokens:    tokens,
		intents:   intents,
		admission: admission,
		cron:      cron.New(),
		logger:    log.Named("maintenance-service"),
	}
}

// Start 注册并启动维护任务（阻塞，适配应用生命周期）
func (s *MaintenanceService) Start() error {
	if _, err := s.cron.AddFunc(s.config.SessionSweepSpec, s.SweepSessions); err != nil {
		return errors.Wrap(err, "failed to schedule session sweep")
	}
	if _, err := s.cron.AddFunc(s.config.TokenSweepSpec, s.SweepTokens); err != nil {
		return errors.Wrap(err, "failed to schedule token sweep")
	}

	s.logger.Info("maintenance tasks scheduled",
		"session_sweep", s.config.SessionSweepSpec,
		"token_sweep", s.config.TokenSweepSpec,
	)

	s.cron.Run()
	return nil
}

// Stop 停止维护任务
func (s *MaintenanceService) Stop() error {
	ctx := s.cron.Stop()
	<-ctx.Done()
	return nil
}

// SweepSessions 清理心跳超时的非活跃会话
func (s *MaintenanceService) SweepSessions() {
	ctx := context.Background()
	removed := s.sessions.PruneStale(s.config.SessionMaxIdle, time.Now())
	for _, session := range removed {
		s.admission.ReleaseSession(ctx, session.ID, session.InstanceID, session.UID)
		if s.intents != nil {
			s.intents.ReleaseSession(session.ID)
		}
		s.logger.Info("reclaimed abandoned session",
			"session_id", session.ID,
			"uid", session.UID,
			"instance_id", session.InstanceID,
		)
	}
}

// SweepTokens 兜底清理过期重连令牌
func (s *MaintenanceService) SweepTokens() {
	if pruned := s.tokens.PruneExpired(time.Now()); pruned > 0 {
		s.logger.Debug("swept expired reconnect tokens", "count", pruned)
	}
}
