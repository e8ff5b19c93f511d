package service

import (
	"context"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// 依赖名称
const (
	DependencyPostgres = "postgres"
	DependencyRedis    = "redis"
)

// Pinger 可探活的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeConfig 依赖探活配置
type ProbeConfig struct {
	// Interval 探活间隔
	Interval time.Duration `mapstructure:"interval"`

	// Timeout 单次探活超时
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultProbeConfig 默认配置
func DefaultProbeConfig() *ProbeConfig {
	return &ProbeConfig{
		Interval: 5 * time.Second,
		Timeout:  2 * time.Second,
	}
}

// ProbeService 周期性探活依赖并驱动健康状态机
//
// 每轮对全部依赖并发探活，结果逐个喂给 HealthManager，
// 状态迁移判定由状态机的迟滞规则决定。
type ProbeService struct {
	config  *ProbeConfig
	health  *manager.HealthManager
	targets map[string]Pinger
	logger  logger.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProbeService 创建探活服务
func NewProbeService(cfg *ProbeConfig, health *manager.HealthManager, targets map[string]Pinger, log logger.Logger) *ProbeService {
	if cfg == nil {
		cfg = DefaultProbeConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &ProbeService{
		config:  cfg,
		health:  health,
		targets: targets,
		logger:  log.Named("probe-service"),
		done:    make(chan struct{}),
	}
}

// Start 启动探活循环（阻塞，适配应用生命周期）
func (s *ProbeService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("dependency probing started",
		"interval", s.config.Interval,
		"targets", len(s.targets),
	)

	s.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.probeAll(ctx)
		}
	}
}

// Stop 停止探活循环
func (s *ProbeService) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// ProbeOnce 对全部依赖执行一轮探活（供测试与维护任务调用）
func (s *ProbeService) ProbeOnce(ctx context.Context) {
	s.probeAll(ctx)
}

func (s *ProbeService) probeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for name, target := range s.targets {
		name, target := name, target
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
			defer cancel()

			if err := target.Ping(probeCtx); err != nil {
				s.health.RecordFailure(name)
				s.logger.Warn("dependency probe failed",
					"dependency", name,
					"error", err,
				)
				return nil
			}
			s.health.RecordSuccess(name)
			return nil
		})
	}
	_ = g.Wait()
}
