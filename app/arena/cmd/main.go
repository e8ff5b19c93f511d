package main

import (
	"fmt"
	"os"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/dao"
	"github.com/lk2023060901/tilestone/app/arena/internal/handler"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/app/arena/internal/service"
	"github.com/lk2023060901/tilestone/pkg/app"
	"github.com/lk2023060901/tilestone/pkg/database/postgres"
	"github.com/lk2023060901/tilestone/pkg/database/redis"
	"github.com/lk2023060901/tilestone/pkg/idgen"
	"github.com/lk2023060901/tilestone/pkg/logger"
	"github.com/lk2023060901/tilestone/pkg/prometheus"
	"github.com/lk2023060901/tilestone/pkg/security"
	"github.com/lk2023060901/tilestone/pkg/web"
)

// Config arena 服务配置
type Config struct {
	Log         *logger.Config             `mapstructure:"log"`
	Web         *web.Config                `mapstructure:"web"`
	Postgres    *postgres.Config           `mapstructure:"postgres"`
	Redis       *redis.Config              `mapstructure:"redis"`
	Prometheus  *prometheus.Config         `mapstructure:"prometheus"`
	Metrics     *metrics.Config            `mapstructure:"metrics"`
	JWT         *security.JWTConfig        `mapstructure:"jwt"`
	Admission   *service.AdmissionConfig   `mapstructure:"admission"`
	Version     *service.VersionConfig     `mapstructure:"version"`
	Intent      *service.IntentConfig      `mapstructure:"intent"`
	Probe       *service.ProbeConfig       `mapstructure:"probe"`
	Maintenance *service.MaintenanceConfig `mapstructure:"maintenance"`
	Health      *manager.HealthConfig      `mapstructure:"health"`
	Instances   []manager.InstanceConfig   `mapstructure:"instances"`

	// MachineID sonyflake 机器号
	MachineID uint16 `mapstructure:"machine_id"`

	// PresenceTTL Redis 会话镜像的过期时间
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arena failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := app.LoadConfig(&cfg); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		return err
	}

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return err
	}

	prom, err := prometheus.New(cfg.Prometheus)
	if err != nil {
		return err
	}

	arenaMetrics, err := metrics.New(cfg.Metrics)
	if err != nil {
		return err
	}
	if err := arenaMetrics.Register(prom.Registry()); err != nil {
		return err
	}

	gen, err := idgen.NewSonyflake(cfg.MachineID)
	if err != nil {
		return err
	}

	jwtManager, err := security.NewJWTManager(cfg.JWT)
	if err != nil {
		return err
	}

	// 管理器
	sessions := manager.NewSessionManager(log)
	tokenTTL := manager.DefaultTokenTTL
	if cfg.Admission != nil && cfg.Admission.TokenTTL > 0 {
		tokenTTL = cfg.Admission.TokenTTL
	}
	tokens := manager.NewTokenManager(tokenTTL, log)
	capacity := manager.NewCapacityManager(cfg.Instances, log)
	capacity.SetQueueDepthObserver(arenaMetrics.SetQueueDepth)
	health := manager.NewHealthManager(cfg.Health,
		[]string{service.DependencyPostgres, service.DependencyRedis}, log)

	// 数据访问
	actionDAO := dao.NewActionDAO(pg, arenaMetrics, log)
	cacheDAO := dao.NewCacheDAO(rdb, arenaMetrics, cfg.PresenceTTL, log)

	// 服务
	versionSvc, err := service.NewVersionService(cfg.Version, arenaMetrics, log)
	if err != nil {
		return err
	}
	admissionSvc := service.NewAdmissionService(cfg.Admission,
		sessions, tokens, capacity, versionSvc, jwtManager, cacheDAO, arenaMetrics, log)
	actionSvc := service.NewActionService(actionDAO, sessions, gen, arenaMetrics, log)
	intentSvc := service.NewIntentService(cfg.Intent, actionSvc, arenaMetrics, log)
	probeSvc := service.NewProbeService(cfg.Probe, health, map[string]service.Pinger{
		service.DependencyPostgres: pg,
		service.DependencyRedis:    rdb,
	}, log)
	maintenanceSvc := service.NewMaintenanceService(cfg.Maintenance,
		sessions, tokens, intentSvc, admissionSvc, log)

	// HTTP 与实时接口
	srv := web.NewServer(cfg.Web, log)
	handler.NewArenaHandler(admissionSvc, capacity, health, log).RegisterRoutes(srv.Router())
	handler.NewRealtimeHandler(sessions, intentSvc, admissionSvc, versionSvc, log).RegisterRoutes(srv.Router())

	application := app.NewBaseApp(
		app.WithName(app.AppName),
		app.WithVersion(app.Version),
		app.WithLogger(log),
	)
	application.AppendServer(srv, probeSvc, maintenanceSvc)
	application.AppendCloser(prom, rdb, pg)

	return application.Run()
}
