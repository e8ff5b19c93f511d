package service

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	goversion "github.com/hashicorp/go-version"
	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

// DefaultVersionGracePeriod 版本切换后给在线连接的缓冲时间
const DefaultVersionGracePeriod = 1500 * time.Millisecond

// ErrInvalidVersion 无法解析的版本号
var ErrInvalidVersion = errors.New("invalid protocol version")

// VersionConfig 版本守卫配置
type VersionConfig struct {
	// MinCompatible 最低兼容协议版本
	MinCompatible string `mapstructure:"min_compatible"`

	// UpgradeURL 客户端升级地址
	UpgradeURL string `mapstructure:"upgrade_url"`

	// GracePeriod 版本切换后的断开缓冲
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// DefaultVersionConfig 默认配置
func DefaultVersionConfig() *VersionConfig {
	return &VersionConfig{
		MinCompatible: "1.0.0",
		UpgradeURL:    "https://example.com/download",
		GracePeriod:   DefaultVersionGracePeriod,
	}
}

// VersionMismatch 版本不兼容的详细信息
type VersionMismatch struct {
	Expected string `json:"expected"`
	Received string `json:"received"`
	Message  string `json:"message"`
}

// VersionChange 最低兼容版本切换通知
type VersionChange struct {
	// RequiredVersion 新的最低兼容版本
	RequiredVersion string

	// UpgradeURL 升级地址
	UpgradeURL string

	// DisconnectAt 不兼容连接的计划断开时间
	DisconnectAt time.Time
}

// VersionListener 版本切换监听器
type VersionListener func(change VersionChange)

// VersionService 协议版本守卫
//
// 兼容性规则：客户端版本 >= 最低兼容版本即通过。
// 运行期收紧最低版本时，已连接的不兼容客户端获得一个
// 缓冲期后才被断开，断开计划通过订阅机制下发。
type VersionService struct {
	mu        sync.RWMutex
	config    *VersionConfig
	min       *goversion.Version
	listeners map[int]VersionListener
	nextID    int
	metrics   *metrics.ArenaMetrics
	logger    logger.Logger
	now       func() time.Time
}

// NewVersionService 创建版本守卫
func NewVersionService(cfg *VersionConfig, m *metrics.ArenaMetrics, log logger.Logger) (*VersionService, error) {
	if cfg == nil {
		cfg = DefaultVersionConfig()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultVersionGracePeriod
	}
	if log == nil {
		log = logger.Default()
	}

	min, err := goversion.NewVersion(cfg.MinCompatible)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidVersion, "min compatible %q: %v", cfg.MinCompatible, err)
	}

	return &VersionService{
		config:    cfg,
		min:       min,
		listeners: make(map[int]VersionListener),
		metrics:   m,
		logger:    log.Named("version-service"),
		now:       time.Now,
	}, nil
}

// RequiredVersion 当前最低兼容版本
func (s *VersionService) RequiredVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.min.Original()
}

// UpgradeURL 客户端升级地址
func (s *VersionService) UpgradeURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.UpgradeURL
}

// Check 校验客户端协议版本
//
// 不兼容时返回 VersionMismatch；received 为空时记作 "unknown"。
func (s *VersionService) Check(received string) *VersionMismatch {
	s.mu.RLock()
	min := s.min
	s.mu.RUnlock()

	mismatch := func(reported string) *VersionMismatch {
		if s.metrics != nil {
			s.metrics.RecordVersionReject()
		}
		s.logger.Warn("rejected incompatible protocol version",
			"expected", min.Original(),
			"received", reported,
		)
		return &VersionMismatch{
			Expected: min.Original(),
			Received: reported,
			Message:  "client protocol version is no longer supported, please upgrade",
		}
	}

	if received == "" {
		return mismatch("unknown")
	}
	v, err := goversion.NewVersion(received)
	if err != nil {
		return mismatch(received)
	}
	if v.LessThan(min) {
		return mismatch(received)
	}
	return nil
}

// SetMinCompatible 运行期切换最低兼容版本
//
// 版本收紧后向订阅者广播断开计划，DisconnectAt 为当前
// 时间加上配置的缓冲期。
func (s *VersionService) SetMinCompatible(version string) error {
	min, err := goversion.NewVersion(version)
	if err != nil {
		return errors.Wrapf(ErrInvalidVersion, "%q: %v", version, err)
	}

	s.mu.Lock()
	s.min = min
	change := VersionChange{
		RequiredVersion: min.Original(),
		UpgradeURL:      s.config.UpgradeURL,
		DisconnectAt:    s.now().Add(s.config.GracePeriod),
	}
	listeners := make([]VersionListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	s.logger.Info("min compatible version changed",
		"required_version", change.RequiredVersion,
		"disconnect_at", change.DisconnectAt.Format(time.RFC3339),
	)

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("version listener panicked", "panic", r)
				}
			}()
			l(change)
		}()
	}
	return nil
}

// Subscribe 订阅版本切换，返回取消函数
func (s *VersionService) Subscribe(listener VersionListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}
