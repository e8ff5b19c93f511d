package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/metrics"
	"github.com/lk2023060901/tilestone/pkg/database/redis"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

const (
	sessionPresenceKeyPrefix = "session:arena:"
	reconnectTokenKeyPrefix  = "token:arena:"
	onlineUIDSetKey          = "arena:online:uids"
)

// CacheDAO 会话缓存镜像
//
// Redis 仅作为旁路镜像，内存状态始终为权威；
// 所有写入失败只记录日志，不影响主流程。
type CacheDAO struct {
	rdb     *redis.Client
	metrics *metrics.ArenaMetrics
	logger  logger.Logger
	ttl     time.Duration
}

// NewCacheDAO 创建缓存 DAO
func NewCacheDAO(rdb *redis.Client, m *metrics.ArenaMetrics, presenceTTL time.Duration, log logger.Logger) *CacheDAO {
	if presenceTTL <= 0 {
		presenceTTL = 5 * time.Minute
	}
	if log == nil {
		log = logger.Default()
	}
	return &CacheDAO{
		rdb:     rdb,
		metrics: m,
		logger:  log.Named("cache-dao"),
		ttl:     presenceTTL,
	}
}

func sessionPresenceKey(sessionID string) string {
	return sessionPresenceKeyPrefix + sessionID
}

// SetSessionPresence 写入会话在线标记
func (d *CacheDAO) SetSessionPresence(ctx context.Context, sessionID string, instanceID string) {
	if err := d.rdb.Set(ctx, sessionPresenceKey(sessionID), instanceID, d.ttl); err != nil {
		d.logger.Warn("failed to mirror session presence",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// RefreshSessionPresence 续期会话在线标记
func (d *CacheDAO) RefreshSessionPresence(ctx context.Context, sessionID string) {
	if _, err := d.rdb.Expire(ctx, sessionPresenceKey(sessionID), d.ttl); err != nil {
		d.logger.Warn("failed to refresh session presence",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// ClearSessionPresence 清除会话在线标记
func (d *CacheDAO) ClearSessionPresence(ctx context.Context, sessionID string) {
	if _, err := d.rdb.Del(ctx, sessionPresenceKey(sessionID)); err != nil {
		d.logger.Warn("failed to clear session presence",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// SessionInstance 查询会话镜像所在实例
func (d *CacheDAO) SessionInstance(ctx context.Context, sessionID string) (string, bool) {
	instanceID, err := d.rdb.Get(ctx, sessionPresenceKey(sessionID))
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordCacheMiss("session_presence")
		}
		return "", false
	}
	if d.metrics != nil {
		d.metrics.RecordCacheHit("session_presence")
	}
	return instanceID, true
}

func reconnectTokenKey(value string) string {
	return reconnectTokenKeyPrefix + value
}

// MirrorReconnectToken 写入重连令牌镜像，供跨节点路由查询
func (d *CacheDAO) MirrorReconnectToken(ctx context.Context, value string, sessionID string, ttl time.Duration) {
	if err := d.rdb.Set(ctx, reconnectTokenKey(value), sessionID, ttl); err != nil {
		d.logger.Warn("failed to mirror reconnect token",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// ClearReconnectToken 清除重连令牌镜像
func (d *CacheDAO) ClearReconnectToken(ctx context.Context, value string) {
	if _, err := d.rdb.Del(ctx, reconnectTokenKey(value)); err != nil {
		d.logger.Warn("failed to clear reconnect token mirror", "error", err)
	}
}

// TokenSession 查询令牌镜像对应的会话
func (d *CacheDAO) TokenSession(ctx context.Context, value string) (string, bool) {
	sessionID, err := d.rdb.Get(ctx, reconnectTokenKey(value))
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordCacheMiss("reconnect_token")
		}
		return "", false
	}
	if d.metrics != nil {
		d.metrics.RecordCacheHit("reconnect_token")
	}
	return sessionID, true
}

// MarkOnline 将玩家加入在线集合
func (d *CacheDAO) MarkOnline(ctx context.Context, uid int64) {
	if _, err := d.rdb.SAdd(ctx, onlineUIDSetKey, fmt.Sprintf("%d", uid)); err != nil {
		d.logger.Warn("failed to mark uid online", "uid", uid, "error", err)
	}
}

// MarkOffline 将玩家移出在线集合
func (d *CacheDAO) MarkOffline(ctx context.Context, uid int64) {
	if _, err := d.rdb.SRem(ctx, onlineUIDSetKey, fmt.Sprintf("%d", uid)); err != nil {
		d.logger.Warn("failed to mark uid offline", "uid", uid, "error", err)
	}
}

// OnlineUIDs 查询在线玩家集合
func (d *CacheDAO) OnlineUIDs(ctx context.Context) ([]string, error) {
	return d.rdb.SMembers(ctx, onlineUIDSetKey)
}
