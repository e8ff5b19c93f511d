package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goversion "github.com/hashicorp/go-version"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/app/arena/internal/service"
	"github.com/lk2023060901/tilestone/pkg/logger"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// RealtimeHandler 实时意图网关
//
// 握手成功后会话进入 active，连接意外断开时会话转入
// reconnecting 等待令牌重连。运行期最低版本收紧时向
// 不兼容的连接推送 event.version_mismatch，并在缓冲期
// 结束后断开。
type RealtimeHandler struct {
	sessions  manager.SessionStore
	intents   *service.IntentService
	admission *service.AdmissionService
	version   *service.VersionService
	upgrader  websocket.Upgrader
	logger    logger.Logger
}

// NewRealtimeHandler 创建实时网关
func NewRealtimeHandler(
	sessions manager.SessionStore,
	intents *service.IntentService,
	admission *service.AdmissionService,
	version *service.VersionService,
	log logger.Logger,
) *RealtimeHandler {
	if log == nil {
		log = logger.Default()
	}
	return &RealtimeHandler{
		sessions:  sessions,
		intents:   intents,
		admission: admission,
		version:   version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.Named("realtime-handler"),
	}
}

// RegisterRoutes 注册路由
func (h *RealtimeHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/realtime/:instanceId", h.Serve)
}

// Serve 处理一条实时连接
func (h *RealtimeHandler) Serve(c *gin.Context) {
	sessionID := c.Query("session")
	instanceID := c.Param("instanceId")

	session, err := h.sessions.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown session"})
		return
	}
	if session.InstanceID != instanceID {
		c.JSON(http.StatusBadRequest, gin.H{"message": "session does not belong to instance"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	if err := h.sessions.SetStatus(sessionID, model.SessionStatusActive); err != nil {
		h.logger.Warn("failed to activate session",
			"session_id", sessionID,
			"error", err,
		)
	}

	h.logger.Info("realtime connection established",
		"session_id", sessionID,
		"instance_id", instanceID,
	)

	h.serveConn(c, conn, session)
}

func (h *RealtimeHandler) serveConn(c *gin.Context, conn *websocket.Conn, session *model.Session) {
	var writeMu sync.Mutex
	send := func(event *service.EventFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(event)
	}

	// 计时器在版本监听器的回调协程写入，读协程退出时停止
	var timerMu sync.Mutex
	var disconnectTimer *time.Timer
	unsubscribe := h.version.Subscribe(func(change service.VersionChange) {
		if h.compatible(session.ProtocolVersion, change.RequiredVersion) {
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"requiredVersion": change.RequiredVersion,
			"upgradeUrl":      change.UpgradeURL,
			"disconnectAt":    change.DisconnectAt.Format(time.RFC3339),
		})
		if err := send(&service.EventFrame{
			Type:    service.EventVersionMismatch,
			Payload: payload,
		}); err != nil {
			return
		}
		delay := time.Until(change.DisconnectAt)
		if delay < 0 {
			delay = 0
		}
		timerMu.Lock()
		disconnectTimer = time.AfterFunc(delay, func() {
			_ = send(&service.EventFrame{Type: service.EventDisconnect})
			_ = conn.Close()
		})
		timerMu.Unlock()
	})
	defer func() {
		unsubscribe()
		timerMu.Lock()
		if disconnectTimer != nil {
			disconnectTimer.Stop()
		}
		timerMu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return h.sessions.RecordHeartbeat(session.ID)
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.admission.OnTransportDrop(session.ID)
			}
			_ = conn.Close()
			return
		}

		var frame service.IntentFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = send(&service.EventFrame{
				Type: service.EventError,
				Error: &service.EventErrorBody{
					Code:      service.CodeUnknownIntent,
					Category:  service.CategoryProtocol,
					Message:   "malformed frame",
					Retryable: false,
				},
			})
			continue
		}

		event := h.intents.Handle(c.Request.Context(), session.ID, &frame)
		if err := send(event); err != nil {
			h.admission.OnTransportDrop(session.ID)
			_ = conn.Close()
			return
		}
	}
}

func (h *RealtimeHandler) compatible(sessionVersion, requiredVersion string) bool {
	v, err := goversion.NewVersion(sessionVersion)
	if err != nil {
		return false
	}
	min, err := goversion.NewVersion(requiredVersion)
	if err != nil {
		return true
	}
	return !v.LessThan(min)
}
