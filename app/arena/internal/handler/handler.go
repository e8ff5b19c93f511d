package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/app/arena/internal/service"
	"github.com/lk2023060901/tilestone/pkg/app"
	"github.com/lk2023060901/tilestone/pkg/logger"
	"github.com/lk2023060901/tilestone/pkg/web"
)

// ConnectBody 连接请求体
type ConnectBody struct {
	CharacterID     string `json:"characterId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ReconnectBody 重连请求体
type ReconnectBody struct {
	ReconnectionToken string `json:"reconnectionToken" binding:"required"`
	ProtocolVersion   string `json:"protocolVersion"`
}

// DisconnectBody 断开请求体
type DisconnectBody struct {
	SessionID string `json:"sessionId" binding:"required"`
	Reason    string `json:"reason"`
	Graceful  bool   `json:"graceful"`
}

// ArenaHandler 准入 HTTP 接口
//
// 准入相关响应直接序列化为协议约定的顶层 JSON 结构，
// 不走通用的业务码包装。
type ArenaHandler struct {
	admission *service.AdmissionService
	capacity  *manager.CapacityManager
	health    *manager.HealthManager
	logger    logger.Logger
}

// NewArenaHandler 创建准入接口处理器
func NewArenaHandler(
	admission *service.AdmissionService,
	capacity *manager.CapacityManager,
	health *manager.HealthManager,
	log logger.Logger,
) *ArenaHandler {
	if log == nil {
		log = logger.Default()
	}
	return &ArenaHandler{
		admission: admission,
		capacity:  capacity,
		health:    health,
		logger:    log.Named("arena-handler"),
	}
}

// RegisterRoutes 注册路由
func (h *ArenaHandler) RegisterRoutes(r gin.IRouter) {
	instances := r.Group("/instances/:instanceId")
	{
		instances.POST("/connect", h.Connect)
		instances.POST("/reconnect", h.Reconnect)
		instances.POST("/disconnect", h.Disconnect)
		instances.GET("/queue/status", h.QueueStatus)
	}
	r.GET("/health", h.Health)
}

// Connect 首次连接准入
func (h *ArenaHandler) Connect(c *gin.Context) {
	var body ConnectBody
	if !web.BindAndValidate(c, &body) {
		return
	}

	result := h.admission.Connect(c.Request.Context(), &service.ConnectRequest{
		AuthToken:       c.GetHeader("Authorization"),
		InstanceID:      c.Param("instanceId"),
		CharacterID:     body.CharacterID,
		ProtocolVersion: body.ProtocolVersion,
	})

	h.writeAdmissionResult(c, result)
}

// Reconnect 重连准入
func (h *ArenaHandler) Reconnect(c *gin.Context) {
	var body ReconnectBody
	if !web.BindAndValidate(c, &body) {
		return
	}

	result := h.admission.Reconnect(c.Request.Context(), &service.ReconnectRequest{
		InstanceID:      c.Param("instanceId"),
		ReconnectToken:  body.ReconnectionToken,
		ProtocolVersion: body.ProtocolVersion,
	})

	h.writeAdmissionResult(c, result)
}

// Disconnect 主动断开
func (h *ArenaHandler) Disconnect(c *gin.Context) {
	var body DisconnectBody
	if !web.BindAndValidate(c, &body) {
		return
	}

	result := h.admission.Disconnect(c.Request.Context(), body.SessionID, body.Reason, body.Graceful)
	c.JSON(http.StatusOK, gin.H{
		"slotFreed":          result.SlotFreed,
		"gracefulDisconnect": result.Graceful,
	})
}

// QueueStatus 查询实例容量与队列状态
func (h *ArenaHandler) QueueStatus(c *gin.Context) {
	instanceID := c.Param("instanceId")

	st, err := h.capacity.Status(instanceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"reason":  model.ReasonInvalidInstance,
			"message": "instance does not exist",
		})
		return
	}

	// 粗略估算：每个排队位置按 5 秒计
	estimatedWait := st.QueueDepth * 5000

	// 匿名查询者视角：如果此刻连接，将排到队尾的位置
	position := 0
	if st.ActiveConnections >= st.MaxConnections {
		position = st.QueueDepth + 1
	}

	c.JSON(http.StatusOK, gin.H{
		"instanceId":        st.ID,
		"position":          position,
		"activeConnections": st.ActiveConnections,
		"maxConnections":    st.MaxConnections,
		"queueDepth":        st.QueueDepth,
		"queueCapacity":     st.QueueCapacity,
		"estimatedWait":     estimatedWait,
		"drainMode":         st.Draining,
	})
}

// Health 健康检查
//
// 任一依赖 unavailable 时整体返回 503，degraded 依赖
// 不影响 HTTP 状态，仅体现在依赖明细里。
func (h *ArenaHandler) Health(c *gin.Context) {
	snapshot := h.health.Snapshot()

	deps := make(map[string]string, len(snapshot))
	overall := "ok"
	httpStatus := http.StatusOK
	for name, status := range snapshot {
		deps[name] = string(status)
		switch status {
		case model.DependencyStatusUnavailable:
			overall = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		case model.DependencyStatusDegraded:
			if overall == "ok" {
				overall = "degraded"
			}
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":       overall,
		"version":      app.Version,
		"dependencies": deps,
	})
}

func (h *ArenaHandler) writeAdmissionResult(c *gin.Context, result *model.AdmissionResult) {
	switch result.Outcome {
	case model.AdmissionSuccess:
		resp := gin.H{
			"outcome":           result.Outcome,
			"sessionId":         result.Session.ID,
			"reconnectionToken": result.ReconnectToken.Value,
			"websocketUrl":      result.WebsocketURL,
		}
		if result.QueuePosition > 0 {
			resp["position"] = result.QueuePosition
		}
		c.JSON(http.StatusOK, resp)

	case model.AdmissionTimeout:
		c.JSON(http.StatusRequestTimeout, gin.H{
			"outcome":          result.Outcome,
			"reason":           result.Reason,
			"message":          result.Message,
			"timeoutAfter":     service.DefaultAdmissionTimeout.Milliseconds(),
			"cleanupPerformed": result.CleanupPerformed,
		})

	default:
		resp := gin.H{
			"outcome": result.Outcome,
			"reason":  result.Reason,
			"message": result.Message,
		}
		switch result.Reason {
		case model.ReasonInvalidInstance:
			resp["instanceLookupTime"] = result.InstanceLookupTime.Milliseconds()
		case model.ReasonVersionMismatch:
			resp["upgradeRequired"] = true
			resp["requiredVersion"] = result.RequiredVersion
			resp["upgradeUrl"] = result.UpgradeURL
		case model.ReasonDrainMode:
			resp["drainMode"] = true
			resp["retryAfter"] = result.RetryAfter.Milliseconds()
		case model.ReasonQueueFull:
			resp["retryAfter"] = result.RetryAfter.Milliseconds()
			resp["queueCapacity"] = result.QueueCapacity
		}
		c.JSON(statusForReason(result.Reason), resp)
	}
}

func statusForReason(reason string) int {
	switch reason {
	case model.ReasonNotAuthenticated:
		return http.StatusUnauthorized
	case model.ReasonInvalidInstanceFormat, model.ReasonNoActiveCharacter, model.ReasonVersionMismatch:
		return http.StatusBadRequest
	case model.ReasonInvalidInstance, model.ReasonTokenInvalid:
		return http.StatusNotFound
	case model.ReasonTokenExpired:
		return http.StatusGone
	case model.ReasonDrainMode, model.ReasonQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
