package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/app/arena/internal/service"
	"github.com/lk2023060901/tilestone/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	router   *gin.Engine
	jwt      *security.JWTManager
	health   *manager.HealthManager
	capacity *manager.CapacityManager
}

func newHandlerFixture(t *testing.T, tokenTTL time.Duration) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := manager.NewSessionManager(nil)
	tokens := manager.NewTokenManager(tokenTTL, nil)
	capacity := manager.NewCapacityManager([]manager.InstanceConfig{
		{ID: "instance-1", MaxConnections: 10, QueueCapacity: 5},
	}, nil)
	health := manager.NewHealthManager(&manager.HealthConfig{
		FailureThreshold:         3,
		RecoveryThreshold:        2,
		UnavailableAfterFailures: 5,
	}, []string{"postgres", "redis"}, nil)

	version, err := service.NewVersionService(&service.VersionConfig{
		MinCompatible: "1.2.0",
		UpgradeURL:    "https://example.com/download",
	}, nil, nil)
	require.NoError(t, err)

	jwtManager, err := security.NewJWTManager(&security.JWTConfig{SecretKey: "test-secret"})
	require.NoError(t, err)

	admission := service.NewAdmissionService(
		nil, sessions, tokens, capacity, version, jwtManager, nil, nil, nil)

	h := NewArenaHandler(admission, capacity, health, nil)
	router := gin.New()
	h.RegisterRoutes(router)

	return &handlerFixture{router: router, jwt: jwtManager, health: health, capacity: capacity}
}

func (f *handlerFixture) request(t *testing.T, method, path string, body any, auth string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func (f *handlerFixture) authHeader(t *testing.T, uid int64) string {
	t.Helper()
	token, err := f.jwt.Generate(uid)
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *handlerFixture) connect(t *testing.T, uid int64) map[string]any {
	t.Helper()
	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/connect", gin.H{
		"characterId":     "char-1",
		"protocolVersion": "1.2.0",
	}, f.authHeader(t, uid))
	require.Equal(t, http.StatusOK, w.Code)
	return resp
}

func TestHandlerConnectSuccess(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	resp := f.connect(t, 101)
	assert.Equal(t, "SUCCESS", resp["outcome"])
	assert.NotEmpty(t, resp["sessionId"])
	assert.NotEmpty(t, resp["reconnectionToken"])
	assert.Contains(t, resp["websocketUrl"], "ws://")
}

func TestHandlerConnectUnauthenticated(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/connect", gin.H{
		"characterId":     "char-1",
		"protocolVersion": "1.2.0",
	}, "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "FAILED", resp["outcome"])
	assert.Equal(t, model.ReasonNotAuthenticated, resp["reason"])
	_, hasSession := resp["sessionId"]
	assert.False(t, hasSession)
}

func TestHandlerConnectUnknownInstance(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-404/connect", gin.H{
		"characterId":     "char-1",
		"protocolVersion": "1.2.0",
	}, f.authHeader(t, 101))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ReasonInvalidInstance, resp["reason"])
	_, hasLookupTime := resp["instanceLookupTime"]
	assert.True(t, hasLookupTime)
}

func TestHandlerConnectVersionMismatch(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/connect", gin.H{
		"characterId":     "char-1",
		"protocolVersion": "1.0.0",
	}, f.authHeader(t, 101))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.ReasonVersionMismatch, resp["reason"])
	assert.Equal(t, true, resp["upgradeRequired"])
	assert.Equal(t, "1.2.0", resp["requiredVersion"])
	assert.Equal(t, "https://example.com/download", resp["upgradeUrl"])
}

func TestHandlerReconnect(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	connected := f.connect(t, 101)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/reconnect", gin.H{
		"reconnectionToken": connected["reconnectionToken"],
		"protocolVersion":   "1.2.0",
	}, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SUCCESS", resp["outcome"])
	assert.Equal(t, connected["sessionId"], resp["sessionId"])
	assert.NotEqual(t, connected["reconnectionToken"], resp["reconnectionToken"])

	// 令牌一次性：重放返回 404
	w, resp = f.request(t, http.MethodPost, "/instances/instance-1/reconnect", gin.H{
		"reconnectionToken": connected["reconnectionToken"],
		"protocolVersion":   "1.2.0",
	}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ReasonTokenInvalid, resp["reason"])
}

func TestHandlerReconnectExpiredToken(t *testing.T) {
	f := newHandlerFixture(t, time.Nanosecond)

	connected := f.connect(t, 101)
	time.Sleep(time.Millisecond)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/reconnect", gin.H{
		"reconnectionToken": connected["reconnectionToken"],
		"protocolVersion":   "1.2.0",
	}, "")

	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, model.ReasonTokenExpired, resp["reason"])
}

func TestHandlerDisconnect(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	connected := f.connect(t, 101)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/disconnect", gin.H{
		"sessionId": connected["sessionId"],
		"reason":    "client_quit",
		"graceful":  true,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["slotFreed"])
	assert.Equal(t, true, resp["gracefulDisconnect"])

	// 幂等：重复断开不报错
	w, resp = f.request(t, http.MethodPost, "/instances/instance-1/disconnect", gin.H{
		"sessionId": connected["sessionId"],
		"reason":    "client_quit",
		"graceful":  true,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["slotFreed"])
}

func TestHandlerDisconnectEchoesGraceful(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	connected := f.connect(t, 101)

	w, resp := f.request(t, http.MethodPost, "/instances/instance-1/disconnect", gin.H{
		"sessionId": connected["sessionId"],
		"reason":    "connection_lost",
		"graceful":  false,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["slotFreed"])
	assert.Equal(t, false, resp["gracefulDisconnect"])
}

func TestHandlerQueueStatus(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)
	f.connect(t, 101)

	w, resp := f.request(t, http.MethodGet, "/instances/instance-1/queue/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "instance-1", resp["instanceId"])
	assert.Equal(t, float64(1), resp["activeConnections"])
	assert.Equal(t, float64(0), resp["queueDepth"])
	// 实例未满员，新连接无需排队
	assert.Equal(t, float64(0), resp["position"])
	assert.Equal(t, false, resp["drainMode"])

	w, _ = f.request(t, http.MethodGet, "/instances/instance-404/queue/status", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlerQueueStatusFullInstance(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	for i := 0; i < 10; i++ {
		granted, _, err := f.capacity.TryAcquire("instance-1")
		require.NoError(t, err)
		require.True(t, granted)
	}

	// 满员实例给出下一个排队位置
	w, resp := f.request(t, http.MethodGet, "/instances/instance-1/queue/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10), resp["activeConnections"])
	assert.Equal(t, float64(1), resp["position"])
}

func TestHandlerHealth(t *testing.T) {
	f := newHandlerFixture(t, 30*time.Second)

	w, resp := f.request(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
	deps := resp["dependencies"].(map[string]any)
	assert.Equal(t, "available", deps["postgres"])
	assert.Equal(t, "available", deps["redis"])

	// degraded 不影响 HTTP 状态
	for i := 0; i < 3; i++ {
		f.health.RecordFailure("redis")
	}
	w, resp = f.request(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", resp["status"])

	// unavailable 返回 503
	for i := 0; i < 5; i++ {
		f.health.RecordFailure("postgres")
	}
	w, resp = f.request(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", resp["status"])
}
