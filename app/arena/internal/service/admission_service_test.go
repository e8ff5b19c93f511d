package service

import (
	"context"
	"testing"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type admissionFixture struct {
	svc      *AdmissionService
	sessions *manager.SessionManager
	tokens   *manager.TokenManager
	capacity *manager.CapacityManager
	jwt      *security.JWTManager
}

type admissionOption func(*admissionFixtureConfig)

type admissionFixtureConfig struct {
	maxConns int
	queueCap int
	tokenTTL time.Duration
	timeout  time.Duration
}

func withCapacity(maxConns, queueCap int) admissionOption {
	return func(c *admissionFixtureConfig) {
		c.maxConns = maxConns
		c.queueCap = queueCap
	}
}

func withTokenTTL(ttl time.Duration) admissionOption {
	return func(c *admissionFixtureConfig) { c.tokenTTL = ttl }
}

func withAdmissionTimeout(d time.Duration) admissionOption {
	return func(c *admissionFixtureConfig) { c.timeout = d }
}

func newAdmissionFixture(t *testing.T, opts ...admissionOption) *admissionFixture {
	t.Helper()

	cfg := &admissionFixtureConfig{
		maxConns: 10,
		queueCap: 5,
		tokenTTL: 30 * time.Second,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	sessions := manager.NewSessionManager(nil)
	tokens := manager.NewTokenManager(cfg.tokenTTL, nil)
	capacity := manager.NewCapacityManager([]manager.InstanceConfig{
		{ID: "instance-1", MaxConnections: cfg.maxConns, QueueCapacity: cfg.queueCap},
	}, nil)

	version, err := NewVersionService(&VersionConfig{
		MinCompatible: "1.2.0",
		UpgradeURL:    "https://example.com/download",
	}, nil, nil)
	require.NoError(t, err)

	jwtManager, err := security.NewJWTManager(&security.JWTConfig{SecretKey: "test-secret"})
	require.NoError(t, err)

	svc := NewAdmissionService(&AdmissionConfig{
		Timeout:          cfg.timeout,
		WebsocketURLBase: "ws://localhost:8080/realtime",
		QueueRetryAfter:  5 * time.Second,
		DrainRetryAfter:  30 * time.Second,
	}, sessions, tokens, capacity, version, jwtManager, nil, nil, nil)

	return &admissionFixture{
		svc:      svc,
		sessions: sessions,
		tokens:   tokens,
		capacity: capacity,
		jwt:      jwtManager,
	}
}

func (f *admissionFixture) authHeader(t *testing.T, uid int64) string {
	t.Helper()
	token, err := f.jwt.Generate(uid)
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *admissionFixture) connectRequest(t *testing.T, uid int64) *ConnectRequest {
	return &ConnectRequest{
		AuthToken:       f.authHeader(t, uid),
		InstanceID:      "instance-1",
		CharacterID:     "char-1",
		ProtocolVersion: "1.2.0",
	}
}

func TestAdmissionConnectSuccess(t *testing.T) {
	f := newAdmissionFixture(t)

	result := f.svc.Connect(context.Background(), f.connectRequest(t, 101))

	require.Equal(t, model.AdmissionSuccess, result.Outcome)
	require.NotNil(t, result.Session)
	assert.Equal(t, int64(101), result.Session.UID)
	assert.Equal(t, model.SessionStatusConnecting, result.Session.Status)
	require.NotNil(t, result.ReconnectToken)
	assert.Equal(t, result.Session.ID, result.ReconnectToken.SessionID)
	assert.Contains(t, result.WebsocketURL, result.Session.ID)

	st, err := f.capacity.Status("instance-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveConnections)
}

func TestAdmissionConnectNotAuthenticated(t *testing.T) {
	f := newAdmissionFixture(t)

	req := f.connectRequest(t, 101)
	req.AuthToken = ""
	result := f.svc.Connect(context.Background(), req)
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonNotAuthenticated, result.Reason)
	assert.Nil(t, result.Session)

	req.AuthToken = "Bearer garbage"
	result = f.svc.Connect(context.Background(), req)
	assert.Equal(t, model.ReasonNotAuthenticated, result.Reason)
}

func TestAdmissionConnectInstanceValidation(t *testing.T) {
	f := newAdmissionFixture(t)

	req := f.connectRequest(t, 101)
	req.InstanceID = "bad instance!"
	result := f.svc.Connect(context.Background(), req)
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonInvalidInstanceFormat, result.Reason)

	req.InstanceID = "instance-404"
	result = f.svc.Connect(context.Background(), req)
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonInvalidInstance, result.Reason)
}

func TestAdmissionConnectNoCharacter(t *testing.T) {
	f := newAdmissionFixture(t)

	req := f.connectRequest(t, 101)
	req.CharacterID = ""
	result := f.svc.Connect(context.Background(), req)
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonNoActiveCharacter, result.Reason)
}

func TestAdmissionConnectVersionMismatch(t *testing.T) {
	f := newAdmissionFixture(t)

	req := f.connectRequest(t, 101)
	req.ProtocolVersion = "1.1.0"
	result := f.svc.Connect(context.Background(), req)
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonVersionMismatch, result.Reason)
	assert.Equal(t, "1.2.0", result.RequiredVersion)
	assert.Equal(t, "https://example.com/download", result.UpgradeURL)
}

func TestAdmissionConnectDrainMode(t *testing.T) {
	f := newAdmissionFixture(t)
	require.NoError(t, f.capacity.SetDraining("instance-1", true))

	result := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonDrainMode, result.Reason)
	assert.Equal(t, 30*time.Second, result.RetryAfter)
}

func TestAdmissionConnectQueueFull(t *testing.T) {
	f := newAdmissionFixture(t, withCapacity(1, 0))

	first := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, first.Outcome)

	second := f.svc.Connect(context.Background(), f.connectRequest(t, 102))
	require.Equal(t, model.AdmissionFailed, second.Outcome)
	assert.Equal(t, model.ReasonQueueFull, second.Reason)
	assert.Equal(t, 5*time.Second, second.RetryAfter)
}

func TestAdmissionConnectTimeoutWhileQueued(t *testing.T) {
	f := newAdmissionFixture(t, withCapacity(1, 1), withAdmissionTimeout(50*time.Millisecond))

	first := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, first.Outcome)

	start := time.Now()
	second := f.svc.Connect(context.Background(), f.connectRequest(t, 102))
	elapsed := time.Since(start)

	require.Equal(t, model.AdmissionTimeout, second.Outcome)
	assert.True(t, second.CleanupPerformed)
	assert.Nil(t, second.Session)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	// 排队位置已清理，后续释放槽位时不会误授
	st, err := f.capacity.Status("instance-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Equal(t, 1, st.ActiveConnections)
}

func TestAdmissionReconnect(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)
	sessionID := connected.Session.ID

	f.svc.OnTransportDrop(sessionID)
	got, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusConnecting, got.Status)

	result := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	})

	require.Equal(t, model.AdmissionSuccess, result.Outcome)
	assert.Equal(t, sessionID, result.Session.ID)
	assert.Equal(t, model.SessionStatusActive, result.Session.Status)
	assert.Equal(t, 0, result.Session.ReconnectAttempts)
	require.NotNil(t, result.ReconnectToken)
	assert.NotEqual(t, connected.ReconnectToken.Value, result.ReconnectToken.Value)

	// 槽位保留，不重复占用
	st, err := f.capacity.Status("instance-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ActiveConnections)
}

func TestAdmissionReconnectTokenSingleUse(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)

	req := &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	}
	first := f.svc.Reconnect(ctx, req)
	require.Equal(t, model.AdmissionSuccess, first.Outcome)

	second := f.svc.Reconnect(ctx, req)
	require.Equal(t, model.AdmissionFailed, second.Outcome)
	assert.Equal(t, model.ReasonTokenInvalid, second.Reason)
}

func TestAdmissionReconnectTokenExpired(t *testing.T) {
	f := newAdmissionFixture(t, withTokenTTL(time.Nanosecond))
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)

	time.Sleep(time.Millisecond)
	result := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	})

	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonTokenExpired, result.Reason)
}

func TestAdmissionReconnectVersionCheckedBeforeConsume(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)

	// 版本不兼容不消耗令牌
	rejected := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "0.9.0",
	})
	require.Equal(t, model.AdmissionFailed, rejected.Outcome)
	assert.Equal(t, model.ReasonVersionMismatch, rejected.Reason)

	resumed := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	})
	assert.Equal(t, model.AdmissionSuccess, resumed.Outcome)
}

func TestAdmissionReconnectExemptFromDrain(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)

	require.NoError(t, f.capacity.SetDraining("instance-1", true))

	result := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	})
	assert.Equal(t, model.AdmissionSuccess, result.Outcome)
}

func TestAdmissionReconnectWrongInstance(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)

	result := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-2",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	})
	require.Equal(t, model.AdmissionFailed, result.Outcome)
	assert.Equal(t, model.ReasonTokenInvalid, result.Reason)
}

func TestAdmissionDisconnectIdempotent(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)
	sessionID := connected.Session.ID

	first := f.svc.Disconnect(ctx, sessionID, "client_quit", true)
	assert.True(t, first.SlotFreed)
	assert.True(t, first.Graceful)

	second := f.svc.Disconnect(ctx, sessionID, "client_quit", true)
	assert.False(t, second.SlotFreed)
	assert.False(t, second.Graceful)

	st, err := f.capacity.Status("instance-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveConnections)

	// 断开后令牌不可再用
	result := f.svc.Reconnect(ctx, &ReconnectRequest{
		InstanceID:      "instance-1",
		ReconnectToken:  connected.ReconnectToken.Value,
		ProtocolVersion: "1.2.0",
	})
	assert.Equal(t, model.ReasonTokenInvalid, result.Reason)
}

func TestAdmissionDisconnectEchoesGraceful(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)

	// 非优雅断开同样释放槽位，但按调用方声明回显
	result := f.svc.Disconnect(ctx, connected.Session.ID, "crash", false)
	assert.True(t, result.SlotFreed)
	assert.False(t, result.Graceful)
}

func TestAdmissionTransportDropMarksReconnecting(t *testing.T) {
	f := newAdmissionFixture(t)
	ctx := context.Background()

	connected := f.svc.Connect(ctx, f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, connected.Outcome)
	sessionID := connected.Session.ID

	require.NoError(t, f.sessions.SetStatus(sessionID, model.SessionStatusActive))
	f.svc.OnTransportDrop(sessionID)

	got, err := f.sessions.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusReconnecting, got.Status)

	// 未知会话不报错
	f.svc.OnTransportDrop("missing")
}
