package service

import (
	"context"
	"testing"
	"time"

	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceSweepSessions(t *testing.T) {
	f := newAdmissionFixture(t)

	result := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, result.Outcome)
	sessionID := result.Session.ID

	// 断线后长时间未重连
	require.NoError(t, f.sessions.SetStatus(sessionID, model.SessionStatusActive))
	require.NoError(t, f.sessions.SetStatus(sessionID, model.SessionStatusReconnecting))

	maint := NewMaintenanceService(&MaintenanceConfig{
		SessionSweepSpec: "@every 30s",
		TokenSweepSpec:   "@every 1m",
		SessionMaxIdle:   time.Nanosecond,
	}, f.sessions, f.tokens, nil, f.svc, nil)

	time.Sleep(time.Millisecond)
	maint.SweepSessions()

	_, err := f.sessions.Get(sessionID)
	assert.ErrorIs(t, err, manager.ErrSessionNotFound)

	// 槽位已释放，令牌已撤销
	st, err := f.capacity.Status("instance-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveConnections)

	_, err = f.tokens.Consume(result.ReconnectToken.Value, time.Now())
	assert.ErrorIs(t, err, manager.ErrTokenNotFound)
}

func TestMaintenanceSweepSessionsKeepsFresh(t *testing.T) {
	f := newAdmissionFixture(t)

	result := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, result.Outcome)
	require.NoError(t, f.sessions.SetStatus(result.Session.ID, model.SessionStatusActive))

	maint := NewMaintenanceService(&MaintenanceConfig{
		SessionSweepSpec: "@every 30s",
		TokenSweepSpec:   "@every 1m",
		SessionMaxIdle:   time.Hour,
	}, f.sessions, f.tokens, nil, f.svc, nil)

	maint.SweepSessions()

	// 心跳在阈值之内的会话不被回收
	_, err := f.sessions.Get(result.Session.ID)
	assert.NoError(t, err)
}

func TestMaintenanceSweepSessionsReclaimsAbandonedHandshake(t *testing.T) {
	f := newAdmissionFixture(t)

	// 准入成功但客户端从未建立实时连接
	result := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, result.Outcome)

	maint := NewMaintenanceService(&MaintenanceConfig{
		SessionSweepSpec: "@every 30s",
		TokenSweepSpec:   "@every 1m",
		SessionMaxIdle:   time.Nanosecond,
	}, f.sessions, f.tokens, nil, f.svc, nil)

	time.Sleep(time.Millisecond)
	maint.SweepSessions()

	_, err := f.sessions.Get(result.Session.ID)
	assert.ErrorIs(t, err, manager.ErrSessionNotFound)

	st, err := f.capacity.Status("instance-1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveConnections)
}

func TestMaintenanceSweepTokens(t *testing.T) {
	f := newAdmissionFixture(t, withTokenTTL(time.Nanosecond))

	result := f.svc.Connect(context.Background(), f.connectRequest(t, 101))
	require.Equal(t, model.AdmissionSuccess, result.Outcome)
	require.Equal(t, 1, f.tokens.Count())

	maint := NewMaintenanceService(nil, f.sessions, f.tokens, nil, f.svc, nil)

	time.Sleep(time.Millisecond)
	maint.SweepTokens()

	assert.Equal(t, 0, f.tokens.Count())
}
