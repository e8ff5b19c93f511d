package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lk2023060901/tilestone/app/arena/internal/dao"
	"github.com/lk2023060901/tilestone/app/arena/internal/manager"
	"github.com/lk2023060901/tilestone/app/arena/internal/model"
	"github.com/lk2023060901/tilestone/app/arena/internal/service"
	"github.com/lk2023060901/tilestone/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memActionKey struct {
	sessionID string
	sequence  int64
}

// memActionStore 测试用内存动作存储
type memActionStore struct {
	events map[memActionKey]*model.ActionEvent
}

func newMemActionStore() *memActionStore {
	return &memActionStore{events: make(map[memActionKey]*model.ActionEvent)}
}

func (s *memActionStore) Insert(_ context.Context, event *model.ActionEvent) error {
	key := memActionKey{event.SessionID, event.Sequence}
	if _, ok := s.events[key]; ok {
		return dao.ErrDuplicateAction
	}
	cp := *event
	s.events[key] = &cp
	return nil
}

func (s *memActionStore) GetBySessionSequence(_ context.Context, sessionID string, sequence int64) (*model.ActionEvent, error) {
	event, ok := s.events[memActionKey{sessionID, sequence}]
	if !ok {
		return nil, dao.ErrActionNotFound
	}
	cp := *event
	return &cp, nil
}

func (s *memActionStore) GetLatestForSession(_ context.Context, sessionID string) (*model.ActionEvent, error) {
	var latest *model.ActionEvent
	for key, event := range s.events {
		if key.sessionID != sessionID {
			continue
		}
		if latest == nil || event.Sequence > latest.Sequence {
			latest = event
		}
	}
	if latest == nil {
		return nil, dao.ErrActionNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memActionStore) ListRecentForCharacter(_ context.Context, characterID string, limit int) ([]*model.ActionEvent, error) {
	var events []*model.ActionEvent
	for _, event := range s.events {
		if event.CharacterID == characterID {
			cp := *event
			events = append(events, &cp)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

type staticIDGen struct{ next int64 }

func (g *staticIDGen) NextID() (int64, error) {
	g.next++
	return g.next, nil
}

type realtimeFixture struct {
	server   *httptest.Server
	sessions *manager.SessionManager
	version  *service.VersionService
}

func newRealtimeFixture(t *testing.T, grace time.Duration) *realtimeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sessions := manager.NewSessionManager(nil)
	tokens := manager.NewTokenManager(30*time.Second, nil)
	capacity := manager.NewCapacityManager([]manager.InstanceConfig{
		{ID: "instance-1", MaxConnections: 10, QueueCapacity: 5},
	}, nil)

	version, err := service.NewVersionService(&service.VersionConfig{
		MinCompatible: "1.2.0",
		UpgradeURL:    "https://example.com/download",
		GracePeriod:   grace,
	}, nil, nil)
	require.NoError(t, err)

	jwtManager, err := security.NewJWTManager(&security.JWTConfig{SecretKey: "test-secret"})
	require.NoError(t, err)

	admission := service.NewAdmissionService(
		nil, sessions, tokens, capacity, version, jwtManager, nil, nil, nil)
	actions := service.NewActionService(newMemActionStore(), sessions, &staticIDGen{}, nil, nil)
	intents := service.NewIntentService(nil, actions, nil, nil)

	h := NewRealtimeHandler(sessions, intents, admission, version, nil)
	router := gin.New()
	h.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &realtimeFixture{server: server, sessions: sessions, version: version}
}

func (f *realtimeFixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/realtime/instance-1?session=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *service.EventFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event service.EventFrame
	require.NoError(t, conn.ReadJSON(&event))
	return &event
}

func TestRealtimeIntentRoundTrip(t *testing.T) {
	f := newRealtimeFixture(t, time.Second)
	require.NoError(t, f.sessions.Create(&model.Session{
		ID:              "s1",
		UID:             101,
		CharacterID:     "char-1",
		InstanceID:      "instance-1",
		Status:          model.SessionStatusConnecting,
		ProtocolVersion: "1.2.0",
	}))

	conn := f.dial(t, "s1")

	// 握手完成后会话转入 active
	session, err := f.sessions.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusActive, session.Status)

	require.NoError(t, conn.WriteJSON(&service.IntentFrame{
		Type:     "intent.place_tile",
		ActionID: "a-1",
		Sequence: 1,
	}))

	event := readEvent(t, conn)
	assert.Equal(t, service.EventAck, event.Type)
	assert.Equal(t, "intent.place_tile", event.IntentType)
	assert.Equal(t, "a-1", event.ActionID)
	assert.Equal(t, service.AckStatusApplied, event.Status)
}

func TestRealtimeVersionTighteningDisconnects(t *testing.T) {
	f := newRealtimeFixture(t, 50*time.Millisecond)
	require.NoError(t, f.sessions.Create(&model.Session{
		ID:              "s1",
		UID:             101,
		CharacterID:     "char-1",
		InstanceID:      "instance-1",
		Status:          model.SessionStatusConnecting,
		ProtocolVersion: "1.2.0",
	}))

	conn := f.dial(t, "s1")

	// 意图往返确认读循环（以及版本订阅）已经就绪
	require.NoError(t, conn.WriteJSON(&service.IntentFrame{
		Type:     "intent.place_tile",
		ActionID: "a-1",
		Sequence: 1,
	}))
	require.Equal(t, service.EventAck, readEvent(t, conn).Type)

	require.NoError(t, f.version.SetMinCompatible("2.0.0"))

	event := readEvent(t, conn)
	require.Equal(t, service.EventVersionMismatch, event.Type)
	assert.Contains(t, string(event.Payload), "2.0.0")

	// 缓冲期结束后收到断开事件，连接随即关闭
	event = readEvent(t, conn)
	assert.Equal(t, service.EventDisconnect, event.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestRealtimeRejectsUnknownSession(t *testing.T) {
	f := newRealtimeFixture(t, time.Second)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/realtime/instance-1?session=missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
