package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/repositories/memory"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type relayFixture struct {
	url    string
	hub    *Hub
	server *WebSocketServer
}

func startRelay(t *testing.T, cfg ServerConfig) *relayFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	hub := NewHub(64, 0, logger)
	routerCfg := services.DefaultRouterConfig()
	routerCfg.RingTimeout = 0
	router := services.NewSignalingRouter(
		memory.NewMemoryPresenceRegistry(),
		memory.NewMemoryCallSessionStore(),
		hub,
		routerCfg,
		logger,
	)
	srv := NewWebSocketServer(hub, router, cfg, logger)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		hub.CloseAll()
		ts.Close()
		router.Close()
	})

	return &relayFixture{
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
		hub:    hub,
		server: srv,
	}
}

type testPeer struct {
	client *Client
	inbox  chan domain.Message
	cancel context.CancelFunc
}

func dialPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	client, err := Dial(context.Background(), ClientConfig{URL: url, Retry: retry.Config{MaxAttempts: 0}}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &testPeer{client: client, inbox: make(chan domain.Message, 64), cancel: cancel}
	go client.Run(ctx, func(m domain.Message) { p.inbox <- m })
	t.Cleanup(cancel)
	return p
}

func (p *testPeer) send(t *testing.T, ev domain.Event) {
	t.Helper()
	require.NoError(t, p.client.Send(context.Background(), ev))
}

// expect waits for the next message of type T, skipping any other messages.
func expect[T domain.Message](t *testing.T, p *testPeer) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-p.inbox:
			if typed, ok := m.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestWebSocketServer_CallFlow(t *testing.T) {
	relay := startRelay(t, DefaultServerConfig())

	alice := dialPeer(t, relay.url)
	bob := dialPeer(t, relay.url)

	alice.send(t, domain.RegisterEvent{Identity: "alice", Profile: domain.Profile{Name: "Alice"}})
	expect[domain.PresenceUpdate](t, alice)
	bob.send(t, domain.RegisterEvent{Identity: "bob", Profile: domain.Profile{Name: "Bob"}})

	update := expect[domain.PresenceUpdate](t, bob)
	require.Len(t, update.Entries, 2)
	update = expect[domain.PresenceUpdate](t, alice)
	require.Len(t, update.Entries, 2)

	alice.send(t, domain.CallEvent{Receiver: "bob"})
	incoming := expect[domain.IncomingCall](t, bob)
	assert.Equal(t, domain.Identity("alice"), incoming.Caller.Identity)
	ringing := expect[domain.CallRinging](t, alice)
	assert.Equal(t, incoming.SessionID, ringing.SessionID)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	bob.send(t, domain.SignalEvent{SessionID: incoming.SessionID, IsCaller: false, Payload: offer})
	relayed := expect[domain.SignalEvent](t, alice)
	assert.JSONEq(t, string(offer), string(relayed.Payload))

	bob.cancel()

	// presence goes out before the synthetic hangup
	update = expect[domain.PresenceUpdate](t, alice)
	require.Len(t, update.Entries, 1)
	assert.Equal(t, domain.Identity("alice"), update.Entries[0].Identity)

	hangup := expect[domain.HangupEvent](t, alice)
	assert.Equal(t, incoming.SessionID, hangup.SessionID)
	assert.Equal(t, domain.ReasonDisconnect, hangup.Reason)
}

func TestWebSocketServer_ErrorNotices(t *testing.T) {
	relay := startRelay(t, DefaultServerConfig())
	peer := dialPeer(t, relay.url)

	peer.send(t, domain.CallEvent{Receiver: "bob"})
	notice := expect[domain.ErrorNotice](t, peer)
	assert.Equal(t, "UNAUTHORIZED", notice.Code)

	peer.send(t, domain.RegisterEvent{Identity: ""})
	notice = expect[domain.ErrorNotice](t, peer)
	assert.Equal(t, "INVALID_INPUT", notice.Code)
}

func TestWebSocketServer_MalformedFramesAreIgnored(t *testing.T) {
	relay := startRelay(t, DefaultServerConfig())

	conn, _, err := websocket.DefaultDialer.Dial(relay.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"joinRoom"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	frame, err := EncodeEvent(domain.RegisterEvent{Identity: "carol"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.IsType(t, domain.PresenceUpdate{}, msg)
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MessagesPerSecond = 1
	cfg.Burst = 1
	relay := startRelay(t, cfg)
	peer := dialPeer(t, relay.url)

	peer.send(t, domain.RegisterEvent{Identity: "dave"})
	peer.send(t, domain.RegisterEvent{Identity: "dave"})

	notice := expect[domain.ErrorNotice](t, peer)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", notice.Code)
}

func TestWebSocketServer_CheckOrigin(t *testing.T) {
	srv := NewWebSocketServer(nil, nil, ServerConfig{AllowedOrigins: []string{"app.example.com"}}, zaptest.NewLogger(t).Sugar())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, srv.checkOrigin(req))
}
