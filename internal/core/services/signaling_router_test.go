package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/infrastructure/repositories/memory"
	apperrors "peercall/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingDeliverer struct {
	mu   sync.Mutex
	sent map[domain.ConnectionAddress][]domain.Message
	down map[domain.ConnectionAddress]bool
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{
		sent: make(map[domain.ConnectionAddress][]domain.Message),
		down: make(map[domain.ConnectionAddress]bool),
	}
}

func (d *recordingDeliverer) Deliver(_ context.Context, addr domain.ConnectionAddress, msg domain.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down[addr] {
		return domain.ErrDeliveryDrop
	}
	d.sent[addr] = append(d.sent[addr], msg)
	return nil
}

func (d *recordingDeliverer) setDown(addr domain.ConnectionAddress) {
	d.mu.Lock()
	d.down[addr] = true
	d.mu.Unlock()
}

func (d *recordingDeliverer) reset() {
	d.mu.Lock()
	d.sent = make(map[domain.ConnectionAddress][]domain.Message)
	d.mu.Unlock()
}

func messagesOf[T domain.Message](d *recordingDeliverer, addr domain.ConnectionAddress) []T {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []T
	for _, m := range d.sent[addr] {
		if typed, ok := m.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func (d *recordingDeliverer) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, msgs := range d.sent {
		n += len(msgs)
	}
	return n
}

type countingMetrics struct {
	NoopCallMetrics
	mu       sync.Mutex
	started  int
	active   int
	ended    map[domain.HangupReason]int
	rejected map[domain.HangupReason]int
	dropped  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		ended:    make(map[domain.HangupReason]int),
		rejected: make(map[domain.HangupReason]int),
	}
}

func (m *countingMetrics) SessionStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *countingMetrics) SessionActive(time.Duration) {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *countingMetrics) SessionEnded(reason domain.HangupReason, _ time.Duration) {
	m.mu.Lock()
	m.ended[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) CallRejected(reason domain.HangupReason) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) DeliveryDropped(string) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

type routerFixture struct {
	router   *SignalingRouter
	presence *memory.MemoryPresenceRegistry
	sessions *memory.MemoryCallSessionStore
	out      *recordingDeliverer
	metrics  *countingMetrics
}

func newRouterFixture(t *testing.T, cfg RouterConfig, opts ...RouterOption) *routerFixture {
	t.Helper()
	f := &routerFixture{
		presence: memory.NewMemoryPresenceRegistry(),
		sessions: memory.NewMemoryCallSessionStore(),
		out:      newRecordingDeliverer(),
		metrics:  newCountingMetrics(),
	}
	opts = append([]RouterOption{WithCallMetrics(f.metrics)}, opts...)
	f.router = NewSignalingRouter(f.presence, f.sessions, f.out, cfg, zaptest.NewLogger(t).Sugar(), opts...)
	t.Cleanup(f.router.Close)
	return f
}

func (f *routerFixture) handle(t *testing.T, from domain.ConnectionAddress, ev domain.Event) error {
	t.Helper()
	return f.router.Handle(context.Background(), from, ev)
}

func (f *routerFixture) register(t *testing.T, addr domain.ConnectionAddress, id domain.Identity) {
	t.Helper()
	require.NoError(t, f.handle(t, addr, domain.RegisterEvent{Identity: id, Profile: domain.Profile{Name: string(id)}}))
}

func (f *routerFixture) sessionCount(t *testing.T) int {
	t.Helper()
	n, err := f.sessions.Count(context.Background())
	require.NoError(t, err)
	return n
}

// ringing registers u1@a1 and u2@a2 and places a call from u1 to u2.
func (f *routerFixture) ringing(t *testing.T) domain.SessionID {
	t.Helper()
	f.register(t, "a1", "u1")
	f.register(t, "a2", "u2")
	require.NoError(t, f.handle(t, "a1", domain.CallEvent{Caller: "u1", Receiver: "u2"}))
	incoming := messagesOf[domain.IncomingCall](f.out, "a2")
	require.Len(t, incoming, 1)
	return incoming[0].SessionID
}

func (f *routerFixture) negotiating(t *testing.T) domain.SessionID {
	t.Helper()
	id := f.ringing(t)
	require.NoError(t, f.handle(t, "a2", domain.SignalEvent{
		SessionID: id,
		IsCaller:  false,
		Payload:   json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}))
	return id
}

func noRingTimeout() RouterConfig {
	cfg := DefaultRouterConfig()
	cfg.RingTimeout = 0
	return cfg
}

func TestRouter_ScenarioA_PresenceAndIncomingCall(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())

	f.register(t, "a1", "u1")
	f.register(t, "a2", "u2")

	for _, addr := range []domain.ConnectionAddress{"a1", "a2"} {
		updates := messagesOf[domain.PresenceUpdate](f.out, addr)
		require.NotEmpty(t, updates)
		last := updates[len(updates)-1]
		require.Len(t, last.Entries, 2)
		assert.Equal(t, domain.Identity("u1"), last.Entries[0].Identity)
		assert.Equal(t, domain.Identity("u2"), last.Entries[1].Identity)
	}

	require.NoError(t, f.handle(t, "a1", domain.CallEvent{Receiver: "u2"}))

	incoming := messagesOf[domain.IncomingCall](f.out, "a2")
	require.Len(t, incoming, 1)
	assert.Equal(t, domain.Identity("u1"), incoming[0].Caller.Identity)
	assert.Equal(t, "u1", incoming[0].Caller.Profile.Name)
	assert.Empty(t, messagesOf[domain.IncomingCall](f.out, "a1"))

	ringing := messagesOf[domain.CallRinging](f.out, "a1")
	require.Len(t, ringing, 1)
	assert.Equal(t, incoming[0].SessionID, ringing[0].SessionID)
	assert.Equal(t, domain.Identity("u2"), ringing[0].Receiver.Identity)

	session, err := f.sessions.FindByPair(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRinging, session.Phase)
	assert.Equal(t, 1, f.metrics.started)
}

func TestRouter_ScenarioB_AcceptRelaysToCallerOnly(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.ringing(t)

	payload := json.RawMessage(`{"type":"answer","sdp":"ANSWER"}`)
	require.NoError(t, f.handle(t, "a2", domain.SignalEvent{SessionID: id, IsCaller: false, Payload: payload}))

	relayed := messagesOf[domain.SignalEvent](f.out, "a1")
	require.Len(t, relayed, 1)
	assert.JSONEq(t, string(payload), string(relayed[0].Payload))
	assert.False(t, relayed[0].IsCaller)
	assert.Equal(t, id, relayed[0].SessionID)
	assert.Empty(t, messagesOf[domain.SignalEvent](f.out, "a2"))

	session, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseNegotiating, session.Phase)

	require.NoError(t, f.handle(t, "a1", domain.SignalEvent{SessionID: id, IsCaller: true, Payload: json.RawMessage(`{"type":"candidate"}`)}))
	assert.Len(t, messagesOf[domain.SignalEvent](f.out, "a2"), 1)
}

func TestRouter_ScenarioC_SecondCallIsBusy(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	f.ringing(t)

	require.NoError(t, f.handle(t, "a1", domain.CallEvent{Receiver: "u2"}))
	require.NoError(t, f.handle(t, "a2", domain.CallEvent{Receiver: "u1"}))

	assert.Len(t, messagesOf[domain.IncomingCall](f.out, "a2"), 1)
	assert.Empty(t, messagesOf[domain.IncomingCall](f.out, "a1"))
	assert.Len(t, messagesOf[domain.CallBusy](f.out, "a1"), 1)
	assert.Len(t, messagesOf[domain.CallBusy](f.out, "a2"), 1)
	assert.Equal(t, 1, f.sessionCount(t))
	assert.Equal(t, 2, f.metrics.rejected[domain.ReasonBusy])
}

func TestRouter_ScenarioD_DisconnectDuringNegotiation(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.negotiating(t)
	f.out.reset()

	require.NoError(t, f.handle(t, "a2", domain.DisconnectEvent{}))

	hangups := messagesOf[domain.HangupEvent](f.out, "a1")
	require.Len(t, hangups, 1)
	assert.Equal(t, id, hangups[0].SessionID)
	assert.Equal(t, domain.ReasonDisconnect, hangups[0].Reason)
	assert.Equal(t, domain.Identity("u2"), hangups[0].Initiator)

	updates := messagesOf[domain.PresenceUpdate](f.out, "a1")
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Entries, 1)
	assert.Equal(t, domain.Identity("u1"), updates[0].Entries[0].Identity)

	assert.Equal(t, 0, f.sessionCount(t))
	assert.Equal(t, 1, f.metrics.ended[domain.ReasonDisconnect])
}

func TestRouter_ScenarioE_SimultaneousHangup(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.negotiating(t)
	f.out.reset()

	require.NoError(t, f.handle(t, "a1", domain.HangupEvent{SessionID: id, Initiator: "u1"}))
	err := f.handle(t, "a2", domain.HangupEvent{SessionID: id, Initiator: "u2"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	toReceiver := messagesOf[domain.HangupEvent](f.out, "a2")
	require.Len(t, toReceiver, 1)
	assert.Equal(t, domain.ReasonHangup, toReceiver[0].Reason)
	assert.Equal(t, domain.Identity("u1"), toReceiver[0].Initiator)
	assert.Empty(t, messagesOf[domain.HangupEvent](f.out, "a1"))

	assert.Equal(t, 0, f.sessionCount(t))
	assert.Equal(t, 1, f.metrics.ended[domain.ReasonHangup])
}

func TestRouter_CallUnavailable(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	f.register(t, "a1", "u1")

	require.NoError(t, f.handle(t, "a1", domain.CallEvent{Receiver: "ghost"}))

	unavailable := messagesOf[domain.CallUnavailable](f.out, "a1")
	require.Len(t, unavailable, 1)
	assert.Equal(t, domain.Identity("ghost"), unavailable[0].Receiver)
	assert.Equal(t, 0, f.sessionCount(t))
	assert.Equal(t, 1, f.metrics.rejected[domain.ReasonUnavailable])
}

func TestRouter_RejectsBadInput(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())

	err := f.handle(t, "a1", domain.CallEvent{Receiver: "u2"})
	assert.ErrorIs(t, err, domain.ErrNotRegistered)

	err = f.handle(t, "a1", domain.RegisterEvent{Identity: ""})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)

	f.register(t, "a1", "u1")
	err = f.handle(t, "a1", domain.CallEvent{Receiver: "u1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)

	err = f.handle(t, "a1", domain.RegisterEvent{Identity: "someone-else"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.handle(t, "a1", bogusEvent{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.handle(t, "a1", domain.HangupEvent{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)
}

type bogusEvent struct{}

func (bogusEvent) EventType() string { return "bogus" }

func TestRouter_StaleSignalIsDropped(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.negotiating(t)
	require.NoError(t, f.handle(t, "a1", domain.HangupEvent{SessionID: id}))
	f.out.reset()

	err := f.handle(t, "a2", domain.SignalEvent{SessionID: id, Payload: json.RawMessage(`{"type":"candidate"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.handle(t, "a2", domain.ConnectedEvent{SessionID: id})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, 0, f.out.total())
}

func TestRouter_SignalRoleMismatch(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.ringing(t)
	f.register(t, "a3", "u3")
	f.out.reset()

	payload := json.RawMessage(`{"type":"offer"}`)
	err := f.handle(t, "a1", domain.SignalEvent{SessionID: id, IsCaller: false, Payload: payload})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.handle(t, "a3", domain.SignalEvent{SessionID: id, IsCaller: true, Payload: payload})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.handle(t, "a3", domain.HangupEvent{SessionID: id})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, 0, f.out.total())

	session, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseRinging, session.Phase)
}

func TestRouter_ConnectedFromBothSidesMakesActive(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.negotiating(t)
	ctx := context.Background()

	require.NoError(t, f.handle(t, "a1", domain.ConnectedEvent{SessionID: id, IsCaller: true}))
	session, err := f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseNegotiating, session.Phase)

	require.NoError(t, f.handle(t, "a2", domain.ConnectedEvent{SessionID: id, IsCaller: false}))
	session, err = f.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, session.Phase)
	assert.Equal(t, 1, f.metrics.active)

	err = f.handle(t, "a2", domain.ConnectedEvent{SessionID: id, IsCaller: false})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRouter_ReconnectKeepsSession(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.negotiating(t)

	f.register(t, "a2b", "u2")
	f.out.reset()

	require.NoError(t, f.handle(t, "a2", domain.DisconnectEvent{}))
	assert.Equal(t, 0, f.out.total())
	assert.Equal(t, 1, f.sessionCount(t))

	require.NoError(t, f.handle(t, "a1", domain.SignalEvent{SessionID: id, IsCaller: true, Payload: json.RawMessage(`{"type":"answer"}`)}))
	assert.Len(t, messagesOf[domain.SignalEvent](f.out, "a2b"), 1)
	assert.Empty(t, messagesOf[domain.SignalEvent](f.out, "a2"))
}

func TestRouter_HangupBeforeAckUsesPeer(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.ringing(t)
	f.out.reset()

	require.NoError(t, f.handle(t, "a1", domain.HangupEvent{Peer: "u2", Reason: domain.ReasonHangup}))

	hangups := messagesOf[domain.HangupEvent](f.out, "a2")
	require.Len(t, hangups, 1)
	assert.Equal(t, id, hangups[0].SessionID)
	assert.Equal(t, 0, f.sessionCount(t))
}

func TestRouter_DeclineCarriesReason(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	id := f.ringing(t)

	require.NoError(t, f.handle(t, "a2", domain.HangupEvent{SessionID: id, Reason: domain.ReasonDeclined}))

	hangups := messagesOf[domain.HangupEvent](f.out, "a1")
	require.Len(t, hangups, 1)
	assert.Equal(t, domain.ReasonDeclined, hangups[0].Reason)
	assert.Equal(t, 1, f.metrics.ended[domain.ReasonDeclined])
}

func TestRouter_RingTimeout(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.RingTimeout = 20 * time.Millisecond
	f := newRouterFixture(t, cfg)
	id := f.ringing(t)

	assert.Eventually(t, func() bool {
		return len(messagesOf[domain.HangupEvent](f.out, "a1")) == 1 &&
			len(messagesOf[domain.HangupEvent](f.out, "a2")) == 1
	}, time.Second, 5*time.Millisecond)

	hangup := messagesOf[domain.HangupEvent](f.out, "a1")[0]
	assert.Equal(t, id, hangup.SessionID)
	assert.Equal(t, domain.ReasonTimeout, hangup.Reason)
	assert.Equal(t, 0, f.sessionCount(t))
}

func TestRouter_AcceptStopsRingTimer(t *testing.T) {
	cfg := DefaultRouterConfig()
	cfg.RingTimeout = 20 * time.Millisecond
	f := newRouterFixture(t, cfg)
	f.negotiating(t)

	time.Sleep(80 * time.Millisecond)

	assert.Empty(t, messagesOf[domain.HangupEvent](f.out, "a1"))
	assert.Equal(t, 1, f.sessionCount(t))
}

func TestRouter_DeliveryDropDoesNotFailCall(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	f.register(t, "a1", "u1")
	f.register(t, "a2", "u2")
	f.out.setDown("a2")

	require.NoError(t, f.handle(t, "a1", domain.CallEvent{Receiver: "u2"}))
	assert.Len(t, messagesOf[domain.CallRinging](f.out, "a1"), 1)
	assert.Equal(t, 1, f.sessionCount(t))
	assert.GreaterOrEqual(t, f.metrics.dropped, 1)
}

func TestRouter_ConcurrentCallsCreateOneSession(t *testing.T) {
	f := newRouterFixture(t, noRingTimeout())
	f.register(t, "a1", "u1")
	f.register(t, "a2", "u2")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = f.router.Handle(context.Background(), "a1", domain.CallEvent{Receiver: "u2"})
		}()
		go func() {
			defer wg.Done()
			_ = f.router.Handle(context.Background(), "a2", domain.CallEvent{Receiver: "u1"})
		}()
	}
	wg.Wait()

	incoming := len(messagesOf[domain.IncomingCall](f.out, "a1")) + len(messagesOf[domain.IncomingCall](f.out, "a2"))
	assert.Equal(t, 1, incoming)
	assert.Equal(t, 1, f.sessionCount(t))
}

func TestRouter_IdentityVerifier(t *testing.T) {
	identities := NewIdentityService("secret", "peercall", time.Hour)
	f := newRouterFixture(t, noRingTimeout(), WithIdentityVerifier(identities))

	err := f.handle(t, "a1", domain.RegisterEvent{Identity: "u1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetAppError(err).Code)

	token, err := identities.IssueToken("u1")
	require.NoError(t, err)
	require.NoError(t, f.handle(t, "a1", domain.RegisterEvent{Identity: "u1", Token: token}))

	err = f.handle(t, "a2", domain.RegisterEvent{Identity: "u2", Token: token})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetAppError(err).Code)
}
