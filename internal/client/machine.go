package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/internal/core/domain"

	"go.uber.org/zap"
)

var (
	// ErrCallAborted is returned when the call ended while media or the peer link
	// was being set up.
	ErrCallAborted   = errors.New("call ended before it was set up")
	ErrNotRinging    = errors.New("no incoming call to answer")
	ErrInvalidTarget = errors.New("invalid call target")
)

// Sender writes events to the relay.
type Sender interface {
	Send(ctx context.Context, ev domain.Event) error
}

type Config struct {
	Identity     domain.Identity
	GracePeriod  time.Duration
	MediaTimeout time.Duration
}

// Machine drives one client's call. User actions and relay messages may arrive
// concurrently; teardown is idempotent so whichever comes first wins.
type Machine struct {
	cfg     Config
	sender  Sender
	devices MediaDevices
	links   PeerLinkFactory
	logger  *zap.SugaredLogger

	sendMu sync.Mutex // orders outbound events across flushes

	mu        sync.Mutex
	state     State
	gen       uint64
	isCaller  bool
	peer      domain.PresenceInfo
	session   domain.SessionID
	callSent  bool
	endReason domain.HangupReason
	media     LocalMedia
	link      PeerLink
	opening   bool // a link for the current call is being built
	pending   []json.RawMessage
	grace     *time.Timer
	roster    []domain.PresenceInfo
	micOn     bool
	camOn     bool

	outbox    []domain.Event
	changes   []Snapshot
	release   []func() error
	observers []func(Snapshot)
}

func NewMachine(cfg Config, sender Sender, devices MediaDevices, links PeerLinkFactory, logger *zap.SugaredLogger) *Machine {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	return &Machine{
		cfg:     cfg,
		sender:  sender,
		devices: devices,
		links:   links,
		logger:  logger.With("identity", cfg.Identity),
		state:   StateIdle,
		micOn:   true,
		camOn:   true,
	}
}

// OnStateChange registers fn to be called after every change. Observers run
// outside the machine lock and may call back into the machine.
func (m *Machine) OnStateChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Roster returns the other registered identities from the last presence update.
func (m *Machine) Roster() []domain.PresenceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PresenceInfo, 0, len(m.roster))
	for _, p := range m.roster {
		if p.Identity != m.cfg.Identity {
			out = append(out, p)
		}
	}
	return out
}

// Register announces this client to the relay.
func (m *Machine) Register(ctx context.Context, profile domain.Profile, token string) error {
	return m.sender.Send(ctx, domain.RegisterEvent{Identity: m.cfg.Identity, Profile: profile, Token: token})
}

// PlaceCall starts a call to receiver. Media is acquired without holding the
// machine, so an inbound hangup or a local Hangup can still end the call.
func (m *Machine) PlaceCall(ctx context.Context, receiver domain.Identity) error {
	m.mu.Lock()
	if receiver == "" || receiver == m.cfg.Identity {
		m.mu.Unlock()
		return ErrInvalidTarget
	}
	if m.state.InCall() {
		m.mu.Unlock()
		return domain.ErrCallInProgress
	}
	m.stopGraceLocked()
	m.gen++
	gen := m.gen
	m.isCaller = true
	m.peer = m.rosterInfoLocked(receiver)
	m.session = ""
	m.callSent = false
	m.endReason = ""
	m.setStateLocked(StateCalling)
	m.mu.Unlock()
	m.flush(ctx)

	media := AcquireMedia(ctx, m.devices, m.cfg.MediaTimeout, m.logger)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		media.Close()
		return ErrCallAborted
	}
	m.attachMediaLocked(media)
	m.callSent = true
	m.enqueueLocked(domain.CallEvent{Caller: m.cfg.Identity, Receiver: receiver})
	m.mu.Unlock()

	if err := m.flush(ctx); err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.teardownLocked(domain.ReasonFailure, false)
		}
		m.mu.Unlock()
		m.flush(ctx)
		return fmt.Errorf("send call: %w", err)
	}
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIncoming {
		m.mu.Unlock()
		return ErrNotRinging
	}
	gen := m.gen
	m.mu.Unlock()

	media := AcquireMedia(ctx, m.devices, m.cfg.MediaTimeout, m.logger)

	m.mu.Lock()
	if m.gen != gen || m.state != StateRingingIncoming {
		m.mu.Unlock()
		media.Close()
		return ErrCallAborted
	}
	m.attachMediaLocked(media)
	m.opening = true
	m.setStateLocked(StateNegotiating)
	m.mu.Unlock()

	if err := m.openLink(gen, RoleReceiver, media); err != nil {
		m.flush(ctx)
		return err
	}
	return m.flush(ctx)
}

// Decline rejects the ringing incoming call.
func (m *Machine) Decline(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRingingIncoming {
		m.mu.Unlock()
		return ErrNotRinging
	}
	m.teardownLocked(domain.ReasonDeclined, true)
	m.mu.Unlock()
	return m.flush(ctx)
}

// Hangup ends the current call. Calling it with no call in progress is a no-op.
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	m.teardownLocked(domain.ReasonHangup, true)
	m.mu.Unlock()
	return m.flush(ctx)
}

// HandleMessage applies one message received from the relay.
func (m *Machine) HandleMessage(ctx context.Context, msg domain.Message) {
	var open bool
	m.mu.Lock()
	switch msg := msg.(type) {
	case domain.PresenceUpdate:
		m.roster = msg.Entries

	case domain.CallRinging:
		if m.state == StateCalling && msg.Receiver.Identity == m.peer.Identity {
			m.session = msg.SessionID
			m.peer = msg.Receiver
			m.setStateLocked(StateRinging)
		}

	case domain.CallUnavailable:
		if m.state == StateCalling && msg.Receiver == m.peer.Identity {
			m.teardownLocked(domain.ReasonUnavailable, false)
		}

	case domain.CallBusy:
		if m.state == StateCalling && msg.Receiver == m.peer.Identity {
			m.teardownLocked(domain.ReasonBusy, false)
		}

	case domain.IncomingCall:
		m.handleIncomingLocked(msg)

	case domain.SignalEvent:
		open = m.handleSignalLocked(msg)

	case domain.HangupEvent:
		if msg.SessionID != "" && msg.SessionID == m.session {
			reason := msg.Reason
			if reason == "" {
				reason = domain.ReasonHangup
			}
			m.teardownLocked(reason, false)
		}

	case domain.ErrorNotice:
		m.logger.Warnw("relay rejected an event", "code", msg.Code, "message", msg.Message)

	default:
		m.logger.Debugw("ignoring message", "type", msg.MessageType())
	}
	gen, media := m.gen, m.linkMediaLocked()
	m.mu.Unlock()

	if open {
		if err := m.openLink(gen, RoleCaller, media); err != nil && !errors.Is(err, ErrCallAborted) {
			m.logger.Warnw("peer link setup failed", "error", err)
		}
	}
	m.flush(ctx)
}

// ToggleMicrophone flips the local audio track and returns the new setting.
func (m *Machine) ToggleMicrophone() bool {
	m.mu.Lock()
	m.micOn = !m.micOn
	if m.media != nil {
		m.media.SetAudioEnabled(m.micOn)
	}
	m.changes = append(m.changes, m.snapshotLocked())
	on := m.micOn
	m.mu.Unlock()

	m.flush(context.Background())
	return on
}

// ToggleCamera flips the local video track and returns the new setting.
func (m *Machine) ToggleCamera() bool {
	m.mu.Lock()
	m.camOn = !m.camOn
	if m.media != nil {
		m.media.SetVideoEnabled(m.camOn)
	}
	m.changes = append(m.changes, m.snapshotLocked())
	on := m.camOn
	m.mu.Unlock()

	m.flush(context.Background())
	return on
}

type MediaStatus struct {
	HasAudio      bool
	HasVideo      bool
	MicEnabled    bool
	CameraEnabled bool
}

func (m *Machine) MediaStatus() MediaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MediaStatus{MicEnabled: m.micOn, CameraEnabled: m.camOn}
	if m.media != nil {
		st.HasAudio = m.media.HasAudio()
		st.HasVideo = m.media.HasVideo()
	}
	return st
}

// Close hangs up any call in progress and stops pending timers.
func (m *Machine) Close(ctx context.Context) error {
	err := m.Hangup(ctx)
	m.mu.Lock()
	m.stopGraceLocked()
	m.mu.Unlock()
	return err
}

func (m *Machine) handleIncomingLocked(msg domain.IncomingCall) {
	if m.state.InCall() {
		m.logger.Infow("busy, declining incoming call", "session_id", msg.SessionID, "caller", msg.Caller.Identity)
		m.enqueueLocked(domain.HangupEvent{
			SessionID: msg.SessionID,
			Initiator: m.cfg.Identity,
			Peer:      msg.Caller.Identity,
			Reason:    domain.ReasonBusy,
		})
		return
	}

	m.stopGraceLocked()
	m.gen++
	m.isCaller = false
	m.session = msg.SessionID
	m.peer = msg.Caller
	m.callSent = false
	m.endReason = ""
	m.pending = nil
	m.opening = false
	m.setStateLocked(StateRingingIncoming)
}

// handleSignalLocked feeds sig to the link, or queues it until the link exists.
// It reports whether the caller side has to build its link now.
func (m *Machine) handleSignalLocked(sig domain.SignalEvent) bool {
	if m.session == "" || sig.SessionID != m.session || !m.state.InCall() {
		m.logger.Debugw("dropping signal for another session", "session_id", sig.SessionID)
		return false
	}
	if sig.IsCaller == m.isCaller {
		m.logger.Debugw("dropping signal from own role", "session_id", sig.SessionID)
		return false
	}

	if m.link != nil {
		m.feedLocked(sig.Payload)
		return false
	}

	// not accepted yet, or the link is still being built
	m.pending = append(m.pending, sig.Payload)
	if !m.isCaller || m.opening {
		return false
	}
	m.opening = true
	m.setStateLocked(StateNegotiating)
	return true
}

func (m *Machine) feedLocked(payload json.RawMessage) {
	if err := m.link.FeedRemotePayload(payload); err != nil {
		m.logger.Warnw("remote payload rejected", "session_id", m.session, "error", err)
	}
}

func (m *Machine) linkMediaLocked() LocalMedia {
	if m.media == nil {
		return DisabledMedia{}
	}
	return m.media
}

// openLink builds the peer link for call generation gen without holding the
// machine, since negotiation setup may block. The call can end meanwhile; a
// link built for an ended call is closed and ErrCallAborted returned. Payloads
// queued while building are fed once the link is attached. Its callbacks are
// bound to gen and go quiet once the call ends.
func (m *Machine) openLink(gen uint64, role Role, media LocalMedia) error {
	link, err := m.links.NewPeerLink(role, media)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if err == nil {
			link.Close()
		}
		return ErrCallAborted
	}
	m.opening = false
	if err != nil {
		m.teardownLocked(domain.ReasonFailure, true)
		m.mu.Unlock()
		return fmt.Errorf("create %s peer link: %w", role, err)
	}

	link.OnLocalPayload(func(p json.RawMessage) { m.onLocalPayload(gen, p) })
	link.OnStreamEstablished(func() { m.onStreamEstablished(gen) })
	link.OnFailure(func(err error) { m.onLinkFailure(gen, err) })
	m.link = link

	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		m.feedLocked(p)
	}
	m.mu.Unlock()
	return nil
}

func (m *Machine) onLocalPayload(gen uint64, payload json.RawMessage) {
	m.mu.Lock()
	if gen != m.gen || m.link == nil {
		m.mu.Unlock()
		return
	}
	m.enqueueLocked(domain.SignalEvent{SessionID: m.session, IsCaller: m.isCaller, Payload: payload})
	m.mu.Unlock()
	m.flush(context.Background())
}

func (m *Machine) onStreamEstablished(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateActive)
	m.enqueueLocked(domain.ConnectedEvent{SessionID: m.session, IsCaller: m.isCaller})
	m.mu.Unlock()
	m.flush(context.Background())
}

func (m *Machine) onLinkFailure(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warnw("peer link failed", "session_id", m.session, "error", err)
	m.teardownLocked(domain.ReasonFailure, true)
	m.mu.Unlock()
	m.flush(context.Background())
}

// teardownLocked ends the call, releasing link and media outside the lock, and
// schedules the return to Idle. It does nothing when no call is in progress.
func (m *Machine) teardownLocked(reason domain.HangupReason, notify bool) {
	if !m.state.InCall() {
		return
	}
	if notify && (m.callSent || m.session != "") {
		m.enqueueLocked(domain.HangupEvent{
			SessionID: m.session,
			Initiator: m.cfg.Identity,
			Peer:      m.peer.Identity,
			Reason:    reason,
		})
	}

	m.gen++
	if m.link != nil {
		m.release = append(m.release, m.link.Close)
	}
	if m.media != nil {
		m.release = append(m.release, m.media.Close)
	}
	m.link = nil
	m.media = nil
	m.opening = false
	m.pending = nil
	m.callSent = false
	m.endReason = reason
	m.setStateLocked(StateEnded)

	gen := m.gen
	m.stopGraceLocked()
	m.grace = time.AfterFunc(m.cfg.GracePeriod, func() { m.finishGrace(gen) })
}

func (m *Machine) finishGrace(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateEnded {
		m.mu.Unlock()
		return
	}
	m.grace = nil
	m.session = ""
	m.peer = domain.PresenceInfo{}
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.flush(context.Background())
}

func (m *Machine) stopGraceLocked() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

func (m *Machine) attachMediaLocked(media LocalMedia) {
	media.SetAudioEnabled(m.micOn)
	media.SetVideoEnabled(m.camOn)
	m.media = media
}

func (m *Machine) rosterInfoLocked(id domain.Identity) domain.PresenceInfo {
	for _, p := range m.roster {
		if p.Identity == id {
			return p
		}
	}
	return domain.PresenceInfo{Identity: id}
}

func (m *Machine) setStateLocked(s State) {
	if m.state != s {
		m.logger.Debugw("call state", "from", m.state, "to", s, "session_id", m.session)
	}
	m.state = s
	m.changes = append(m.changes, m.snapshotLocked())
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:         m.state,
		SessionID:     m.session,
		Peer:          m.peer,
		IsCaller:      m.isCaller,
		EndReason:     m.endReason,
		MicEnabled:    m.micOn,
		CameraEnabled: m.camOn,
	}
}

func (m *Machine) enqueueLocked(ev domain.Event) {
	m.outbox = append(m.outbox, ev)
}

// flush sends queued events in order, releases resources of ended calls and
// notifies observers. It returns the first send error.
func (m *Machine) flush(ctx context.Context) error {
	m.sendMu.Lock()

	m.mu.Lock()
	outbox, changes, release, observers := m.outbox, m.changes, m.release, m.observers
	m.outbox, m.changes, m.release = nil, nil, nil
	m.mu.Unlock()

	var firstErr error
	for _, ev := range outbox {
		if err := m.sender.Send(ctx, ev); err != nil {
			m.logger.Warnw("send failed", "type", ev.EventType(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, closeFn := range release {
		if err := closeFn(); err != nil {
			m.logger.Debugw("release failed", "error", err)
		}
	}
	m.sendMu.Unlock()

	for _, snap := range changes {
		for _, fn := range observers {
			fn(snap)
		}
	}
	return firstErr
}
