package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	apperrors "peercall/pkg/errors"
	plog "peercall/pkg/logger"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"go.uber.org/zap"
)

type RouterConfig struct {
	// RingTimeout ends a call nobody answered. Zero disables the timer.
	RingTimeout     time.Duration
	MaxPayloadBytes int
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		RingTimeout:     45 * time.Second,
		MaxPayloadBytes: 64 * 1024,
	}
}

type RouterOption func(*SignalingRouter)

// WithIdentityVerifier makes register require a valid identity token.
func WithIdentityVerifier(v ports.IdentityVerifier) RouterOption {
	return func(r *SignalingRouter) { r.verifier = v }
}

func WithCallMetrics(m ports.CallMetrics) RouterOption {
	return func(r *SignalingRouter) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithClock(now func() time.Time) RouterOption {
	return func(r *SignalingRouter) { r.now = now }
}

// SignalingRouter decides, for every inbound event, which connections receive
// which outbound messages. Events are handled one at a time to completion.
type SignalingRouter struct {
	mu sync.Mutex

	presence ports.PresenceRegistry
	sessions ports.CallSessionStore
	deliver  ports.Deliverer
	verifier ports.IdentityVerifier
	metrics  ports.CallMetrics
	logger   *plog.ContextLogger
	cfg      RouterConfig
	now      func() time.Time

	ringTimers map[domain.SessionID]*time.Timer
	closed     bool
}

var _ ports.EventHandler = (*SignalingRouter)(nil)

func NewSignalingRouter(
	presence ports.PresenceRegistry,
	sessions ports.CallSessionStore,
	deliver ports.Deliverer,
	cfg RouterConfig,
	logger *zap.SugaredLogger,
	opts ...RouterOption,
) *SignalingRouter {
	r := &SignalingRouter{
		presence:   presence,
		sessions:   sessions,
		deliver:    deliver,
		metrics:    NoopCallMetrics{},
		logger:     plog.NewContextLogger(logger.Desugar()),
		cfg:        cfg,
		now:        time.Now,
		ringTimers: make(map[domain.SessionID]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound event from the connection at from. Unknown event
// types are rejected as invalid transitions.
func (r *SignalingRouter) Handle(ctx context.Context, from domain.ConnectionAddress, ev domain.Event) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eventType := "unknown"
	if ev != nil {
		eventType = ev.EventType()
	}
	ctx, span := tracing.TraceSignalingEvent(ctx, eventType, string(from))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
		r.metrics.EventHandled(eventType, err)
	}()

	switch e := ev.(type) {
	case domain.RegisterEvent:
		return r.handleRegister(ctx, from, e)
	case domain.CallEvent:
		return r.handleCall(ctx, from, e)
	case domain.SignalEvent:
		return r.handleSignal(ctx, from, e)
	case domain.ConnectedEvent:
		return r.handleConnected(ctx, from, e)
	case domain.HangupEvent:
		return r.handleHangup(ctx, from, e)
	case domain.DisconnectEvent:
		return r.handleDisconnect(ctx, from)
	default:
		return fmt.Errorf("%w: unsupported event %q", domain.ErrInvalidTransition, eventType)
	}
}

// log carries the trace and connection fields found in ctx.
func (r *SignalingRouter) log(ctx context.Context) *zap.SugaredLogger {
	return r.logger.Sugar(ctx)
}

// Close stops pending ring timers. Events handled afterwards still work but no
// new timers fire.
func (r *SignalingRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, t := range r.ringTimers {
		t.Stop()
		delete(r.ringTimers, id)
	}
}

func (r *SignalingRouter) handleRegister(ctx context.Context, from domain.ConnectionAddress, ev domain.RegisterEvent) error {
	if err := validation.ValidateIdentity(string(ev.Identity)); err != nil {
		return apperrors.NewInvalidInputError(err.Error()).WithContext("field", "identity")
	}
	if err := validation.ValidateDisplayName(ev.Profile.Name); err != nil {
		return apperrors.NewInvalidInputError(err.Error()).WithContext("field", "profile.name")
	}
	if err := validation.ValidateAvatarURL(ev.Profile.AvatarURL); err != nil {
		return apperrors.NewInvalidInputError(err.Error()).WithContext("field", "profile.avatarUrl")
	}
	if r.verifier != nil {
		if err := r.verifier.VerifyIdentity(ev.Token, ev.Identity); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "identity verification failed", http.StatusUnauthorized)
		}
	}

	current, err := r.presence.ResolveAddress(ctx, from)
	switch {
	case err == nil && current.Identity != ev.Identity:
		return fmt.Errorf("%w: connection already registered as %s", domain.ErrInvalidTransition, current.Identity)
	case err != nil && !errors.Is(err, domain.ErrPresenceNotFound):
		return fmt.Errorf("resolve connection: %w", err)
	}

	replaced, err := r.presence.Register(ctx, &domain.PresenceEntry{
		Identity:     ev.Identity,
		Profile:      ev.Profile,
		Address:      from,
		RegisteredAt: r.now(),
	})
	if err != nil {
		return fmt.Errorf("register presence: %w", err)
	}
	if replaced != nil && replaced.Address != from {
		r.log(ctx).Infow("identity reconnected",
			"identity", ev.Identity,
			"old_address", replaced.Address,
			"new_address", from,
		)
	}

	return r.broadcastPresence(ctx)
}

func (r *SignalingRouter) handleCall(ctx context.Context, from domain.ConnectionAddress, ev domain.CallEvent) error {
	caller, err := r.sender(ctx, from)
	if err != nil {
		return err
	}
	if err := validation.ValidateIdentity(string(ev.Receiver)); err != nil {
		return apperrors.NewInvalidInputError(err.Error()).WithContext("field", "receiver")
	}
	if ev.Receiver == caller.Identity {
		return apperrors.NewInvalidInputError("cannot call yourself")
	}
	if ev.Caller != "" && ev.Caller != caller.Identity {
		r.log(ctx).Warnw("call names a different caller, using registered identity",
			"claimed", ev.Caller,
			"identity", caller.Identity,
		)
	}

	receiver, err := r.presence.Resolve(ctx, ev.Receiver)
	if errors.Is(err, domain.ErrPresenceNotFound) {
		r.metrics.CallRejected(domain.ReasonUnavailable)
		r.send(ctx, caller.Address, domain.CallUnavailable{Receiver: ev.Receiver})
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve receiver: %w", err)
	}

	session, err := r.sessions.Create(ctx, domain.RefFromPresence(caller), domain.RefFromPresence(receiver))
	if errors.Is(err, domain.ErrConflict) {
		r.metrics.CallRejected(domain.ReasonBusy)
		r.send(ctx, caller.Address, domain.CallBusy{Receiver: ev.Receiver})
		return nil
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	r.metrics.SessionStarted()
	tracing.TraceCallTransition(ctx, string(session.ID), "create", string(session.Phase))
	r.log(ctx).Infow("call ringing",
		"session_id", session.ID,
		"caller", caller.Identity,
		"receiver", receiver.Identity,
	)

	r.send(ctx, receiver.Address, domain.IncomingCall{SessionID: session.ID, Caller: caller.Info()})
	r.send(ctx, caller.Address, domain.CallRinging{SessionID: session.ID, Receiver: receiver.Info()})
	r.startRingTimer(session.ID)
	return nil
}

func (r *SignalingRouter) handleSignal(ctx context.Context, from domain.ConnectionAddress, ev domain.SignalEvent) error {
	sender, err := r.sender(ctx, from)
	if err != nil {
		return err
	}
	if err := validation.ValidatePayloadSize(ev.Payload, r.cfg.MaxPayloadBytes); err != nil {
		return apperrors.NewInvalidInputError(err.Error()).WithContext("field", "payload")
	}

	session, err := r.sessionFor(ctx, ev.SessionID, sender.Identity, ev.IsCaller)
	if err != nil {
		return err
	}

	if !ev.IsCaller && session.Phase == domain.PhaseRinging {
		phase, err := r.sessions.Transition(ctx, session.ID, domain.TriggerAccept)
		if err != nil {
			return err
		}
		r.stopRingTimer(session.ID)
		tracing.TraceCallTransition(ctx, string(session.ID), string(domain.TriggerAccept), string(phase))
		r.log(ctx).Infow("call accepted", "session_id", session.ID)
	}

	target := session.Participant(!ev.IsCaller)
	r.notify(ctx, target.Identity, ev)
	return nil
}

func (r *SignalingRouter) handleConnected(ctx context.Context, from domain.ConnectionAddress, ev domain.ConnectedEvent) error {
	sender, err := r.sender(ctx, from)
	if err != nil {
		return err
	}
	session, err := r.sessionFor(ctx, ev.SessionID, sender.Identity, ev.IsCaller)
	if err != nil {
		return err
	}

	trigger := domain.ConnectedTrigger(ev.IsCaller)
	phase, err := r.sessions.Transition(ctx, session.ID, trigger)
	if err != nil {
		return err
	}
	tracing.TraceCallTransition(ctx, string(session.ID), string(trigger), string(phase))

	if phase == domain.PhaseActive {
		r.metrics.SessionActive(r.now().Sub(session.CreatedAt))
		r.log(ctx).Infow("call active", "session_id", session.ID)
	}
	return nil
}

func (r *SignalingRouter) handleHangup(ctx context.Context, from domain.ConnectionAddress, ev domain.HangupEvent) error {
	sender, err := r.sender(ctx, from)
	if err != nil {
		return err
	}

	var session *domain.CallSession
	switch {
	case ev.SessionID != "":
		session, err = r.sessions.Get(ctx, ev.SessionID)
	case ev.Peer != "":
		session, err = r.sessions.FindByPair(ctx, sender.Identity, ev.Peer)
	default:
		return apperrors.NewInvalidInputError("hangup needs a session id or a peer")
	}
	if errors.Is(err, domain.ErrSessionNotFound) {
		return fmt.Errorf("%w: hangup for a session that no longer exists", domain.ErrInvalidTransition)
	}
	if err != nil {
		return err
	}

	other, ok := session.Other(sender.Identity)
	if !ok {
		return fmt.Errorf("%w: %s is not part of session %s", domain.ErrInvalidTransition, sender.Identity, session.ID)
	}

	reason := ev.Reason
	if reason == "" {
		reason = domain.ReasonHangup
	}

	r.notify(ctx, other.Identity, domain.HangupEvent{
		SessionID: session.ID,
		Initiator: sender.Identity,
		Reason:    reason,
	})
	return r.endSession(ctx, session, reason)
}

func (r *SignalingRouter) handleDisconnect(ctx context.Context, from domain.ConnectionAddress) error {
	removed, err := r.presence.Unregister(ctx, from)
	if err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	if removed == nil {
		// never registered, or the identity already reconnected elsewhere
		return nil
	}

	if err := r.broadcastPresence(ctx); err != nil {
		r.log(ctx).Warnw("presence broadcast failed", "error", err)
	}

	sessions, err := r.sessions.FindByParticipant(ctx, removed.Identity)
	if err != nil {
		return fmt.Errorf("find sessions: %w", err)
	}

	var errs []error
	for _, session := range sessions {
		other, _ := session.Other(removed.Identity)
		r.notify(ctx, other.Identity, domain.HangupEvent{
			SessionID: session.ID,
			Initiator: removed.Identity,
			Reason:    domain.ReasonDisconnect,
		})
		if err := r.endSession(ctx, session, domain.ReasonDisconnect); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sender resolves the identity registered on the sending connection.
func (r *SignalingRouter) sender(ctx context.Context, from domain.ConnectionAddress) (*domain.PresenceEntry, error) {
	entry, err := r.presence.ResolveAddress(ctx, from)
	if errors.Is(err, domain.ErrPresenceNotFound) {
		return nil, domain.ErrNotRegistered
	}
	return entry, err
}

// sessionFor loads a live session and checks that identity plays the claimed role in it.
func (r *SignalingRouter) sessionFor(ctx context.Context, id domain.SessionID, identity domain.Identity, isCaller bool) (*domain.CallSession, error) {
	session, err := r.sessions.Get(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: session %q is gone", domain.ErrInvalidTransition, id)
	}
	if err != nil {
		return nil, err
	}
	if !session.Phase.Live() {
		return nil, fmt.Errorf("%w: session %s already %s", domain.ErrInvalidTransition, id, session.Phase)
	}
	if session.Participant(isCaller).Identity != identity {
		return nil, fmt.Errorf("%w: %s does not hold that role in session %s", domain.ErrInvalidTransition, identity, id)
	}
	return session, nil
}

// endSession moves the session to Ended and removes it. The removal happens even
// when the transition is rejected.
func (r *SignalingRouter) endSession(ctx context.Context, session *domain.CallSession, reason domain.HangupReason) error {
	r.stopRingTimer(session.ID)

	trigger := reason.Trigger()
	if phase, err := r.sessions.Transition(ctx, session.ID, trigger); err != nil {
		r.log(ctx).Debugw("end transition rejected", "session_id", session.ID, "error", err)
	} else {
		tracing.TraceCallTransition(ctx, string(session.ID), string(trigger), string(phase))
	}

	if err := r.sessions.End(ctx, session.ID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	r.metrics.SessionEnded(reason, r.now().Sub(session.CreatedAt))
	r.log(ctx).Infow("call ended",
		"session_id", session.ID,
		"reason", reason,
		"caller", session.Caller.Identity,
		"receiver", session.Receiver.Identity,
	)
	return nil
}

func (r *SignalingRouter) broadcastPresence(ctx context.Context) error {
	entries, err := r.presence.List(ctx)
	if err != nil {
		return fmt.Errorf("list presence: %w", err)
	}

	update := domain.PresenceUpdate{Entries: make([]domain.PresenceInfo, 0, len(entries))}
	for _, e := range entries {
		update.Entries = append(update.Entries, e.Info())
	}
	for _, e := range entries {
		r.send(ctx, e.Address, update)
	}

	r.metrics.PresenceChanged(len(entries))
	return nil
}

// notify delivers msg to the current address of identity. A participant that is
// no longer registered is skipped.
func (r *SignalingRouter) notify(ctx context.Context, identity domain.Identity, msg domain.Message) {
	entry, err := r.presence.Resolve(ctx, identity)
	if err != nil {
		r.log(ctx).Debugw("recipient unreachable, dropping",
			"identity", identity,
			"type", msg.MessageType(),
			"error", err,
		)
		r.metrics.DeliveryDropped(msg.MessageType())
		return
	}
	r.send(ctx, entry.Address, msg)
}

func (r *SignalingRouter) send(ctx context.Context, addr domain.ConnectionAddress, msg domain.Message) {
	if err := r.deliver.Deliver(ctx, addr, msg); err != nil {
		r.log(ctx).Debugw("delivery dropped",
			"address", addr,
			"type", msg.MessageType(),
			"error", err,
		)
		r.metrics.DeliveryDropped(msg.MessageType())
	}
}

func (r *SignalingRouter) startRingTimer(id domain.SessionID) {
	if r.cfg.RingTimeout <= 0 || r.closed {
		return
	}
	r.ringTimers[id] = time.AfterFunc(r.cfg.RingTimeout, func() {
		r.ringTimeout(id)
	})
}

func (r *SignalingRouter) stopRingTimer(id domain.SessionID) {
	if t, ok := r.ringTimers[id]; ok {
		t.Stop()
		delete(r.ringTimers, id)
	}
}

func (r *SignalingRouter) ringTimeout(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ringTimers[id]; !ok || r.closed {
		return
	}
	delete(r.ringTimers, id)

	ctx, span := tracing.TraceSignalingEvent(context.Background(), "ringTimeout", "")
	defer span.End()

	session, err := r.sessions.Get(ctx, id)
	if err != nil || session.Phase != domain.PhaseRinging {
		return
	}

	notice := domain.HangupEvent{SessionID: id, Reason: domain.ReasonTimeout}
	r.notify(ctx, session.Caller.Identity, notice)
	r.notify(ctx, session.Receiver.Identity, notice)

	if err := r.endSession(ctx, session, domain.ReasonTimeout); err != nil {
		tracing.RecordError(ctx, err)
		r.log(ctx).Warnw("ring timeout cleanup failed", "session_id", id, "error", err)
	}
}
