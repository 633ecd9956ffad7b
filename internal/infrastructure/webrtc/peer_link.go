package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"peercall/internal/client"
	"peercall/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrLinkFailed            = errors.New("peer connection failed")
	ErrLinkClosed            = errors.New("peer link closed")
	ErrBadPayload            = errors.New("malformed negotiation payload")
	ErrUnexpectedDescription = errors.New("unexpected session description for role")
)

const (
	payloadOffer     = "offer"
	payloadAnswer    = "answer"
	payloadCandidate = "candidate"
)

// negotiationPayload is the body carried inside webrtcSignal events. The relay
// never looks at it.
type negotiationPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// LinkConfig WebRTC configuration for call links
type LinkConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// TrackSource is implemented by local media that can hand tracks to a peer
// connection.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// LinkFactory builds pion-backed peer links.
type LinkFactory struct {
	config LinkConfig
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewLinkFactory(config LinkConfig, logger *zap.SugaredLogger) (*LinkFactory, error) {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &LinkFactory{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}, nil
}

// NewPeerLink creates the media connection for one call. The receiver side
// produces the offer; the caller answers it.
func (f *LinkFactory) NewPeerLink(role client.Role, media client.LocalMedia) (client.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &peerLink{
		role:   role,
		pc:     pc,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: f.logger.With("role", role.String()),
	}

	if err := l.attachMedia(media); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(l.handleICECandidate)
	pc.OnConnectionStateChange(l.handleConnectionState)
	pc.OnTrack(l.handleRemoteTrack)

	go l.dispatch()

	if role == client.RoleReceiver {
		if err := l.traced("create_offer", l.offer); err != nil {
			l.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *peerLink) offer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	// Queued ahead of gathering so no candidate overtakes it.
	l.emitPayload(negotiationPayload{Type: payloadOffer, SDP: offer.SDP})
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return nil
}

func (l *peerLink) traced(operation string, fn func() error) error {
	ctx, span := tracing.TraceWebRTC(context.Background(), operation, l.role.String())
	defer span.End()

	if err := fn(); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

type linkEvent struct {
	payload     json.RawMessage
	established bool
	err         error
}

type peerLink struct {
	role   client.Role
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu                sync.Mutex
	onLocal           func(json.RawMessage)
	onEstablished     func()
	onFailure         func(error)
	pending           []linkEvent
	pendingCandidates []webrtc.ICECandidateInit
	established       bool
	failed            bool
	closed            bool

	wake chan struct{}
	done chan struct{}
}

func (l *peerLink) attachMedia(media client.LocalMedia) error {
	var hasAudio, hasVideo bool
	if src, ok := media.(TrackSource); ok {
		for _, track := range src.Tracks() {
			sender, err := l.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				hasAudio = true
			case webrtc.RTPCodecTypeVideo:
				hasVideo = true
			}
			go drainRTCP(sender)
		}
	}

	// The offering side still asks for media it does not send itself.
	if l.role != client.RoleReceiver {
		return nil
	}
	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if !hasAudio {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if !hasVideo {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (l *peerLink) OnLocalPayload(fn func(payload json.RawMessage)) {
	l.setHandler(func() { l.onLocal = fn })
}

func (l *peerLink) OnStreamEstablished(fn func()) {
	l.setHandler(func() { l.onEstablished = fn })
}

func (l *peerLink) OnFailure(fn func(err error)) {
	l.setHandler(func() { l.onFailure = fn })
}

func (l *peerLink) setHandler(set func()) {
	l.mu.Lock()
	set()
	l.mu.Unlock()
	l.signal()
}

// FeedRemotePayload applies an offer, answer or ICE candidate from the other
// participant.
func (l *peerLink) FeedRemotePayload(raw json.RawMessage) error {
	var p negotiationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.mu.Unlock()

	switch p.Type {
	case payloadOffer:
		if l.role != client.RoleCaller {
			return fmt.Errorf("%w: offer for %s", ErrUnexpectedDescription, l.role)
		}
		return l.traced("answer_offer", func() error { return l.answer(p.SDP) })

	case payloadAnswer:
		if l.role != client.RoleReceiver {
			return fmt.Errorf("%w: answer for %s", ErrUnexpectedDescription, l.role)
		}
		return l.traced("apply_answer", func() error {
			if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
				return fmt.Errorf("set remote answer: %w", err)
			}
			l.flushCandidates()
			return nil
		})

	case payloadCandidate:
		if p.Candidate == nil {
			return fmt.Errorf("%w: candidate missing", ErrBadPayload)
		}
		if l.pc.RemoteDescription() == nil {
			l.mu.Lock()
			l.pendingCandidates = append(l.pendingCandidates, *p.Candidate)
			l.mu.Unlock()
			return nil
		}
		return l.pc.AddICECandidate(*p.Candidate)

	default:
		return fmt.Errorf("%w: type %q", ErrBadPayload, p.Type)
	}
}

func (l *peerLink) answer(sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	l.emitPayload(negotiationPayload{Type: payloadAnswer, SDP: answer.SDP})
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return nil
}

// flushCandidates applies candidates that arrived ahead of the remote description.
func (l *peerLink) flushCandidates() {
	l.mu.Lock()
	queued := l.pendingCandidates
	l.pendingCandidates = nil
	l.mu.Unlock()

	for _, c := range queued {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Warnw("queued candidate rejected", "error", err)
		}
	}
}

func (l *peerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	close(l.done)
	l.mu.Unlock()

	return l.pc.Close()
}

func (l *peerLink) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	candidate := c.ToJSON()
	l.emitPayload(negotiationPayload{Type: payloadCandidate, Candidate: &candidate})
}

func (l *peerLink) handleConnectionState(state webrtc.PeerConnectionState) {
	l.logger.Infow("peer connection state changed", "connection_state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		first := !l.established
		l.established = true
		l.mu.Unlock()
		if first {
			l.push(linkEvent{established: true})
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		l.mu.Lock()
		first := !l.failed
		l.failed = true
		l.mu.Unlock()
		if first {
			l.push(linkEvent{err: fmt.Errorf("%w: %s", ErrLinkFailed, state)})
		}
	}
}

func (l *peerLink) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			l.logger.Debugw("keyframe request failed", "error", err)
		}
	}

	go consumeTrack(track, l.logger)
}

func (l *peerLink) emitPayload(p negotiationPayload) {
	raw, err := json.Marshal(p)
	if err != nil {
		l.logger.Errorw("failed to encode local payload", "type", p.Type, "error", err)
		return
	}
	l.push(linkEvent{payload: raw})
}

func (l *peerLink) push(ev linkEvent) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, ev)
	l.mu.Unlock()
	l.signal()
}

func (l *peerLink) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// dispatch runs callbacks on its own goroutine, in production order. An event
// whose handler is not registered yet holds back the rest of the queue.
func (l *peerLink) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed || len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			ev := l.pending[0]
			deliver := l.handlerFor(ev)
			if deliver == nil {
				l.mu.Unlock()
				break
			}
			l.pending = l.pending[1:]
			l.mu.Unlock()

			deliver()
		}
	}
}

// handlerFor must be called with mu held.
func (l *peerLink) handlerFor(ev linkEvent) func() {
	switch {
	case ev.payload != nil:
		if fn := l.onLocal; fn != nil {
			return func() { fn(ev.payload) }
		}
	case ev.established:
		if fn := l.onEstablished; fn != nil {
			return fn
		}
	case ev.err != nil:
		if fn := l.onFailure; fn != nil {
			return func() { fn(ev.err) }
		}
	}
	return nil
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// receiveStats tracks sequence gaps on an incoming RTP stream.
type receiveStats struct {
	started bool
	lastSeq uint16
	packets uint64
	lost    uint64
}

func (s *receiveStats) observe(pkt *rtp.Packet) {
	s.packets++
	if s.started {
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.lost += uint64(gap - 1)
		}
	}
	s.started = true
	s.lastSeq = pkt.SequenceNumber
}

func consumeTrack(track *webrtc.TrackRemote, logger *zap.SugaredLogger) {
	var stats receiveStats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debugw("remote track ended",
				"track_id", track.ID(),
				"packets", stats.packets,
				"lost", stats.lost,
				"error", err,
			)
			return
		}
		stats.observe(pkt)
		if stats.packets%500 == 0 {
			logger.Debugw("receiving media",
				"track_id", track.ID(),
				"sequence", pkt.SequenceNumber,
				"packets", stats.packets,
				"lost", stats.lost,
			)
		}
	}
}
