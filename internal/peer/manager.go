// Package peer owns the WebRTC peer connection of one consultation call:
// local media, offer/answer creation, ICE candidate buffering and teardown.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type EventKind int

const (
	// EventCandidate carries a local ICE candidate ready for signaling.
	EventCandidate EventKind = iota
	EventRemoteTrack
	EventState
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventCandidate:
		return "candidate"
	case EventRemoteTrack:
		return "remote-track"
	case EventState:
		return "state"
	case EventData:
		return "data"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

type Event struct {
	Kind      EventKind
	Candidate webrtc.ICECandidateInit
	Track     *webrtc.TrackRemote
	State     webrtc.PeerConnectionState
	Data      DataMessage
}

const eventBuffer = 64

// Manager wraps a single peer connection. A Manager is used for one call
// attempt; after Close a fresh Manager is needed.
type Manager struct {
	sessionID    string
	source       MediaSource
	newTransport func() (transport, error)
	logger       *zap.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	closed        bool
	media         *LocalMedia
	pc            transport
	senders       map[webrtc.RTPCodecType]trackSender
	audioOn       bool
	videoOn       bool
	offerPending  bool
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	heldLocal     []webrtc.ICECandidateInit
	localReleased bool
	state         webrtc.PeerConnectionState
	dc            dataChannel
	dcOpen        bool
}

func NewManager(api *API, sessionID string, source MediaSource, logger *zap.Logger) *Manager {
	return newManager(api.newTransport, sessionID, source, logger)
}

func newManager(newTransport func() (transport, error), sessionID string, source MediaSource, logger *zap.Logger) *Manager {
	return &Manager{
		sessionID:    sessionID,
		source:       source,
		newTransport: newTransport,
		logger:       logger.Named("peer").With(zap.String("session", sessionID)),
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
		senders:      make(map[webrtc.RTPCodecType]trackSender),
		state:        webrtc.PeerConnectionStateNew,
	}
}

// Events delivers candidates, remote tracks, connection state changes and
// data channel messages until the Manager is closed.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) State() webrtc.PeerConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasTransport reports whether media was acquired and a peer connection
// exists.
func (m *Manager) HasTransport() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc != nil
}

// AcquireLocalMedia opens local capture and creates the peer connection with
// the captured tracks attached. On failure nothing is left allocated.
func (m *Manager) AcquireLocalMedia(ctx context.Context, video bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError("acquire media", ErrInvalidState)
	}
	if m.media != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	media, err := m.source.Open(ctx, video)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		m.logger.Warn("media acquisition failed", zap.Error(err))
		return newError("acquire media", err)
	}
	if err := ctx.Err(); err != nil {
		media.Stop()
		return err
	}

	pc, err := m.newTransport()
	if err != nil {
		media.Stop()
		return newError("create peer connection", err)
	}

	senders := make(map[webrtc.RTPCodecType]trackSender)
	for _, track := range media.tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			media.Stop()
			return newError("add track", err)
		}
		senders[track.Kind()] = sender
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		media.Stop()
		return newError("acquire media", ErrInvalidState)
	}
	m.media = media
	m.pc = pc
	m.senders = senders
	m.audioOn = true
	m.videoOn = media.Video != nil
	m.mu.Unlock()

	m.wire(pc)
	m.logger.Info("local media acquired", zap.Bool("video", media.Video != nil))
	return nil
}

func (m *Manager) wire(pc transport) {
	pc.OnICECandidate(m.onLocalCandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote) {
		m.logger.Info("remote track", zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
		m.emit(Event{Kind: EventRemoteTrack, Track: track})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.state = s
		m.mu.Unlock()
		m.logger.Info("connection state", zap.String("state", s.String()))
		m.emit(Event{Kind: EventState, State: s})
	})
	pc.OnDataChannel(func(dc dataChannel) {
		if dc.Label() != DataChannelLabel {
			m.logger.Debug("ignoring data channel", zap.String("label", dc.Label()))
			return
		}
		m.mu.Lock()
		m.dc = dc
		m.mu.Unlock()
		m.attachDataChannel(dc)
	})
}

// CreateOffer creates and applies a local offer. It requires local media and
// fails with ErrInvalidState while an earlier offer is still unanswered.
func (m *Manager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.pc == nil || m.media == nil {
		return webrtc.SessionDescription{}, newError("create offer", ErrInvalidState)
	}
	if m.offerPending {
		return webrtc.SessionDescription{}, newError("create offer", fmt.Errorf("%w: negotiation in progress", ErrInvalidState))
	}

	if m.dc == nil {
		dc, err := m.pc.CreateDataChannel(DataChannelLabel)
		if err != nil {
			m.logger.Warn("data channel unavailable", zap.Error(err))
		} else if dc != nil {
			m.dc = dc
			m.attachDataChannel(dc)
		}
	}

	offer, err := m.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, newError("create offer", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, newError("set local description", err)
	}
	m.offerPending = true
	return offer, nil
}

// CreateAnswer applies a remote offer, flushes buffered remote candidates and
// returns the applied local answer.
func (m *Manager) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.pc == nil {
		return webrtc.SessionDescription{}, newError("create answer", ErrInvalidState)
	}
	if m.offerPending {
		return webrtc.SessionDescription{}, newError("create answer", fmt.Errorf("%w: local offer pending", ErrInvalidState))
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, newError("create answer", fmt.Errorf("%w: not an offer", ErrIncompatibleDescription))
	}

	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, wrapError("create answer", ErrIncompatibleDescription, err)
	}
	m.remoteSet = true
	m.flushRemoteLocked()

	answer, err := m.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, wrapError("create answer", ErrIncompatibleDescription, err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, newError("set local description", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote answer to our offer, or a remote
// offer when no local offer is outstanding. Anything else is out of sequence.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.pc == nil {
		return newError("set remote description", ErrInvalidState)
	}
	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		if !m.offerPending {
			return newError("set remote description", fmt.Errorf("%w: answer without offer", ErrInvalidState))
		}
	case webrtc.SDPTypeOffer:
		if m.offerPending {
			return newError("set remote description", fmt.Errorf("%w: offer while offering", ErrInvalidState))
		}
	default:
		return newError("set remote description", fmt.Errorf("%w: unsupported type %s", ErrInvalidState, desc.Type))
	}

	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return wrapError("set remote description", ErrIncompatibleDescription, err)
	}
	if desc.Type == webrtc.SDPTypeAnswer {
		m.offerPending = false
	}
	m.remoteSet = true
	m.flushRemoteLocked()
	return nil
}

// AddICECandidate applies a remote candidate, or buffers it until media is
// acquired and the remote description is set. Only a closed Manager rejects
// candidates.
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return newError("add candidate", ErrInvalidState)
	}
	if m.pc == nil || !m.remoteSet {
		m.pendingRemote = append(m.pendingRemote, c)
		m.logger.Debug("buffered remote candidate", zap.Int("pending", len(m.pendingRemote)))
		return nil
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		return newError("add candidate", err)
	}
	return nil
}

func (m *Manager) flushRemoteLocked() {
	pending := m.pendingRemote
	m.pendingRemote = nil
	for _, c := range pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("buffered candidate rejected", zap.String("candidate", c.Candidate), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		m.logger.Debug("flushed remote candidates", zap.Int("count", len(pending)))
	}
}

// FlushLocalCandidates returns the local candidates gathered so far, in
// discovery order, and lets later ones go straight to Events. Call it once
// the description they belong to has been sent.
func (m *Manager) FlushLocalCandidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localReleased = true
	held := m.heldLocal
	m.heldLocal = nil
	return held
}

func (m *Manager) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		m.logger.Debug("ice gathering complete")
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.localReleased {
		m.heldLocal = append(m.heldLocal, *c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventCandidate, Candidate: *c})
}

// ToggleAudio mutes or unmutes the microphone without renegotiating and
// returns whether audio is now enabled.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo disables or re-enables the camera track.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(webrtc.RTPCodecTypeVideo)
}

func (m *Manager) toggle(kind webrtc.RTPCodecType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := "toggle " + kind.String()
	if m.closed || m.media == nil {
		return false, newError(op, ErrInvalidState)
	}
	sender, ok := m.senders[kind]
	if !ok {
		return false, newError(op, fmt.Errorf("%w: no %s track", ErrInvalidState, kind))
	}

	enabled := &m.audioOn
	track := m.media.Audio
	if kind == webrtc.RTPCodecTypeVideo {
		enabled = &m.videoOn
		track = m.media.Video
	}

	next := track
	if *enabled {
		next = nil
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return *enabled, newError(op, err)
	}
	*enabled = !*enabled

	if err := m.sendLocked(DataMediaState, MediaStatePayload{AudioEnabled: m.audioOn, VideoEnabled: m.videoOn}); err != nil {
		m.logger.Debug("media state not sent", zap.Error(err))
	}
	return *enabled, nil
}

// SendData sends one message on the in-call data channel. Delivery is best
// effort; ErrInvalidState means the channel is not open yet.
func (m *Manager) SendData(t DataType, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendLocked(t, payload)
}

func (m *Manager) sendLocked(t DataType, payload any) error {
	if m.closed || m.dc == nil || !m.dcOpen {
		return newError("send data", ErrInvalidState)
	}
	msg, err := NewDataMessage(t, payload)
	if err != nil {
		return newError("send data", err)
	}
	b, err := encodeData(msg)
	if err != nil {
		return newError("send data", err)
	}
	if err := m.dc.Send(b); err != nil {
		return newError("send data", err)
	}
	return nil
}

func (m *Manager) attachDataChannel(dc dataChannel) {
	dc.OnOpen(func() {
		m.mu.Lock()
		m.dcOpen = true
		m.mu.Unlock()
		m.logger.Debug("data channel open")
	})
	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		msg, err := decodeData(raw.Data)
		if err != nil {
			m.logger.Warn("dropping undecodable data message", zap.Error(err))
			return
		}
		m.emit(Event{Kind: EventData, Data: msg})
	})
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Close tears down the peer connection and stops local media. Safe to call
// more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		pc, media, dc := m.pc, m.media, m.dc
		m.pc, m.media, m.dc = nil, nil, nil
		m.pendingRemote = nil
		m.heldLocal = nil
		m.state = webrtc.PeerConnectionStateClosed
		m.mu.Unlock()

		close(m.done)
		if dc != nil {
			dc.Close()
		}
		if pc != nil {
			err = pc.Close()
		}
		if media != nil {
			media.Stop()
		}
		m.logger.Info("peer closed")
	})
	return err
}
