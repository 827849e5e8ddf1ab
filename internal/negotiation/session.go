package negotiation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"github.com/vineethgoud568-prog/CureMos/internal/notify"
	"github.com/vineethgoud568-prog/CureMos/internal/peer"
	"github.com/vineethgoud568-prog/CureMos/internal/signaling"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 30 * time.Second
	sendTimeout    = 5 * time.Second
	inboxSize      = 64
	mediaBuffer    = 32
)

// Peer is the connection handle the session negotiates. *peer.Manager
// implements it.
type Peer interface {
	AcquireLocalMedia(ctx context.Context, video bool) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	FlushLocalCandidates() []webrtc.ICECandidateInit
	Events() <-chan peer.Event
	Done() <-chan struct{}
	Close() error
}

// Signaler is the session's view of a signaling channel.
type Signaler interface {
	Send(ctx context.Context, msg models.SignalMessage) error
	OnMessage(h signaling.Handler) (remove func())
}

// closer is implemented by signalers that can lose their transport, such as
// *signaling.Channel. Err is non-nil once Done is closed by a failure.
type closer interface {
	Done() <-chan struct{}
	Err() error
}

type Options struct {
	SessionID string
	SelfID    string
	Video     bool
	// Timeout bounds startCall or an incoming offer to a connected
	// transport. Zero means DefaultTimeout.
	Timeout  time.Duration
	NewPeer  func() Peer
	Channel  Signaler
	Notifier notify.Notifier
	Logger   *zap.Logger
}

type StateChange struct {
	From State
	To   State
	Err  error
}

// Session runs the negotiation of one call. All protocol state is owned by a
// single event loop goroutine; the exported methods only post events to it.
type Session struct {
	sessionID string
	selfID    string
	video     bool
	timeout   time.Duration
	newPeer   func() Peer
	channel   Signaler
	notifier  notify.Notifier
	logger    *zap.Logger

	ctx           context.Context
	cancel        context.CancelFunc
	inbox         chan Event
	done          chan struct{}
	media         chan peer.Event
	removeHandler func()

	// owned by the event loop
	state      State
	peer       Peer
	gen        uint64
	opCtx      context.Context
	opCancel   context.CancelFunc
	timer      *time.Timer
	timerSeq   uint64
	lastOffer  string
	remoteID   string
	startReply chan error

	mu        sync.RWMutex
	current   State
	lastErr   error
	observers map[chan StateChange]struct{}
}

func NewSession(opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		sessionID: opts.SessionID,
		selfID:    opts.SelfID,
		video:     opts.Video,
		timeout:   opts.Timeout,
		newPeer:   opts.NewPeer,
		channel:   opts.Channel,
		notifier:  opts.Notifier,
		logger:    opts.Logger.Named("negotiation").With(zap.String("session", opts.SessionID)),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan Event, inboxSize),
		done:      make(chan struct{}),
		media:     make(chan peer.Event, mediaBuffer),
		observers: make(map[chan StateChange]struct{}),
	}
	s.removeHandler = s.channel.OnMessage(s.onSignal)
	if c, ok := s.channel.(closer); ok {
		go s.watchChannel(c)
	}
	go s.run()
	return s
}

// watchChannel fails the call when the signaling transport is lost. Closing
// the channel on purpose does not.
func (s *Session) watchChannel(c closer) {
	select {
	case <-c.Done():
		if err := c.Err(); err != nil {
			s.logger.Warn("signaling channel lost", zap.Error(err))
			s.post(Event{Type: EvFatal, Err: err})
		}
	case <-s.done:
	}
}

// StartCall places the call. It returns once the offer has been sent, with
// the media or offer error if that failed (the session is then Idle again and
// StartCall may be retried), or ErrInvalidState if a call is already under
// way.
func (s *Session) StartCall(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- Event{Type: EvStartCall, reply: reply}:
	case <-s.done:
		return ErrCallEnded
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrCallEnded
		}
	case <-ctx.Done():
		s.EndCall()
		return ctx.Err()
	}
}

// EndCall hangs up. The session ends and cannot be reused.
func (s *Session) EndCall() {
	s.post(Event{Type: EvEndCall})
}

// Close ends the call and waits for the event loop to finish.
func (s *Session) Close() {
	s.EndCall()
	<-s.done
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Err returns the error that last moved the session out of its happy path.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Done is closed once the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Media delivers remote tracks and data channel messages. Events are dropped
// if the reader falls behind.
func (s *Session) Media() <-chan peer.Event { return s.media }

// Subscribe returns a channel of state changes, closed when the session ends.
func (s *Session) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.observers[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.observers[ch]; ok {
			delete(s.observers, ch)
			close(ch)
		}
	}
}

func (s *Session) post(ev Event) {
	select {
	case s.inbox <- ev:
	case <-s.done:
	}
}

func (s *Session) onSignal(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeOffer:
		s.post(Event{Type: EvRemoteOffer, From: msg.From, SDP: msg.SDP})
	case models.SignalTypeAnswer:
		s.post(Event{Type: EvRemoteAnswer, From: msg.From, SDP: msg.SDP})
	case models.SignalTypeCandidate:
		s.post(Event{Type: EvRemoteCandidate, From: msg.From, Candidate: *msg.Candidate})
	case models.SignalTypeHangup:
		s.post(Event{Type: EvRemoteHangup, From: msg.From})
	default:
		s.logger.Debug("ignoring signal", zap.String("type", string(msg.Type)), zap.String("from", msg.From))
	}
}

func (s *Session) run() {
	defer s.shutdown()
	for ev := range s.inbox {
		s.handle(ev)
		if s.state == Ended {
			return
		}
	}
}

func (s *Session) handle(first Event) {
	queue := []Event{first}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		if s.stale(ev) {
			s.logger.Debug("discarding stale result", zap.Stringer("event", ev.Type))
			continue
		}
		if ev.Type == EvRemoteOffer && ev.SDP == s.lastOffer && s.state != Idle {
			s.logger.Debug("dropping repeated offer", zap.String("from", ev.From))
			continue
		}
		if ev.From != "" {
			s.remoteID = ev.From
		}

		prev := s.state
		next, actions := Transition(prev, ev, s.selfID)
		s.state = next
		for _, a := range actions {
			if follow := s.perform(a, ev); follow != nil {
				queue = append(queue, *follow)
			}
		}
		if next != prev {
			s.publish(prev, next)
		}
		s.resolveStart(next, ev)
		if next == Failed {
			queue = append(queue, Event{Type: EvEndCall})
		}
	}
}

// stale reports results of work started for a peer handle or timer that has
// since been replaced.
func (s *Session) stale(ev Event) bool {
	switch ev.Type {
	case EvOfferCreated, EvOfferFailed, EvAnswerCreated, EvAnswerFailed, EvLocalCandidate, EvConnection:
		return ev.gen != s.gen
	case EvTimeout:
		return ev.gen != s.timerSeq
	}
	return false
}

func (s *Session) resolveStart(next State, ev Event) {
	if ev.Type == EvStartCall {
		if next == LocalOfferPending && s.startReply == nil {
			s.startReply = ev.reply
			return
		}
		s.logger.Info("startCall ignored", zap.Stringer("state", next))
		ev.reply <- ErrInvalidState
		return
	}
	if s.startReply == nil || next == LocalOfferPending {
		return
	}

	var err error
	switch {
	case ev.Type == EvOfferFailed:
		err = ev.Err
	case next == AwaitingAnswer || next == Negotiated:
	case next == Failed:
		err = s.Err()
	default:
		err = ErrCallEnded
	}
	s.startReply <- err
	s.startReply = nil
}

func (s *Session) perform(a Action, ev Event) *Event {
	switch a.Type {
	case ActCreateOffer:
		p, gen, ctx := s.ensurePeer()
		go func() {
			if err := p.AcquireLocalMedia(ctx, s.video); err != nil {
				s.post(Event{Type: EvOfferFailed, Err: err, gen: gen})
				return
			}
			offer, err := p.CreateOffer(ctx)
			if err != nil {
				s.post(Event{Type: EvOfferFailed, Err: err, gen: gen})
				return
			}
			s.post(Event{Type: EvOfferCreated, SDP: offer.SDP, gen: gen})
		}()

	case ActCreateAnswer:
		s.lastOffer = a.SDP
		p, gen, ctx := s.ensurePeer()
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: a.SDP}
		go func() {
			if err := p.AcquireLocalMedia(ctx, s.video); err != nil {
				s.post(Event{Type: EvAnswerFailed, Err: err, gen: gen})
				return
			}
			answer, err := p.CreateAnswer(ctx, offer)
			if err != nil {
				s.post(Event{Type: EvAnswerFailed, Err: err, gen: gen})
				return
			}
			s.post(Event{Type: EvAnswerCreated, SDP: answer.SDP, gen: gen})
		}()

	case ActResetPeer:
		s.logger.Info("glare: yielding to remote offer", zap.String("remote", ev.From))
		s.closePeer()

	case ActClosePeer:
		s.closePeer()

	case ActSendOffer:
		s.send(models.NewOffer(s.sessionID, s.selfID, a.SDP))
		s.flushLocalCandidates()

	case ActSendAnswer:
		s.send(models.NewAnswer(s.sessionID, s.selfID, a.SDP))
		s.flushLocalCandidates()

	case ActSendCandidate:
		s.send(models.NewCandidate(s.sessionID, s.selfID, a.Candidate))

	case ActSendHangup:
		s.send(models.SignalMessage{Type: models.SignalTypeHangup, SessionID: s.sessionID, From: s.selfID})

	case ActApplyAnswer:
		if s.peer == nil {
			s.logger.Warn("answer without peer handle")
			return nil
		}
		err := s.peer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP})
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				s.logger.Info("dropping out of sequence answer", zap.Error(err))
				return nil
			}
			return &Event{Type: EvFatal, Err: err}
		}

	case ActAddCandidate:
		if s.peer == nil {
			s.logger.Debug("dropping candidate without peer handle")
			return nil
		}
		if err := s.peer.AddICECandidate(a.Candidate); err != nil {
			s.logger.Warn("candidate rejected", zap.Error(err))
		}

	case ActStartTimer:
		s.startTimer()

	case ActStopTimer:
		s.stopTimer()

	case ActReportError:
		s.mu.Lock()
		s.lastErr = a.Err
		s.mu.Unlock()
		s.logger.Warn("negotiation error", zap.Stringer("state", s.state), zap.Error(a.Err))

	case ActNotify:
		s.notifier.Notify(s.ctx, notify.Event{
			Kind:      "call." + a.Note,
			UserID:    s.selfID,
			SessionID: s.sessionID,
			Message:   s.remoteID,
			At:        time.Now().UTC(),
		})

	case ActDrop:
		s.logger.Debug("dropped event",
			zap.Stringer("event", ev.Type), zap.Stringer("state", s.state), zap.String("reason", a.Note))
	}
	return nil
}

func (s *Session) ensurePeer() (Peer, uint64, context.Context) {
	if s.peer == nil {
		s.gen++
		s.peer = s.newPeer()
		s.opCtx, s.opCancel = context.WithCancel(s.ctx)
		go s.forward(s.peer, s.gen)
	}
	return s.peer, s.gen, s.opCtx
}

func (s *Session) closePeer() {
	if s.peer == nil {
		return
	}
	s.opCancel()
	if err := s.peer.Close(); err != nil {
		s.logger.Debug("close peer", zap.Error(err))
	}
	s.peer = nil
	s.gen++
}

func (s *Session) forward(p Peer, gen uint64) {
	for {
		select {
		case ev := <-p.Events():
			switch ev.Kind {
			case peer.EventCandidate:
				s.post(Event{Type: EvLocalCandidate, Candidate: ev.Candidate, gen: gen})
			case peer.EventState:
				s.post(Event{Type: EvConnection, Conn: ev.State, gen: gen})
			default:
				select {
				case s.media <- ev:
				default:
					s.logger.Debug("media event dropped", zap.Stringer("kind", ev.Kind))
				}
			}
		case <-p.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) flushLocalCandidates() {
	if s.peer == nil {
		return
	}
	for _, c := range s.peer.FlushLocalCandidates() {
		s.send(models.NewCandidate(s.sessionID, s.selfID, c))
	}
}

func (s *Session) send(msg models.SignalMessage) {
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.channel.Send(ctx, msg); err != nil {
		s.logger.Warn("signal not sent", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (s *Session) startTimer() {
	s.stopTimer()
	seq := s.timerSeq
	s.timer = time.AfterFunc(s.timeout, func() {
		s.post(Event{Type: EvTimeout, gen: seq})
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}

func (s *Session) publish(from, to State) {
	s.logger.Info("state change", zap.Stringer("from", from), zap.Stringer("to", to))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = to
	change := StateChange{From: from, To: to, Err: s.lastErr}
	for ch := range s.observers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (s *Session) shutdown() {
	s.stopTimer()
	s.closePeer()
	s.removeHandler()
	s.cancel()

	if s.startReply != nil {
		s.startReply <- ErrCallEnded
		s.startReply = nil
	}

	s.mu.Lock()
	close(s.done)
	for ch := range s.observers {
		close(ch)
	}
	s.observers = nil
	s.mu.Unlock()
}
