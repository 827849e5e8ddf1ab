// Package negotiation drives the offer/answer exchange of one consultation
// call on top of a signaling channel and a peer connection.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/vineethgoud568-prog/CureMos/internal/peer"
)

var (
	ErrInvalidState       = peer.ErrInvalidState
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrTransportFailed    = errors.New("peer transport failed")
	ErrCallEnded          = errors.New("call ended")
)

type State int

const (
	Idle State = iota
	LocalOfferPending
	AwaitingAnswer
	Negotiated
	Connected
	Failed
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LocalOfferPending:
		return "local-offer-pending"
	case AwaitingAnswer:
		return "awaiting-answer"
	case Negotiated:
		return "negotiated"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type EventType int

const (
	EvStartCall EventType = iota
	EvOfferCreated
	EvOfferFailed
	EvAnswerCreated
	EvAnswerFailed
	EvRemoteOffer
	EvRemoteAnswer
	EvRemoteCandidate
	EvRemoteHangup
	EvLocalCandidate
	EvConnection
	EvEndCall
	EvTimeout
	EvFatal
)

var eventNames = [...]string{
	EvStartCall:       "start-call",
	EvOfferCreated:    "offer-created",
	EvOfferFailed:     "offer-failed",
	EvAnswerCreated:   "answer-created",
	EvAnswerFailed:    "answer-failed",
	EvRemoteOffer:     "remote-offer",
	EvRemoteAnswer:    "remote-answer",
	EvRemoteCandidate: "remote-candidate",
	EvRemoteHangup:    "remote-hangup",
	EvLocalCandidate:  "local-candidate",
	EvConnection:      "connection",
	EvEndCall:         "end-call",
	EvTimeout:         "timeout",
	EvFatal:           "fatal",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one input to the state machine.
type Event struct {
	Type      EventType
	From      string
	SDP       string
	Candidate webrtc.ICECandidateInit
	Conn      webrtc.PeerConnectionState
	Err       error

	gen   uint64
	reply chan error
}

type ActionType int

const (
	ActCreateOffer ActionType = iota
	ActCreateAnswer
	ActResetPeer
	ActClosePeer
	ActSendOffer
	ActSendAnswer
	ActSendCandidate
	ActSendHangup
	ActApplyAnswer
	ActAddCandidate
	ActStartTimer
	ActStopTimer
	ActReportError
	ActNotify
	ActDrop
)

// Action is a side effect requested by Transition. SDP, Candidate, Err and
// Note are set according to Type.
type Action struct {
	Type      ActionType
	SDP       string
	Candidate webrtc.ICECandidateInit
	Err       error
	Note      string
}

func drop(reason string) []Action {
	return []Action{{Type: ActDrop, Note: reason}}
}

func fail(err error) (State, []Action) {
	return Failed, []Action{
		{Type: ActStopTimer},
		{Type: ActSendHangup},
		{Type: ActClosePeer},
		{Type: ActReportError, Err: err},
		{Type: ActNotify, Note: "failed"},
	}
}

func end(sendHangup bool) (State, []Action) {
	actions := []Action{{Type: ActStopTimer}}
	if sendHangup {
		actions = append(actions, Action{Type: ActSendHangup})
	}
	return Ended, append(actions, Action{Type: ActClosePeer}, Action{Type: ActNotify, Note: "ended"})
}

// yields reports whether a local pending offer loses to a remote offer. The
// peer with the smaller user id gives way.
func yields(selfID, remoteID string) bool {
	return remoteID > selfID
}

// Transition is the complete negotiation protocol: given the current state and
// one event it returns the next state and the side effects to perform, in
// order. It never blocks and has no side effects of its own.
func Transition(s State, ev Event, selfID string) (State, []Action) {
	switch s {
	case Ended:
		return Ended, drop("session ended")
	case Failed:
		if ev.Type == EvEndCall {
			return Ended, nil
		}
		return Failed, drop("session failed")
	}

	switch ev.Type {
	case EvEndCall:
		return end(s != Idle)
	case EvFatal:
		return fail(ev.Err)
	case EvRemoteHangup:
		if s == Idle {
			return s, drop("hangup while idle")
		}
		return end(false)
	case EvRemoteCandidate:
		if s == Idle {
			return s, drop("candidate while idle")
		}
		return s, []Action{{Type: ActAddCandidate, Candidate: ev.Candidate}}
	case EvLocalCandidate:
		if s == Idle {
			return s, drop("local candidate while idle")
		}
		return s, []Action{{Type: ActSendCandidate, Candidate: ev.Candidate}}
	case EvConnection:
		return connectionChange(s, ev.Conn)
	case EvTimeout:
		switch s {
		case LocalOfferPending, AwaitingAnswer, Negotiated:
			return fail(ErrNegotiationTimeout)
		}
		return s, drop("stale timeout")
	}

	switch s {
	case Idle:
		switch ev.Type {
		case EvStartCall:
			return LocalOfferPending, []Action{{Type: ActStartTimer}, {Type: ActCreateOffer}}
		case EvRemoteOffer:
			return Negotiated, []Action{{Type: ActStartTimer}, {Type: ActCreateAnswer, SDP: ev.SDP}}
		}

	case LocalOfferPending, AwaitingAnswer:
		switch ev.Type {
		case EvOfferCreated:
			if s == LocalOfferPending {
				return AwaitingAnswer, []Action{{Type: ActSendOffer, SDP: ev.SDP}}
			}
		case EvOfferFailed:
			if s == LocalOfferPending {
				return Idle, []Action{
					{Type: ActStopTimer},
					{Type: ActClosePeer},
					{Type: ActReportError, Err: ev.Err},
				}
			}
		case EvRemoteOffer:
			if !yields(selfID, ev.From) {
				return s, drop("glare: keeping local offer")
			}
			return Negotiated, []Action{{Type: ActResetPeer}, {Type: ActCreateAnswer, SDP: ev.SDP}}
		case EvRemoteAnswer:
			if s == AwaitingAnswer {
				return Negotiated, []Action{{Type: ActApplyAnswer, SDP: ev.SDP}}
			}
		}

	case Negotiated, Connected:
		switch ev.Type {
		case EvRemoteOffer:
			return s, []Action{{Type: ActCreateAnswer, SDP: ev.SDP}}
		case EvAnswerCreated:
			return s, []Action{{Type: ActSendAnswer, SDP: ev.SDP}}
		case EvAnswerFailed:
			if errors.Is(ev.Err, ErrInvalidState) {
				return s, drop(ev.Err.Error())
			}
			return fail(ev.Err)
		}
	}

	if ev.Type == EvStartCall {
		return s, drop("call already in progress")
	}
	return s, drop("unexpected " + ev.Type.String() + " in " + s.String())
}

func connectionChange(s State, c webrtc.PeerConnectionState) (State, []Action) {
	switch c {
	case webrtc.PeerConnectionStateConnected:
		if s == Negotiated {
			return Connected, []Action{{Type: ActStopTimer}, {Type: ActNotify, Note: "connected"}}
		}
	case webrtc.PeerConnectionStateFailed:
		if s != Idle {
			return fail(ErrTransportFailed)
		}
	}
	return s, drop("connection " + c.String() + " in " + s.String())
}
