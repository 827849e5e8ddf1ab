package models

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeJoin      SignalType = "join"
	SignalTypeLeave     SignalType = "leave"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeHangup    SignalType = "hangup"
	SignalTypeError     SignalType = "error"
)

// SignalMessage is the envelope exchanged on a session topic. Offer and
// Answer carry SDP, Candidate carries one trickled ICE candidate.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	From      string                   `json:"from,omitempty"`
	SessionID string                   `json:"sessionId"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

var ErrMalformedSignal = errors.New("malformed signal message")

func NewOffer(sessionID, from, sdp string) SignalMessage {
	return SignalMessage{Type: SignalTypeOffer, SessionID: sessionID, From: from, SDP: sdp}
}

func NewAnswer(sessionID, from, sdp string) SignalMessage {
	return SignalMessage{Type: SignalTypeAnswer, SessionID: sessionID, From: from, SDP: sdp}
}

func NewCandidate(sessionID, from string, c webrtc.ICECandidateInit) SignalMessage {
	return SignalMessage{Type: SignalTypeCandidate, SessionID: sessionID, From: from, Candidate: &c}
}

// Validate checks that the payload required by the message type is present.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, m.Type)
		}
	case SignalTypeCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: candidate without payload", ErrMalformedSignal)
		}
	case SignalTypeJoin, SignalTypeLeave, SignalTypeHangup, SignalTypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedSignal, m.Type)
	}
	return nil
}

// Description returns the SDP of an offer or answer as a pion description.
func (m SignalMessage) Description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if m.Type == SignalTypeAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: m.SDP}
}
