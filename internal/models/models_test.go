package models

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestConsultationStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ConsultationStatus
		ok       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestSignalMessageValidate(t *testing.T) {
	good := []SignalMessage{
		NewOffer("s", "a", "v=0"),
		NewAnswer("s", "b", "v=0"),
		NewCandidate("s", "a", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}),
		{Type: SignalTypeHangup, SessionID: "s"},
	}
	for _, m := range good {
		if err := m.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", m.Type, err)
		}
	}

	bad := []SignalMessage{
		{Type: SignalTypeOffer, SessionID: "s"},
		{Type: SignalTypeCandidate, SessionID: "s"},
		{Type: "bogus", SessionID: "s"},
	}
	for _, m := range bad {
		if err := m.Validate(); !errors.Is(err, ErrMalformedSignal) {
			t.Errorf("%q: expected ErrMalformedSignal, got %v", m.Type, err)
		}
	}
}

func TestConsultationFilter(t *testing.T) {
	c := Consultation{ID: "c1", DoctorAID: "gp", DoctorBID: "specialist"}

	f := ConsultationFilter("specialist", RoleDoctorB)
	if c.Column(f.Column) != f.Value {
		t.Errorf("doctor_b filter should match, got %s", f)
	}
	f = ConsultationFilter("gp", RoleDoctorA)
	if c.Column(f.Column) != f.Value {
		t.Errorf("doctor_a filter should match, got %s", f)
	}
	if !c.IsParticipant("specialist") || c.IsParticipant("other") {
		t.Error("participant check wrong")
	}
}
