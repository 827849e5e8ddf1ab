package notify

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	ev := Event{Kind: KindConsultationCreated, UserID: "doctor-b", SessionID: "c1"}

	Multi{a, Nop{}, b}.Notify(context.Background(), ev)

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected one event each, got %d and %d", len(a.events), len(b.events))
	}
	if b.events[0].UserID != "doctor-b" {
		t.Errorf("unexpected event %+v", b.events[0])
	}
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	n.Notify(context.Background(), Event{Kind: KindCallFailed, UserID: "doctor-a", SessionID: "session-42"})

	entries := logs.FilterMessage(KindCallFailed).All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["session"]; got != "session-42" {
		t.Errorf("unexpected session field %v", got)
	}
}
