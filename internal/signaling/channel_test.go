package signaling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"go.uber.org/zap"
)

type failingBroker struct{}

func (failingBroker) Subscribe(context.Context, string) (Subscription, error) {
	return nil, errors.New("connection refused")
}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func recv(t *testing.T, ch <-chan models.SignalMessage) models.SignalMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return models.SignalMessage{}
}

func TestOpenIsIdempotent(t *testing.T) {
	broker := NewMemoryBroker()
	a := NewAdapter(broker, "doctor-a", zap.NewNop())

	ch1, err := a.Open(context.Background(), "session-42")
	if err != nil {
		t.Fatal(err)
	}
	ch2, err := a.Open(context.Background(), "session-42")
	if err != nil {
		t.Fatal(err)
	}
	if ch1 != ch2 {
		t.Error("expected the same channel for the same session")
	}
	if ch1.Topic() != "webrtc:session-42" {
		t.Errorf("unexpected topic %q", ch1.Topic())
	}
	if n := broker.Subscribers("webrtc:session-42"); n != 1 {
		t.Errorf("expected one subscription, got %d", n)
	}
}

func TestOpenUnavailable(t *testing.T) {
	a := NewAdapter(failingBroker{}, "doctor-a", zap.NewNop())
	_, err := a.Open(context.Background(), "session-42")
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("expected ErrChannelUnavailable, got %v", err)
	}
}

type flakyBroker struct {
	*MemoryBroker
	failures int
	attempts int
}

func (b *flakyBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.attempts++
	if b.attempts <= b.failures {
		return nil, errors.New("connection refused")
	}
	return b.MemoryBroker.Subscribe(ctx, topic)
}

func TestOpenRetryBacksOff(t *testing.T) {
	broker := &flakyBroker{MemoryBroker: NewMemoryBroker(), failures: 2}
	a := NewAdapter(broker, "doctor-a", zap.NewNop())

	ch, err := a.OpenRetry(context.Background(), "session-42", time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if broker.attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", broker.attempts)
	}
}

func TestOpenRetryStopsWithContext(t *testing.T) {
	a := NewAdapter(failingBroker{}, "doctor-a", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.OpenRetry(ctx, "session-42", time.Millisecond, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("unexpected error %v", err)
	}
}

type refusingBroker struct{ failingBroker }

func (refusingBroker) Subscribe(context.Context, string) (Subscription, error) {
	return nil, fmt.Errorf("%w: 403 Forbidden", ErrChannelRefused)
}

func TestOpenRetryGivesUpWhenRefused(t *testing.T) {
	a := NewAdapter(refusingBroker{}, "doctor-c", zap.NewNop())
	_, err := a.OpenRetry(context.Background(), "session-42", time.Millisecond, time.Millisecond)
	if !errors.Is(err, ErrChannelRefused) || errors.Is(err, ErrChannelUnavailable) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSendReceiveInOrder(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	a, err := NewAdapter(broker, "doctor-a", zap.NewNop()).Open(ctx, "session-42")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewAdapter(broker, "doctor-b", zap.NewNop()).Open(ctx, "session-42")
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan models.SignalMessage, 8)
	b.OnMessage(func(m models.SignalMessage) { got <- m })

	selfEcho := make(chan models.SignalMessage, 8)
	a.OnMessage(func(m models.SignalMessage) { selfEcho <- m })

	if err := a.Send(ctx, models.NewOffer("", "", "v=0 offer")); err != nil {
		t.Fatal(err)
	}
	for i, c := range []string{"c1", "c2", "c3"} {
		cand := webrtc.ICECandidateInit{Candidate: "candidate:" + c}
		if err := a.Send(ctx, models.NewCandidate("", "", cand)); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
	}

	first := recv(t, got)
	if first.Type != models.SignalTypeOffer || first.From != "doctor-a" || first.SessionID != "session-42" {
		t.Fatalf("unexpected first message %+v", first)
	}
	for _, want := range []string{"candidate:c1", "candidate:c2", "candidate:c3"} {
		m := recv(t, got)
		if m.Candidate == nil || m.Candidate.Candidate != want {
			t.Fatalf("expected %s, got %+v", want, m)
		}
	}

	select {
	case m := <-selfEcho:
		t.Fatalf("sender should not receive its own message, got %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseIsIdempotentAndReleasesHandlers(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()
	adapter := NewAdapter(broker, "doctor-b", zap.NewNop())

	ch, err := adapter.Open(ctx, "session-42")
	if err != nil {
		t.Fatal(err)
	}
	calls := make(chan models.SignalMessage, 1)
	ch.OnMessage(func(m models.SignalMessage) { calls <- m })

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := broker.Subscribers("webrtc:session-42"); n != 0 {
		t.Errorf("expected subscription released, got %d", n)
	}
	if err := ch.Send(ctx, models.NewAnswer("", "", "v=0")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("send on closed channel: expected ErrChannelClosed, got %v", err)
	}

	other, _ := NewAdapter(broker, "doctor-a", zap.NewNop()).Open(ctx, "session-42")
	_ = other.Send(ctx, models.NewOffer("", "", "v=0"))
	select {
	case <-calls:
		t.Fatal("handler invoked after close")
	case <-time.After(50 * time.Millisecond):
	}

	reopened, err := adapter.Open(ctx, "session-42")
	if err != nil {
		t.Fatal(err)
	}
	if reopened == ch {
		t.Error("open after close should create a fresh channel")
	}
}

func TestInvalidMessagesDropped(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	ch, _ := NewAdapter(broker, "doctor-b", zap.NewNop()).Open(ctx, "s1")
	got := make(chan models.SignalMessage, 4)
	ch.OnMessage(func(m models.SignalMessage) { got <- m })

	_ = broker.Publish(ctx, "webrtc:s1", []byte("not json"))
	_ = broker.Publish(ctx, "webrtc:s1", []byte(`{"type":"offer","from":"x","sessionId":"s1"}`))
	_ = broker.Publish(ctx, "webrtc:s1", []byte(`{"type":"hangup","from":"x","sessionId":"s1"}`))

	m := recv(t, got)
	if m.Type != models.SignalTypeHangup {
		t.Fatalf("expected only the hangup to arrive, got %+v", m)
	}
}
