package signaling

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestMemoryBrokerDropsWhenFull(t *testing.T) {
	b := NewMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "changes:messages")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := range 300 {
		if err := b.Publish(context.Background(), "changes:messages", []byte(strconv.Itoa(i))); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(sub.C()); n != cap(sub.C()) {
		t.Fatalf("expected a full buffer of %d, got %d", cap(sub.C()), n)
	}
}

func TestLosslessMemoryBrokerWaitsForSubscriber(t *testing.T) {
	b := NewLosslessMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "changes:messages")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	const total = 600
	errs := make(chan error, 1)
	go func() {
		for i := range total {
			if err := b.Publish(context.Background(), "changes:messages", []byte(strconv.Itoa(i))); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	// let the publisher fill the buffer before reading
	time.Sleep(20 * time.Millisecond)
	for i := range total {
		select {
		case data := <-sub.C():
			if string(data) != strconv.Itoa(i) {
				t.Fatalf("payload %d: got %s", i, data)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("payload %d never arrived", i)
		}
	}
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
}

func TestLosslessMemoryBrokerReleasedByClose(t *testing.T) {
	b := NewLosslessMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "changes:messages")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		for range cap(sub.C()) + 1 {
			if err := b.Publish(context.Background(), "changes:messages", []byte("x")); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish still blocked after the subscriber closed")
	}
}

func TestLosslessMemoryBrokerHonorsContext(t *testing.T) {
	b := NewLosslessMemoryBroker()
	sub, err := b.Subscribe(context.Background(), "changes:messages")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for range cap(sub.C()) {
		if err := b.Publish(context.Background(), "changes:messages", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, "changes:messages", []byte("late")); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
