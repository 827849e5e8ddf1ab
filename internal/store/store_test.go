package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vineethgoud568-prog/CureMos/internal/livesync"
	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

func newTestStore(t *testing.T) (*Store, *Feed) {
	t.Helper()
	feed := NewMemoryFeed(nil)
	s, err := Open(filepath.Join(t.TempDir(), "curemos.db"), feed, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, feed
}

func createConsultation(t *testing.T, s *Store) models.Consultation {
	t.Helper()
	c, err := s.CreateConsultation(context.Background(), "doctor-a", models.CreateConsultationRequest{
		DoctorBID:        "doctor-b",
		ConsultationType: "video",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func nextEvent(t *testing.T, ch <-chan models.ChangeEvent) models.ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no change event")
	}
	return models.ChangeEvent{}
}

func TestConsultationLifecycle(t *testing.T) {
	s, feed := newTestStore(t)
	ctx := context.Background()

	events, cancel, err := feed.Subscribe(ctx, models.TableConsultations)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	c := createConsultation(t, s)
	if c.Status != models.StatusPending || c.UrgencyLevel != "normal" {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if ev := nextEvent(t, events); ev.Type != models.ChangeInsert || ev.ID != c.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := s.UpdateConsultationStatus(ctx, c.ID, models.StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	active, err := s.UpdateConsultationStatus(ctx, c.ID, models.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	if active.StartTime == nil || active.EndTime != nil {
		t.Fatalf("unexpected times %+v", active)
	}
	if ev := nextEvent(t, events); ev.Type != models.ChangeUpdate {
		t.Fatalf("unexpected event %+v", ev)
	}

	done, err := s.UpdateConsultationStatus(ctx, c.ID, models.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if done.EndTime == nil {
		t.Fatal("end time not set")
	}

	got, err := s.GetConsultation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCompleted || !got.CreatedAt.Equal(c.CreatedAt) {
		t.Fatalf("unexpected stored consultation %+v", got)
	}
}

func TestListConsultationsByRole(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := createConsultation(t, s)
	second := createConsultation(t, s)
	if _, err := s.CreateConsultation(ctx, "doctor-c", models.CreateConsultationRequest{
		DoctorBID: "doctor-d", ConsultationType: "chat",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListConsultations(ctx, models.ConsultationFilter("doctor-b", models.RoleDoctorB))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected list %+v", got)
	}

	if _, err := s.ListConsultations(ctx, models.Filter{Column: "status; DROP TABLE", Value: "x"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected invalid filter, got %v", err)
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	s, feed := newTestStore(t)
	ctx := context.Background()
	c := createConsultation(t, s)

	events, cancel, err := feed.Subscribe(ctx, models.TableMessages)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	req := models.SendMessageRequest{Content: "hello", ClientKey: "key-1"}
	first, created, err := s.InsertMessage(ctx, c.ID, "doctor-a", req)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	again, created, err := s.InsertMessage(ctx, c.ID, "doctor-a", req)
	if err != nil || created {
		t.Fatalf("second insert: created=%v err=%v", created, err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same message, got %s and %s", first.ID, again.ID)
	}

	if ev := nextEvent(t, events); ev.ID != first.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case ev := <-events:
		t.Fatalf("duplicate insert published %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// messages without a key never collide
	for range 2 {
		if _, _, err := s.InsertMessage(ctx, c.ID, "doctor-b", models.SendMessageRequest{Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.ListMessages(ctx, models.MessageFilter(c.ID))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}

func TestInsertMessageChecksParticipant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	c := createConsultation(t, s)

	if _, _, err := s.InsertMessage(ctx, c.ID, "intruder", models.SendMessageRequest{Content: "x"}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, _, err := s.InsertMessage(ctx, "missing", "doctor-a", models.SendMessageRequest{Content: "x"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	s, feed := newTestStore(t)
	ctx := context.Background()
	c := createConsultation(t, s)

	m, _, err := s.InsertMessage(ctx, c.ID, "doctor-a", models.SendMessageRequest{Content: "x"})
	if err != nil {
		t.Fatal(err)
	}

	events, cancel, err := feed.Subscribe(ctx, models.TableMessages)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	read, err := s.MarkRead(ctx, m.ID, "doctor-b")
	if err != nil {
		t.Fatal(err)
	}
	if !read.ReadStatus {
		t.Fatal("not marked read")
	}
	if ev := nextEvent(t, events); ev.Type != models.ChangeUpdate || ev.ID != m.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	stored, err := s.GetMessage(ctx, m.ID)
	if err != nil || !stored.ReadStatus {
		t.Fatalf("stored message %+v err %v", stored, err)
	}
}

func TestConcurrentMarkReadPublishesOnce(t *testing.T) {
	s, feed := newTestStore(t)
	ctx := context.Background()
	c := createConsultation(t, s)

	m, _, err := s.InsertMessage(ctx, c.ID, "doctor-a", models.SendMessageRequest{Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	events, cancel, err := feed.Subscribe(ctx, models.TableMessages)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.MarkRead(ctx, m.ID, "doctor-b"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	nextEvent(t, events)
	select {
	case ev := <-events:
		t.Fatalf("read flag published twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeleteCascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	c := createConsultation(t, s)

	m, _, err := s.InsertMessage(ctx, c.ID, "doctor-a", models.SendMessageRequest{Content: "x"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConsultation(ctx, c.ID, "doctor-b"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected only doctor A to delete, got %v", err)
	}
	if err := s.DeleteConsultation(ctx, c.ID, "doctor-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetConsultation(ctx, c.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetMessage(ctx, m.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("message survived delete: %v", err)
	}
}

func TestSynchronizedMessages(t *testing.T) {
	s, feed := newTestStore(t)
	ctx := context.Background()
	c := createConsultation(t, s)

	view := livesync.New[models.Message](s.Messages(), feed, livesync.Options{
		Table:  models.TableMessages,
		Filter: models.MessageFilter(c.ID),
		Parent: s.MessagesParent(c.ID),
	})
	sub, err := view.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer view.Unsubscribe(sub)
	<-sub.Ready()

	local := models.Message{
		ConsultationID: c.ID,
		SenderID:       "doctor-a",
		Content:        "optimistic",
		ClientKey:      "key-42",
		CreatedAt:      time.Now().UTC(),
	}
	if err := sub.AddLocal(local); err != nil {
		t.Fatal(err)
	}
	stored, _, err := s.InsertMessage(ctx, c.ID, "doctor-a", models.SendMessageRequest{Content: "optimistic", ClientKey: "key-42"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := sub.Snapshot()
		if len(snap) == 1 && snap[0].ID == stored.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo not merged: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.DeleteConsultation(ctx, c.ID, "doctor-a"); err != nil {
		t.Fatal(err)
	}
	for {
		if _, err := sub.Snapshot(); errors.Is(err, models.ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("parent delete not observed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
