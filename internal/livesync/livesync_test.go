package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vineethgoud568-prog/CureMos/internal/models"
)

type fakeSource struct {
	mu       sync.Mutex
	rows     map[string]models.Message
	failures int
	lists    int
	block    chan struct{}
}

func newFakeSource(msgs ...models.Message) *fakeSource {
	src := &fakeSource{rows: make(map[string]models.Message)}
	for _, m := range msgs {
		src.rows[m.ID] = m
	}
	return src
}

func (f *fakeSource) List(ctx context.Context, filter models.Filter) ([]models.Message, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	var out []models.Message
	for _, m := range f.rows {
		if m.Column(filter.Column) == filter.Value {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSource) Get(_ context.Context, id string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return models.Message{}, models.ErrNotFound
	}
	return m, nil
}

func (f *fakeSource) put(m models.Message) {
	f.mu.Lock()
	f.rows[m.ID] = m
	f.mu.Unlock()
}

type fakeFeed struct {
	mu   sync.Mutex
	subs map[string][]chan models.ChangeEvent
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string][]chan models.ChangeEvent)}
}

func (f *fakeFeed) Subscribe(_ context.Context, table string) (<-chan models.ChangeEvent, func(), error) {
	ch := make(chan models.ChangeEvent, 16)
	f.mu.Lock()
	f.subs[table] = append(f.subs[table], ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func (f *fakeFeed) send(t *testing.T, table string, typ models.ChangeType, id string, row any) {
	t.Helper()
	ev, err := models.NewChangeEvent(table, typ, id, row)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[table] {
		ch <- ev
	}
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConsultationID: "c1",
		SenderID:       "doctor-a",
		Content:        "text " + id,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
	}
}

func newSync(src *fakeSource, feed *fakeFeed, parent *Parent) *Synchronizer[models.Message] {
	return New[models.Message](src, feed, Options{
		Table:          models.TableMessages,
		Filter:         models.MessageFilter("c1"),
		Parent:         parent,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
}

func subscribe(t *testing.T, s *Synchronizer[models.Message]) *Subscription[models.Message] {
	t.Helper()
	sub, err := s.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Close)
	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("initial fetch never completed")
	}
	return sub
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func waitFor(t *testing.T, sub *Subscription[models.Message], cond func([]models.Message, error) bool) []models.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := sub.Snapshot()
		if cond(snap, err) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last snapshot %v err %v", ids(snap), err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInsertsReorderedByCreation(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	feed.send(t, models.TableMessages, models.ChangeInsert, "m3", msg("m3", 3))
	feed.send(t, models.TableMessages, models.ChangeInsert, "m2", msg("m2", 2))

	want := []string{"m1", "m2", "m3"}
	waitFor(t, sub, func(s []models.Message, _ error) bool { return equal(ids(s), want) })
}

func TestSameInstantOrderedByID(t *testing.T) {
	src := newFakeSource(msg("b", 1), msg("a", 1))
	sub := subscribe(t, newSync(src, newFakeFeed(), nil))

	snap, err := sub.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !equal(ids(snap), []string{"a", "b"}) {
		t.Fatalf("got %v", ids(snap))
	}
}

func TestOtherConsultationIgnored(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	other := msg("x1", 2)
	other.ConsultationID = "c2"
	feed.send(t, models.TableMessages, models.ChangeInsert, "x1", other)
	feed.send(t, models.TableMessages, models.ChangeInsert, "m2", msg("m2", 3))

	waitFor(t, sub, func(s []models.Message, _ error) bool { return equal(ids(s), []string{"m1", "m2"}) })
}

func TestOptimisticInsertDeduplicated(t *testing.T) {
	src := newFakeSource()
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	local := msg("", 5)
	local.ClientKey = "key-1"
	if err := sub.AddLocal(local); err != nil {
		t.Fatal(err)
	}
	if err := sub.AddLocal(msg("", 6)); err == nil {
		t.Fatal("expected error for local record without key")
	}

	echo := msg("m7", 5)
	echo.ClientKey = "key-1"
	feed.send(t, models.TableMessages, models.ChangeInsert, "m7", echo)
	feed.send(t, models.TableMessages, models.ChangeInsert, "m7", echo)

	waitFor(t, sub, func(s []models.Message, _ error) bool { return equal(ids(s), []string{"m7"}) })
}

func TestUnknownUpdateFetchesRecord(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	read := msg("m0", 0)
	read.ReadStatus = true
	src.put(read)
	// the update carries no row, so the view must ask the store
	feed.send(t, models.TableMessages, models.ChangeUpdate, "m0", nil)

	snap := waitFor(t, sub, func(s []models.Message, _ error) bool { return len(s) == 2 })
	if snap[0].ID != "m0" || !snap[0].ReadStatus {
		t.Fatalf("unexpected head %+v", snap[0])
	}
}

func TestUnknownUpdateNotFoundIsDelete(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	feed.send(t, models.TableMessages, models.ChangeUpdate, "gone", nil)
	feed.send(t, models.TableMessages, models.ChangeInsert, "m2", msg("m2", 2))

	waitFor(t, sub, func(s []models.Message, _ error) bool { return equal(ids(s), []string{"m1", "m2"}) })
	if err := sub.Err(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	src := newFakeSource(msg("m1", 1), msg("m2", 2))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	read := msg("m1", 1)
	read.ReadStatus = true
	feed.send(t, models.TableMessages, models.ChangeUpdate, "m1", read)
	feed.send(t, models.TableMessages, models.ChangeDelete, "m2", nil)

	snap := waitFor(t, sub, func(s []models.Message, _ error) bool { return len(s) == 1 })
	if snap[0].ID != "m1" || !snap[0].ReadStatus {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestParentDeletedReportsNotFound(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, &Parent{Table: models.TableConsultations, ID: "c1"}))

	feed.send(t, models.TableConsultations, models.ChangeDelete, "other", nil)
	feed.send(t, models.TableConsultations, models.ChangeDelete, "c1", nil)

	waitFor(t, sub, func(_ []models.Message, err error) bool { return errors.Is(err, models.ErrNotFound) })
}

func TestMissingParentOnFetch(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	parent := &Parent{
		Table: models.TableConsultations,
		ID:    "c1",
		Check: func(context.Context) error { return models.ErrNotFound },
	}
	sub := subscribe(t, newSync(src, newFakeFeed(), parent))

	if _, err := sub.Snapshot(); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRetriedWithBackoff(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	src.failures = 2
	sub := subscribe(t, newSync(src, newFakeFeed(), nil))

	snap, _ := sub.Snapshot()
	if !equal(ids(snap), []string{"m1"}) {
		t.Fatalf("got %v", ids(snap))
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("error not cleared after success: %v", err)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.lists != 3 {
		t.Fatalf("expected 3 attempts, got %d", src.lists)
	}
}

func TestEventsDuringFetchApplied(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	src.block = make(chan struct{})
	feed := newFakeFeed()

	sub, err := newSync(src, feed, nil).Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	feed.send(t, models.TableMessages, models.ChangeInsert, "m2", msg("m2", 2))
	close(src.block)

	select {
	case <-sub.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("initial fetch never completed")
	}
	waitFor(t, sub, func(s []models.Message, _ error) bool { return equal(ids(s), []string{"m1", "m2"}) })
}

func TestUpdatesDeliversLatest(t *testing.T) {
	src := newFakeSource(msg("m1", 1))
	feed := newFakeFeed()
	sub := subscribe(t, newSync(src, feed, nil))

	feed.send(t, models.TableMessages, models.ChangeInsert, "m2", msg("m2", 2))

	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub.Updates():
			if equal(ids(snap), []string{"m1", "m2"}) {
				return
			}
		case <-timeout:
			t.Fatal("latest snapshot never delivered")
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := newSync(newFakeSource(), newFakeFeed(), nil)
	sub := subscribe(t, s)

	s.Unsubscribe(sub)
	s.Unsubscribe(sub)
	s.Unsubscribe(nil)
	sub.Close()
}
