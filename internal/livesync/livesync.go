// Package livesync keeps an in-memory, creation-ordered view of store records
// current by folding change feed events into an initial fetch.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vineethgoud568-prog/CureMos/internal/models"
	"go.uber.org/zap"
)

// Record is implemented by models.Consultation and models.Message.
type Record interface {
	RecordID() string
	CreatedTime() time.Time
	IdempotencyKey() string
	Column(name string) string
}

// Source answers full and point queries.
type Source[T Record] interface {
	List(ctx context.Context, f models.Filter) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
}

// Feed delivers change events for one table until cancel is called.
type Feed interface {
	Subscribe(ctx context.Context, table string) (<-chan models.ChangeEvent, func(), error)
}

// Parent identifies the record a synchronized collection hangs off. When it
// is deleted the collection reports models.ErrNotFound.
type Parent struct {
	Table string
	ID    string
	// Check, if set, is called with every full fetch.
	Check func(ctx context.Context) error
}

type Options struct {
	Table  string
	Filter models.Filter
	Parent *Parent

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
}

var ErrFeedClosed = errors.New("change feed closed")

// Synchronizer creates live views of one table.
type Synchronizer[T Record] struct {
	source Source[T]
	feed   Feed
	opts   Options
	logger *zap.Logger
}

func New[T Record](source Source[T], feed Feed, opts Options) *Synchronizer[T] {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Synchronizer[T]{
		source: source,
		feed:   feed,
		opts:   opts,
		logger: opts.Logger.Named("livesync").With(zap.String("table", opts.Table), zap.Stringer("filter", opts.Filter)),
	}
}

// Subscribe starts a live view. The feed subscription is established before
// the initial fetch so no change between the two is lost. The fetch itself is
// retried in the background; Ready is closed when it first succeeds.
func (s *Synchronizer[T]) Subscribe(ctx context.Context) (*Subscription[T], error) {
	events, cancelEvents, err := s.feed.Subscribe(ctx, s.opts.Table)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.opts.Table, err)
	}

	var parentEvents <-chan models.ChangeEvent
	cancelParent := func() {}
	if p := s.opts.Parent; p != nil {
		parentEvents, cancelParent, err = s.feed.Subscribe(ctx, p.Table)
		if err != nil {
			cancelEvents()
			return nil, fmt.Errorf("subscribe %s: %w", p.Table, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription[T]{
		owner:   s,
		ctx:     runCtx,
		cancel:  cancel,
		updates: make(chan []T, 1),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		local:   make(map[string]struct{}),
		release: func() {
			cancelEvents()
			cancelParent()
		},
	}
	go sub.run(events, parentEvents)
	return sub, nil
}

// Unsubscribe stops sub. It never fails, including for a nil or already
// closed subscription.
func (s *Synchronizer[T]) Unsubscribe(sub *Subscription[T]) {
	sub.Close()
}

// Subscription is one live, ordered view.
type Subscription[T Record] struct {
	owner   *Synchronizer[T]
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	updates chan []T
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
	pubMu   sync.Mutex

	mu         sync.RWMutex
	records    []T
	local      map[string]struct{} // idempotency keys of unconfirmed optimistic records
	parentGone bool
	lastErr    error

	// owned by run
	fetching  bool
	readyOnce sync.Once
}

// Snapshot returns a copy of the current records sorted by creation time,
// oldest first, or models.ErrNotFound once the parent has been deleted.
// While a re-fetch is failing the last good snapshot stays visible.
func (s *Subscription[T]) Snapshot() ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.parentGone {
		return nil, models.ErrNotFound
	}
	return slices.Clone(s.records), nil
}

// Updates receives the newest snapshot after every change. Intermediate
// snapshots are skipped for slow readers.
func (s *Subscription[T]) Updates() <-chan []T { return s.updates }

// Ready is closed once the initial fetch has succeeded.
func (s *Subscription[T]) Ready() <-chan struct{} { return s.ready }

// Err returns the most recent fetch error, or nil after a successful fetch.
func (s *Subscription[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// AddLocal inserts an optimistic record that has not been stored yet. The
// record must carry an idempotency key; its echo from the feed replaces it.
func (s *Subscription[T]) AddLocal(rec T) error {
	if rec.IdempotencyKey() == "" {
		return errors.New("local record without idempotency key")
	}
	s.mu.Lock()
	if s.parentGone {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if i := s.indexByKey(rec.IdempotencyKey()); i >= 0 {
		s.records = slices.Delete(s.records, i, i+1)
	}
	s.local[rec.IdempotencyKey()] = struct{}{}
	s.insertLocked(rec)
	s.mu.Unlock()
	s.publish()
	return nil
}

// Close stops the view. Safe on a nil subscription and safe to repeat.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		s.release()
		<-s.done
	})
}

func (s *Subscription[T]) run(events, parentEvents <-chan models.ChangeEvent) {
	defer close(s.done)

	fetched := make(chan []T, 1)
	resync := func() {
		if s.fetching {
			return
		}
		s.fetching = true
		go s.fetch(fetched)
	}
	resync()

	var pending []models.ChangeEvent
	for {
		select {
		case <-s.ctx.Done():
			return

		case records := <-fetched:
			s.fetching = false
			s.replace(records)
			for _, ev := range pending {
				if s.apply(ev) {
					resync()
				}
			}
			pending = nil
			s.readyOnce.Do(func() { close(s.ready) })
			s.publish()

		case ev, ok := <-events:
			if !ok {
				s.setErr(ErrFeedClosed)
				s.owner.logger.Warn("change feed closed")
				events = nil
				continue
			}
			if s.fetching {
				pending = append(pending, ev)
				continue
			}
			if s.apply(ev) {
				resync()
			}
			s.publish()

		case ev, ok := <-parentEvents:
			if !ok {
				parentEvents = nil
				continue
			}
			if ev.Type == models.ChangeDelete && ev.ID == s.owner.opts.Parent.ID {
				s.owner.logger.Info("parent deleted", zap.String("parent", ev.ID))
				s.mu.Lock()
				s.parentGone = true
				s.records = nil
				s.mu.Unlock()
				s.publish()
			}
		}
	}
}

// fetch runs a full query, retrying with exponential backoff until it
// succeeds or the subscription closes.
func (s *Subscription[T]) fetch(out chan<- []T) {
	backoff := s.owner.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		records, err := s.fetchOnce()
		if err == nil {
			s.setErr(nil)
			select {
			case out <- records:
			case <-s.ctx.Done():
			}
			return
		}
		if errors.Is(err, models.ErrNotFound) {
			s.mu.Lock()
			s.parentGone = true
			s.records = nil
			s.mu.Unlock()
			s.setErr(err)
			select {
			case out <- nil:
			case <-s.ctx.Done():
			}
			return
		}

		s.setErr(err)
		s.owner.logger.Warn("fetch failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff *= 2
		if backoff > s.owner.opts.MaxBackoff {
			backoff = s.owner.opts.MaxBackoff
		}
	}
}

func (s *Subscription[T]) fetchOnce() ([]T, error) {
	if p := s.owner.opts.Parent; p != nil && p.Check != nil {
		if err := p.Check(s.ctx); err != nil {
			return nil, err
		}
	}
	return s.owner.source.List(s.ctx, s.owner.opts.Filter)
}

// replace installs a full fetch result, keeping optimistic records that have
// not been echoed yet.
func (s *Subscription[T]) replace(records []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parentGone {
		return
	}

	next := slices.Clone(records)
	for _, r := range s.records {
		key := r.IdempotencyKey()
		if _, ok := s.local[key]; !ok {
			continue
		}
		if slices.ContainsFunc(next, func(n T) bool { return n.IdempotencyKey() == key }) {
			delete(s.local, key)
			continue
		}
		next = append(next, r)
	}
	slices.SortStableFunc(next, compare[T])
	s.records = next
}

// apply folds one change event into the view. It reports whether a full
// re-fetch is needed.
func (s *Subscription[T]) apply(ev models.ChangeEvent) (resync bool) {
	if ev.Table != "" && ev.Table != s.owner.opts.Table {
		return false
	}

	switch ev.Type {
	case models.ChangeDelete:
		s.remove(ev.ID)
		return false

	case models.ChangeInsert, models.ChangeUpdate:
		var rec T
		if err := json.Unmarshal(ev.Row, &rec); err != nil || rec.RecordID() == "" {
			if ev.Type == models.ChangeInsert {
				s.owner.logger.Warn("undecodable insert, resyncing", zap.String("id", ev.ID), zap.Error(err))
				return true
			}
			return s.refetch(ev.ID)
		}
		if !s.matches(rec) {
			s.remove(rec.RecordID())
			return false
		}

		s.mu.Lock()
		known := s.indexByID(rec.RecordID()) >= 0
		s.mu.Unlock()
		if ev.Type == models.ChangeUpdate && !known {
			return s.refetch(rec.RecordID())
		}
		s.upsert(rec)
		return false
	}

	s.owner.logger.Debug("ignoring change", zap.String("event", string(ev.Type)))
	return false
}

// refetch resolves an update for a record the view has never seen.
func (s *Subscription[T]) refetch(id string) (resync bool) {
	rec, err := s.owner.source.Get(s.ctx, id)
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.remove(id)
		return false
	case err != nil:
		s.owner.logger.Warn("point re-fetch failed", zap.String("id", id), zap.Error(err))
		return true
	}
	if s.matches(rec) {
		s.upsert(rec)
	} else {
		s.remove(id)
	}
	return false
}

func (s *Subscription[T]) matches(rec T) bool {
	f := s.owner.opts.Filter
	return f.Column == "" || rec.Column(f.Column) == f.Value
}

func (s *Subscription[T]) upsert(rec T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parentGone {
		return
	}
	if i := s.indexByID(rec.RecordID()); i >= 0 {
		s.records = slices.Delete(s.records, i, i+1)
	} else if key := rec.IdempotencyKey(); key != "" {
		if i := s.indexByKey(key); i >= 0 {
			s.records = slices.Delete(s.records, i, i+1)
		}
	}
	delete(s.local, rec.IdempotencyKey())
	s.insertLocked(rec)
}

func (s *Subscription[T]) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexByID(id); i >= 0 {
		s.records = slices.Delete(s.records, i, i+1)
	}
}

func (s *Subscription[T]) insertLocked(rec T) {
	i, _ := slices.BinarySearchFunc(s.records, rec, compare[T])
	for i < len(s.records) && compare(s.records[i], rec) == 0 {
		i++
	}
	s.records = slices.Insert(s.records, i, rec)
}

func (s *Subscription[T]) indexByID(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.records, func(r T) bool { return r.RecordID() == id })
}

func (s *Subscription[T]) indexByKey(key string) int {
	return slices.IndexFunc(s.records, func(r T) bool { return r.IdempotencyKey() == key })
}

func (s *Subscription[T]) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Subscription[T]) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	snap, err := s.Snapshot()
	if err != nil {
		snap = nil
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

// compare orders by creation time, then id, so records created in the same
// instant still have a stable position.
func compare[T Record](a, b T) int {
	if c := a.CreatedTime().Compare(b.CreatedTime()); c != 0 {
		return c
	}
	return strings.Compare(a.RecordID(), b.RecordID())
}
