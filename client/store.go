// Package client keeps an in-memory copy of one user's lists and tasks in
// sync with the server. Positional changes are applied optimistically and
// confirmed by the event stream; textual changes wait for their event.
// Any failure on the optimistic path is recovered by a full reload.
package client

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

const (
	DefaultConfirmTimeout = 10 * time.Second
	DefaultCommandTimeout = 15 * time.Second

	confirmedRing = 256
)

// Store is the client reconciliation store.
type Store struct {
	tr Transport

	// ConfirmTimeout bounds how long a fire-and-wait command may go without
	// its confirming event before the store reloads.
	ConfirmTimeout time.Duration
	// CommandTimeout bounds every command round trip.
	CommandTimeout time.Duration

	mu        sync.Mutex
	st        *state
	errMsg    string
	pending   map[string]*time.Timer
	confirmed *keyRing

	reloadGen   uint64
	installed   uint64
	replaying   int
	journal     []domain.Event
	journalBase int

	changes *broker
}

// NewStore creates an empty store. Call Reload or Run to populate it.
func NewStore(tr Transport) *Store {
	return &Store{
		tr:             tr,
		ConfirmTimeout: DefaultConfirmTimeout,
		CommandTimeout: DefaultCommandTimeout,
		st:             &state{},
		pending:        make(map[string]*time.Timer),
		confirmed:      newKeyRing(confirmedRing),
		changes:        newBroker(),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Views: s.st.snapshot(), Err: s.errMsg}
}

// Changes returns a channel signalled after every state change and a
// function that stops the subscription. Signals coalesce, so a slow reader
// only ever sees the latest state through Snapshot.
func (s *Store) Changes() (<-chan struct{}, func()) {
	return s.changes.subscribe()
}

// Apply folds a server event into the state.
func (s *Store) Apply(ev domain.Event) error {
	s.mu.Lock()
	key, err := s.st.apply(ev)
	if err != nil {
		s.mu.Unlock()
		log.WithError(err).WithField("event", ev.Name).Error("unable to apply event")
		return err
	}
	if s.replaying > 0 {
		s.journal = append(s.journal, ev)
	}
	if key != "" {
		s.confirmLocked(key)
	}
	s.mu.Unlock()
	s.changes.notify()
	return nil
}

func (s *Store) confirmLocked(key string) {
	if timer, ok := s.pending[key]; ok {
		timer.Stop()
		delete(s.pending, key)
		return
	}
	s.confirmed.add(key)
}

// expect registers a fire-and-wait confirmation. An event that already
// arrived satisfies it immediately.
func (s *Store) expect(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmed.take(key) {
		return
	}
	if _, ok := s.pending[key]; ok {
		return
	}
	s.pending[key] = time.AfterFunc(s.ConfirmTimeout, func() { s.expire(key) })
}

func (s *Store) expire(key string) {
	s.mu.Lock()
	_, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	log.WithField("key", key).Warn("no confirming event, reloading")
	ctx, cancel := context.WithTimeout(context.Background(), s.CommandTimeout)
	defer cancel()
	if err := s.Reload(ctx); err != nil {
		log.WithError(err).Error("reload after missing confirmation failed")
	}
}

// Pending reports how many fire-and-wait commands await their event.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// beginReload starts recording events so they can be replayed onto the
// snapshot that is about to be fetched.
func (s *Store) beginReload() (gen uint64, mark int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadGen++
	s.replaying++
	return s.reloadGen, s.journalBase + len(s.journal)
}

func (s *Store) finishReload(gen uint64, mark int, lists []domain.List, err error) error {
	s.mu.Lock()
	s.replaying--
	if err == nil && gen > s.installed {
		s.installed = gen
		st := newState(lists)
		for _, ev := range s.journal[mark-s.journalBase:] {
			if _, aerr := st.apply(ev); aerr != nil {
				log.WithError(aerr).WithField("event", ev.Name).Warn("unable to replay event")
			}
		}
		s.st = st
	}
	if s.replaying == 0 {
		s.journalBase += len(s.journal)
		s.journal = nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.changes.notify()
	return nil
}

// Reload replaces the state with a fresh fetch from the server. Events that
// arrive while the fetch is in flight are replayed on top of it.
func (s *Store) Reload(ctx context.Context) error {
	gen, mark := s.beginReload()
	ctx, cancel := context.WithTimeout(ctx, s.CommandTimeout)
	defer cancel()
	lists, err := s.tr.GetLists(ctx)
	return s.finishReload(gen, mark, lists, err)
}

func (s *Store) setError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.mu.Unlock()
	s.changes.notify()
}

func (s *Store) clearError() {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
}

// recover reports a failed optimistic command and resynchronizes.
func (s *Store) recover(ctx context.Context, msg string, cause error) {
	log.WithError(cause).Warn(msg)
	s.setError(msg)
	if err := s.Reload(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Error("reload failed")
	}
}

// Run keeps the event stream open until ctx is done. Every successful
// connection, including reconnects after a drop, triggers a reload since
// events may have been missed in between.
func (s *Store) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		connCtx, closeConn := context.WithCancel(ctx)
		opened := func() {
			backoff = time.Second
			gen, mark := s.beginReload()
			go s.reloadOnConnect(connCtx, gen, mark)
		}
		err := s.tr.Stream(ctx, opened, func(ev domain.Event) { _ = s.Apply(ev) })
		closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).WithField("backoff", backoff).Warn("event stream closed, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// reloadOnConnect fetches the state for a new connection, retrying with
// backoff until a fetch succeeds or the connection ends. Each retry starts
// recording before the failed attempt stops, so no event is lost between.
func (s *Store) reloadOnConnect(ctx context.Context, gen uint64, mark int) {
	wait := time.Second
	for {
		rctx, cancel := context.WithTimeout(ctx, s.CommandTimeout)
		lists, err := s.tr.GetLists(rctx)
		cancel()
		if err == nil {
			_ = s.finishReload(gen, mark, lists, nil)
			return
		}
		next, nextMark := s.beginReload()
		_ = s.finishReload(gen, mark, nil, err)
		gen, mark = next, nextMark
		log.WithError(err).WithField("retry_in", wait).Warn("reload on connect failed")
		select {
		case <-ctx.Done():
			_ = s.finishReload(gen, mark, nil, ctx.Err())
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, 5*time.Second)
	}
}

// keyRing remembers the most recent confirmation keys whose events arrived
// before anyone waited for them.
type keyRing struct {
	keys []string
	set  map[string]int
	next int
}

func newKeyRing(size int) *keyRing {
	return &keyRing{keys: make([]string, size), set: make(map[string]int, size)}
}

func (r *keyRing) add(key string) {
	if old := r.keys[r.next]; old != "" {
		if r.set[old]--; r.set[old] <= 0 {
			delete(r.set, old)
		}
	}
	r.keys[r.next] = key
	r.set[key]++
	r.next = (r.next + 1) % len(r.keys)
}

func (r *keyRing) take(key string) bool {
	if r.set[key] == 0 {
		return false
	}
	for i, k := range r.keys {
		if k == key {
			r.keys[i] = ""
			break
		}
	}
	if r.set[key]--; r.set[key] <= 0 {
		delete(r.set, key)
	}
	return true
}

// broker fans out change signals without ever blocking the store.
type broker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan struct{}]struct{})}
}

func (b *broker) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

func (b *broker) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
