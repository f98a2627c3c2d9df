// Package broadcast carries login and logout announcements between contexts that
// share a kvstore. An event is written to one well-known key, rides the store's change
// notifications to the other contexts, and is removed again shortly afterwards: it is
// a signal, not state.
//
// Delivery is best effort. Receivers must tolerate duplicates (the broadcaster drops
// repeated ids) and lost events (the session coordinator's periodic check converges
// anyway).
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-session-manager/clock"
	ierrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/internal/ids"
	"github.com/jrsteele09/go-session-manager/kvstore"
)

const (
	DefaultKey = "medsession:event"
	DefaultTTL = 2 * time.Second

	// staleGrace is added to the TTL before an event counts as stale. It absorbs
	// clock skew between processes and slow watchers.
	staleGrace = 10 * time.Second
)

type Kind string

const (
	KindLogin  Kind = "login"
	KindLogout Kind = "logout"
)

func (k Kind) Valid() bool {
	return k == KindLogin || k == KindLogout
}

// Event is one announcement.
type Event struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	Origin  string            `json:"origin"`
	Payload map[string]string `json:"payload,omitempty"`
	At      time.Time         `json:"at"`
}

// Broadcaster announces events to, and receives events from, sibling contexts.
type Broadcaster struct {
	store  kvstore.Store
	key    string
	ttl    time.Duration
	clock  clock.Clock
	log    zerolog.Logger
	origin string

	lock        sync.Mutex
	seq         int
	handlers    map[int]func(Event)
	seen        map[string]time.Time
	cleanups    map[clock.Timer]struct{}
	unsubscribe func()
	closed      bool
}

type Option func(*Broadcaster)

func WithKey(key string) Option {
	return func(b *Broadcaster) {
		b.key = key
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(b *Broadcaster) {
		b.ttl = ttl
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Broadcaster) {
		b.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.log = l
	}
}

// WithOrigin names this context. Events carrying it are ignored on receipt.
func WithOrigin(origin string) Option {
	return func(b *Broadcaster) {
		b.origin = origin
	}
}

func New(store kvstore.Store, options ...Option) (*Broadcaster, error) {
	if store == nil {
		return nil, errors.New("[broadcast.New] store is required")
	}

	b := &Broadcaster{
		store:    store,
		key:      DefaultKey,
		ttl:      DefaultTTL,
		clock:    clock.Real(),
		log:      log.Logger,
		origin:   uuid.NewString(),
		handlers: make(map[int]func(Event)),
		seen:     make(map[string]time.Time),
		cleanups: make(map[clock.Timer]struct{}),
	}
	for _, opt := range options {
		opt(b)
	}
	if b.key == "" {
		return nil, errors.New("[broadcast.New] key is required")
	}
	if b.ttl <= 0 {
		return nil, errors.New("[broadcast.New] ttl must be positive")
	}
	return b, nil
}

// Origin identifies this context.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Start attaches to the store's change channel. Calling it again is a no-op.
func (b *Broadcaster) Start() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.unsubscribe != nil || b.closed {
		return
	}
	b.unsubscribe = b.store.Subscribe(b.onChange)
}

// Close detaches from the store and cancels pending event removals.
func (b *Broadcaster) Close() {
	b.lock.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.closed = true
	timers := make([]clock.Timer, 0, len(b.cleanups))
	for t := range b.cleanups {
		timers = append(timers, t)
	}
	b.cleanups = make(map[clock.Timer]struct{})
	b.lock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, t := range timers {
		t.Stop()
	}
}

// Subscribe registers a handler for events from other contexts.
func (b *Broadcaster) Subscribe(handler func(Event)) func() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.seq++
	id := b.seq
	b.handlers[id] = handler
	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		delete(b.handlers, id)
	}
}

// Announce writes an event for the other contexts and schedules its removal.
func (b *Broadcaster) Announce(ctx context.Context, kind Kind, payload map[string]string) error {
	if !kind.Valid() {
		return errors.Wrapf(ierrors.ErrInvalidEvent, "[Announce] kind %q", kind)
	}

	now := b.clock.Now()
	event := Event{
		ID:      ids.New(now),
		Kind:    kind,
		Origin:  b.origin,
		Payload: payload,
		At:      now,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "[Announce] marshal")
	}
	if err := b.store.Set(ctx, b.key, string(raw)); err != nil {
		return errors.Wrap(err, "[Announce] write event")
	}

	b.scheduleRemoval(string(raw))
	b.log.Debug().Str("kind", string(kind)).Str("event_id", event.ID).Msg("event announced")
	return nil
}

// scheduleRemoval deletes the event after the TTL unless a newer event replaced it.
func (b *Broadcaster) scheduleRemoval(raw string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}

	var timer clock.Timer
	timer = b.clock.AfterFunc(b.ttl, func() {
		b.lock.Lock()
		delete(b.cleanups, timer)
		b.lock.Unlock()

		ctx := context.Background()
		current, ok, err := b.store.Get(ctx, b.key)
		if err != nil {
			b.log.Warn().Err(err).Str("key", b.key).Msg("reading event for removal failed")
			return
		}
		if !ok || current != raw {
			return
		}
		if err := b.store.Remove(ctx, b.key); err != nil {
			b.log.Warn().Err(err).Str("key", b.key).Msg("removing event failed")
		}
	})
	b.cleanups[timer] = struct{}{}
}

func (b *Broadcaster) onChange(change kvstore.Change) {
	if change.Key != b.key || change.Deleted {
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(change.Value), &event); err != nil || event.ID == "" || !event.Kind.Valid() {
		b.log.Debug().Str("key", b.key).Msg("ignoring undecodable event")
		return
	}
	if event.Origin == b.origin {
		return
	}
	now := b.clock.Now()
	if now.Sub(event.At) > b.ttl+staleGrace {
		b.log.Debug().Str("event_id", event.ID).Msg("ignoring stale event")
		return
	}

	b.lock.Lock()
	if _, dup := b.seen[event.ID]; dup || b.closed {
		b.lock.Unlock()
		return
	}
	b.seen[event.ID] = event.At
	for id, at := range b.seen {
		if now.Sub(at) > 2*(b.ttl+staleGrace) {
			delete(b.seen, id)
		}
	}
	handlers := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.lock.Unlock()

	b.log.Debug().Str("kind", string(event.Kind)).Str("origin", event.Origin).Msg("event received")
	for _, h := range handlers {
		h(event)
	}
}
