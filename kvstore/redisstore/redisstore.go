// Package redisstore keeps keys in redis and announces every change on a pub/sub
// channel, so clients on different hosts can share one session.
package redisstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-session-manager/kvstore"
)

const scanBatch = 100

// notification is the pub/sub payload.
type notification struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin"`
}

// Store is a redis-backed kvstore.
type Store struct {
	client  *redis.Client
	channel string
	origin  string
	log     zerolog.Logger
	pubsub  *redis.PubSub
	*kvstore.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ kvstore.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithOrigin overrides the random id used to recognise this store's own notifications.
func WithOrigin(origin string) Option {
	return func(s *Store) {
		s.origin = origin
	}
}

// New pings redis, subscribes to channel and starts relaying notifications
// published by other stores.
func New(ctx context.Context, client *redis.Client, channel string, options ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("[redisstore.New] client is required")
	}
	if channel == "" {
		return nil, errors.New("[redisstore.New] channel is required")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "[redisstore.New] ping")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client:     client,
		channel:    channel,
		origin:     uuid.NewString(),
		log:        log.Logger,
		Dispatcher: kvstore.NewDispatcher(),
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.pubsub = client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no change published after New
	// returns is missed.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		cancel()
		s.pubsub.Close()
		return nil, errors.Wrapf(err, "[redisstore.New] subscribe %s", channel)
	}

	go s.relay()
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "[redisstore.Get] %s", key)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrapf(err, "[redisstore.Set] %s", key)
	}
	return s.notify(ctx, notification{Key: key, Value: value})
}

func (s *Store) Remove(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return errors.Wrapf(err, "[redisstore.Remove] %s", key)
	}
	if n == 0 {
		return nil
	}
	return s.notify(ctx, notification{Key: key, Deleted: true})
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, errors.Wrap(err, "[redisstore.Keys] scan")
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return dedupe(keys), nil
}

// Close unsubscribes. The redis client stays open; it belongs to the caller.
func (s *Store) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	s.Dispatcher.Close()
	return err
}

func (s *Store) notify(ctx context.Context, n notification) error {
	n.Origin = s.origin
	payload, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "[redisstore.notify] marshal")
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.notify] publish")
	}
	return nil
}

func (s *Store) relay() {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var n notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				s.log.Warn().Err(err).Str("channel", s.channel).Msg("dropping malformed change notification")
				continue
			}
			if n.Origin == s.origin {
				continue
			}
			s.Publish(kvstore.Change{Key: n.Key, Value: n.Value, Deleted: n.Deleted})
		}
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// dedupe removes repeats from a sorted slice; SCAN may return a key more than once.
func dedupe(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i > 0 && k == keys[i-1] {
			continue
		}
		out = append(out, k)
	}
	return out
}
