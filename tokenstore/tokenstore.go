// Package tokenstore persists the session record: access and refresh tokens, the user
// snapshot, the absolute expiry and the backend session id. It is the only code that
// touches session keys in the shared store, and its Read is the single answer to
// "is anyone logged in".
package tokenstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-session-manager/clock"
	ierrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/internal/ids"
	"github.com/jrsteele09/go-session-manager/kvstore"
	"github.com/jrsteele09/go-session-manager/users"
)

const (
	DefaultNamespace = "medsession"

	fieldAccessToken  = "accessToken"
	fieldRefreshToken = "refreshToken"
	fieldUser         = "user"
	fieldExpiresAt    = "expiresAt"
	fieldSessionID    = "sessionId"

	defaultObfuscationKey = "medsession-local"
)

// Session is one persisted session record.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         users.User
	ExpiresAt    time.Time
	SessionID    string // Optional; only used to tell the backend about a logout
}

// TimeUntilExpiry is never negative.
func (s Session) TimeUntilExpiry(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// envelope wraps every field with the generation of the Persist call that wrote it.
type envelope struct {
	Generation string          `json:"g"`
	Value      json.RawMessage `json:"v"`
}

// Store reads and writes the session record.
type Store struct {
	kv        kvstore.Store
	transform Transform
	namespace string
	clock     clock.Clock
	log       zerolog.Logger

	// lock makes Persist/Clear atomic for readers sharing this Store. Other
	// contexts rely on the generation check instead.
	lock sync.RWMutex
}

type Option func(*Store)

func WithTransform(t Transform) Option {
	return func(s *Store) {
		s.transform = t
	}
}

func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

func New(kv kvstore.Store, options ...Option) (*Store, error) {
	if kv == nil {
		return nil, errors.New("[tokenstore.New] kv store is required")
	}
	xor, err := NewXORObfuscator(defaultObfuscationKey)
	if err != nil {
		return nil, err
	}

	s := &Store{
		kv:        kv,
		transform: xor,
		namespace: DefaultNamespace,
		clock:     clock.Real(),
		log:       log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.namespace == "" {
		return nil, errors.New("[tokenstore.New] namespace is required")
	}
	if s.transform == nil {
		return nil, errors.New("[tokenstore.New] transform is required")
	}
	return s, nil
}

// Namespace is the key prefix owned by this store.
func (s *Store) Namespace() string {
	return s.namespace
}

// OwnsKey reports whether key belongs to the session record.
func (s *Store) OwnsKey(key string) bool {
	return strings.HasPrefix(key, s.namespace+".")
}

// Persist replaces the whole record. Every field is written with one fresh
// generation, so a reader never accepts a mix of this record and an older one.
func (s *Store) Persist(ctx context.Context, session Session) error {
	if session.AccessToken == "" {
		return errors.Wrap(ierrors.ErrIncompleteData, "[Persist] access token is required")
	}
	if session.User.ID == "" {
		return errors.Wrap(ierrors.ErrIncompleteData, "[Persist] user id is required")
	}
	if session.ExpiresAt.IsZero() {
		return errors.Wrap(ierrors.ErrIncompleteData, "[Persist] expiry is required")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	generation := ids.New(s.clock.Now())
	fields := []struct {
		name  string
		value any
	}{
		{fieldSessionID, session.SessionID},
		{fieldRefreshToken, session.RefreshToken},
		{fieldUser, session.User},
		{fieldExpiresAt, session.ExpiresAt.UnixMilli()},
		{fieldAccessToken, session.AccessToken},
	}
	for _, f := range fields {
		if f.name == fieldSessionID && session.SessionID == "" {
			if err := s.kv.Remove(ctx, s.key(f.name)); err != nil {
				return errors.Wrap(err, "[Persist] remove session id")
			}
			continue
		}
		if err := s.writeField(ctx, generation, f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the stored record, or false when it is missing, unreadable or was
// caught half-written. It never fails.
func (s *Store) Read(ctx context.Context) (Session, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	session, err := s.read(ctx)
	if err != nil {
		if !errors.Is(err, ierrors.ErrNoSession) {
			s.log.Debug().Err(err).Str("namespace", s.namespace).Msg("session record not readable")
		}
		return Session{}, false
	}
	return session, true
}

// Clear removes every key of the namespace. Clearing an empty store is fine.
func (s *Store) Clear(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	keys, err := s.kv.Keys(ctx, s.namespace+".")
	if err != nil {
		return errors.Wrap(err, "[Clear] list keys")
	}
	// Access token first: once it is gone no reader can see a session, even if a
	// later removal fails.
	ordered := make([]string, 0, len(keys))
	ordered = append(ordered, s.key(fieldAccessToken))
	for _, k := range keys {
		if k != s.key(fieldAccessToken) {
			ordered = append(ordered, k)
		}
	}

	var firstErr error
	for _, k := range ordered {
		if err := s.kv.Remove(ctx, k); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "[Clear] remove %s", k)
		}
	}
	return firstErr
}

// IsValid reports whether a readable record exists and has not expired. The answer
// is only good for the moment it was given.
func (s *Store) IsValid(ctx context.Context) bool {
	session, ok := s.Read(ctx)
	return ok && session.ExpiresAt.After(s.clock.Now())
}

// HasResidue reports whether session keys exist that do not form a readable record.
func (s *Store) HasResidue(ctx context.Context) bool {
	keys, err := s.kv.Keys(ctx, s.namespace+".")
	if err != nil || len(keys) == 0 {
		return false
	}
	_, ok := s.Read(ctx)
	return !ok
}

func (s *Store) read(ctx context.Context) (Session, error) {
	var (
		session    Session
		generation string
		expiresMs  int64
	)
	required := []struct {
		name   string
		target any
	}{
		{fieldAccessToken, &session.AccessToken},
		{fieldRefreshToken, &session.RefreshToken},
		{fieldUser, &session.User},
		{fieldExpiresAt, &expiresMs},
	}
	for i, f := range required {
		gen, found, err := s.readField(ctx, f.name, f.target)
		if err != nil {
			return Session{}, err
		}
		if !found {
			if i == 0 {
				return Session{}, ierrors.ErrNoSession
			}
			return Session{}, errors.Wrapf(ierrors.ErrIncompleteData, "missing %s", f.name)
		}
		if generation == "" {
			generation = gen
		} else if gen != generation {
			return Session{}, errors.Wrapf(ierrors.ErrCorruptRecord, "%s from another write", f.name)
		}
	}

	gen, found, err := s.readField(ctx, fieldSessionID, &session.SessionID)
	if err != nil {
		return Session{}, err
	}
	if found && gen != generation {
		return Session{}, errors.Wrap(ierrors.ErrCorruptRecord, "sessionId from another write")
	}

	if session.AccessToken == "" || session.User.ID == "" || expiresMs <= 0 {
		return Session{}, errors.Wrap(ierrors.ErrIncompleteData, "empty required field")
	}
	session.ExpiresAt = time.UnixMilli(expiresMs)
	return session, nil
}

func (s *Store) writeField(ctx context.Context, generation, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "[Persist] marshal %s", name)
	}
	payload, err := json.Marshal(envelope{Generation: generation, Value: raw})
	if err != nil {
		return errors.Wrapf(err, "[Persist] marshal %s envelope", name)
	}
	encoded, err := s.transform.Encode(payload)
	if err != nil {
		return errors.Wrapf(err, "[Persist] encode %s", name)
	}
	if err := s.kv.Set(ctx, s.key(name), encoded); err != nil {
		return errors.Wrapf(err, "[Persist] write %s", name)
	}
	return nil
}

func (s *Store) readField(ctx context.Context, name string, target any) (string, bool, error) {
	encoded, found, err := s.kv.Get(ctx, s.key(name))
	if err != nil {
		return "", false, errors.Wrapf(ierrors.ErrStoreUnavailable, "read %s: %v", name, err)
	}
	if !found {
		return "", false, nil
	}

	payload, err := s.transform.Decode(encoded)
	if err != nil {
		return "", false, errors.Wrapf(ierrors.ErrCorruptRecord, "decode %s: %v", name, err)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Generation == "" {
		return "", false, errors.Wrapf(ierrors.ErrCorruptRecord, "envelope %s", name)
	}
	if err := json.Unmarshal(env.Value, target); err != nil {
		return "", false, errors.Wrapf(ierrors.ErrCorruptRecord, "value %s: %v", name, err)
	}
	return env.Generation, true, nil
}

func (s *Store) key(field string) string {
	return s.namespace + "." + field
}
