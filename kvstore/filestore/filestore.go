// Package filestore keeps each key in its own file under one directory and uses
// fsnotify on that directory as the change channel, so separate processes pointed at
// the same directory behave like sibling contexts.
package filestore

import (
	"context"
	"encoding/base64"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-session-manager/kvstore"
)

const tempPrefix = ".tmp-"

// Store is a directory-backed kvstore.
type Store struct {
	dir     string
	log     zerolog.Logger
	watcher *fsnotify.Watcher
	*kvstore.Dispatcher

	mu         sync.Mutex
	selfWrites map[string]selfWrite // key -> last change made through this Store

	ctx    context.Context
	cancel context.CancelFunc
}

type selfWrite struct {
	value   string
	deleted bool
}

var _ kvstore.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open creates dir if needed and starts watching it.
func Open(dir string, options ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[filestore.Open] create dir")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "[filestore.Open] new watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "[filestore.Open] watch %s", dir)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		dir:        dir,
		log:        log.Logger,
		watcher:    watcher,
		Dispatcher: kvstore.NewDispatcher(),
		selfWrites: make(map[string]selfWrite),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range options {
		opt(s)
	}

	go s.processEvents()
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "[filestore.Get] %s", key)
	}
	return string(data), true, nil
}

// Set writes to a temp file and renames it into place so readers never see a
// partially written value.
func (s *Store) Set(_ context.Context, key, value string) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "[filestore.Set] temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[filestore.Set] write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[filestore.Set] close")
	}

	s.recordSelf(key, selfWrite{value: value})
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return errors.Wrap(err, "[filestore.Set] rename")
	}
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.recordSelf(key, selfWrite{deleted: true})
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "[filestore.Remove] %s", key)
	}
	return nil
}

func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "[filestore.Keys] read dir")
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := decodeName(e.Name())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close stops watching and delivering changes.
func (s *Store) Close() error {
	s.cancel()
	s.Dispatcher.Close()
	return s.watcher.Close()
}

func (s *Store) processEvents() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			key, ok := decodeName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.handleChange(key)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Str("dir", s.dir).Msg("filestore watcher error")
		}
	}
}

// handleChange re-reads the key so the published change is the current state,
// whichever event produced it.
func (s *Store) handleChange(key string) {
	value, exists, err := s.Get(s.ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("filestore read after change failed")
		return
	}

	change := kvstore.Change{Key: key, Value: value, Deleted: !exists}
	if s.consumeSelf(change) {
		return
	}
	s.Publish(change)
}

func (s *Store) recordSelf(key string, w selfWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfWrites[key] = w
}

// consumeSelf reports whether change is the echo of this Store's own last write.
func (s *Store) consumeSelf(change kvstore.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.selfWrites[change.Key]
	if !ok {
		return false
	}
	if w.deleted != change.Deleted || w.value != change.Value {
		return false
	}
	delete(s.selfWrites, change.Key)
	return true
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func decodeName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(key), true
}
