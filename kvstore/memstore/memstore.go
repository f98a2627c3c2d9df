// Package memstore is an in-process kvstore. A Shared value plays the role of the
// storage every context of a client can see; each context gets its own Store view
// and hears about the changes made through the other views.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jrsteele09/go-session-manager/kvstore"
)

// Shared is the backing map shared by every context.
type Shared struct {
	lock  sync.RWMutex
	data  map[string]string
	views map[*Store]struct{}
}

func NewShared() *Shared {
	return &Shared{
		data:  make(map[string]string),
		views: make(map[*Store]struct{}),
	}
}

// Store is one context's view of a Shared map.
type Store struct {
	shared *Shared
	*kvstore.Dispatcher
}

var _ kvstore.Store = (*Store)(nil)

// NewContext opens a new view, as a new tab or process would.
func (s *Shared) NewContext() *Store {
	st := &Store{shared: s, Dispatcher: kvstore.NewDispatcher()}
	s.lock.Lock()
	s.views[st] = struct{}{}
	s.lock.Unlock()
	return st
}

// New returns a single-context store, for callers that only need persistence.
func New() *Store {
	return NewShared().NewContext()
}

// Snapshot copies the current contents.
func (s *Shared) Snapshot() map[string]string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	copied := make(map[string]string, len(s.data))
	for k, v := range s.data {
		copied[k] = v
	}
	return copied
}

func (st *Store) Get(_ context.Context, key string) (string, bool, error) {
	st.shared.lock.RLock()
	defer st.shared.lock.RUnlock()

	v, ok := st.shared.data[key]
	return v, ok, nil
}

func (st *Store) Set(_ context.Context, key, value string) error {
	st.shared.lock.Lock()
	st.shared.data[key] = value
	others := st.others()
	st.shared.lock.Unlock()

	for _, o := range others {
		o.Publish(kvstore.Change{Key: key, Value: value})
	}
	return nil
}

func (st *Store) Remove(_ context.Context, key string) error {
	st.shared.lock.Lock()
	_, existed := st.shared.data[key]
	delete(st.shared.data, key)
	others := st.others()
	st.shared.lock.Unlock()

	if !existed {
		return nil
	}
	for _, o := range others {
		o.Publish(kvstore.Change{Key: key, Deleted: true})
	}
	return nil
}

func (st *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	st.shared.lock.RLock()
	defer st.shared.lock.RUnlock()

	keys := make([]string, 0)
	for k := range st.shared.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close detaches the view; it stops receiving changes.
func (st *Store) Close() error {
	st.shared.lock.Lock()
	delete(st.shared.views, st)
	st.shared.lock.Unlock()
	st.Dispatcher.Close()
	return nil
}

// others must be called with the shared lock held.
func (st *Store) others() []*Store {
	others := make([]*Store, 0, len(st.shared.views))
	for v := range st.shared.views {
		if v != st {
			others = append(others, v)
		}
	}
	return others
}
