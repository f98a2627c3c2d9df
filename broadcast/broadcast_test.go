package broadcast_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-manager/broadcast"
	"github.com/jrsteele09/go-session-manager/clock/clockfake"
	"github.com/jrsteele09/go-session-manager/kvstore/memstore"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type inbox struct {
	lock   sync.Mutex
	events []broadcast.Event
}

func (i *inbox) add(e broadcast.Event) {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.events = append(i.events, e)
}

func (i *inbox) all() []broadcast.Event {
	i.lock.Lock()
	defer i.lock.Unlock()
	return append([]broadcast.Event(nil), i.events...)
}

type pair struct {
	shared *memstore.Shared
	clock  *clockfake.Clock
	a, b   *broadcast.Broadcaster
	inA    *inbox
	inB    *inbox
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{shared: memstore.NewShared(), clock: clockfake.New(start), inA: &inbox{}, inB: &inbox{}}

	var err error
	p.a, err = broadcast.New(p.shared.NewContext(), broadcast.WithClock(p.clock), broadcast.WithOrigin("tab-a"))
	require.NoError(t, err)
	p.b, err = broadcast.New(p.shared.NewContext(), broadcast.WithClock(p.clock), broadcast.WithOrigin("tab-b"))
	require.NoError(t, err)

	p.a.Subscribe(p.inA.add)
	p.b.Subscribe(p.inB.add)
	p.a.Start()
	p.b.Start()
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
	})
	return p
}

func TestAnnounce(t *testing.T) {
	ctx := context.Background()

	t.Run("other context receives, announcer does not", func(t *testing.T) {
		p := newPair(t)
		require.NoError(t, p.a.Announce(ctx, broadcast.KindLogout, map[string]string{"reason": "user"}))

		require.Eventually(t, func() bool { return len(p.inB.all()) == 1 }, time.Second, 5*time.Millisecond)
		got := p.inB.all()[0]
		require.Equal(t, broadcast.KindLogout, got.Kind)
		require.Equal(t, "tab-a", got.Origin)
		require.Equal(t, "user", got.Payload["reason"])
		require.True(t, start.Equal(got.At))
		require.Empty(t, p.inA.all())
	})

	t.Run("event is removed after the ttl", func(t *testing.T) {
		p := newPair(t)
		require.NoError(t, p.a.Announce(ctx, broadcast.KindLogin, nil))
		require.Contains(t, p.shared.Snapshot(), broadcast.DefaultKey)

		p.clock.Advance(broadcast.DefaultTTL)
		require.NotContains(t, p.shared.Snapshot(), broadcast.DefaultKey)
	})

	t.Run("removal leaves a newer event in place", func(t *testing.T) {
		p := newPair(t)
		require.NoError(t, p.a.Announce(ctx, broadcast.KindLogin, nil))
		p.clock.Advance(time.Second)
		require.NoError(t, p.b.Announce(ctx, broadcast.KindLogout, nil))

		p.clock.Advance(time.Second)
		raw, ok := p.shared.Snapshot()[broadcast.DefaultKey]
		require.True(t, ok)
		var event broadcast.Event
		require.NoError(t, json.Unmarshal([]byte(raw), &event))
		require.Equal(t, broadcast.KindLogout, event.Kind)

		p.clock.Advance(time.Second)
		require.NotContains(t, p.shared.Snapshot(), broadcast.DefaultKey)
	})

	t.Run("invalid kind", func(t *testing.T) {
		p := newPair(t)
		require.Error(t, p.a.Announce(ctx, broadcast.Kind("reboot"), nil))
	})
}

func TestReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate delivery is applied once", func(t *testing.T) {
		p := newPair(t)
		writer := p.shared.NewContext()
		defer writer.Close()

		raw, err := json.Marshal(broadcast.Event{ID: "01HZZ", Kind: broadcast.KindLogout, Origin: "tab-c", At: start})
		require.NoError(t, err)
		require.NoError(t, writer.Set(ctx, broadcast.DefaultKey, string(raw)))
		require.NoError(t, writer.Set(ctx, broadcast.DefaultKey, string(raw)))
		require.NoError(t, writer.Set(ctx, "unrelated", "x"))

		require.Eventually(t, func() bool { return len(p.inB.all()) == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		require.Len(t, p.inA.all(), 1)
		require.Len(t, p.inB.all(), 1)
	})

	t.Run("stale and malformed events are ignored", func(t *testing.T) {
		p := newPair(t)
		writer := p.shared.NewContext()
		defer writer.Close()

		stale, err := json.Marshal(broadcast.Event{ID: "old", Kind: broadcast.KindLogout, Origin: "tab-c", At: start.Add(-time.Hour)})
		require.NoError(t, err)
		require.NoError(t, writer.Set(ctx, broadcast.DefaultKey, string(stale)))
		require.NoError(t, writer.Set(ctx, broadcast.DefaultKey, "{not json"))
		require.NoError(t, writer.Remove(ctx, broadcast.DefaultKey))

		fresh, err := json.Marshal(broadcast.Event{ID: "new", Kind: broadcast.KindLogin, Origin: "tab-c", At: start})
		require.NoError(t, err)
		require.NoError(t, writer.Set(ctx, broadcast.DefaultKey, string(fresh)))

		require.Eventually(t, func() bool { return len(p.inB.all()) == 1 }, time.Second, 5*time.Millisecond)
		require.Equal(t, "new", p.inB.all()[0].ID)
	})

	t.Run("closed broadcaster hears nothing", func(t *testing.T) {
		p := newPair(t)
		p.b.Close()
		require.NoError(t, p.a.Announce(ctx, broadcast.KindLogout, nil))
		time.Sleep(20 * time.Millisecond)
		require.Empty(t, p.inB.all())
	})
}

func TestNew(t *testing.T) {
	_, err := broadcast.New(nil)
	require.Error(t, err)

	_, err = broadcast.New(memstore.New(), broadcast.WithTTL(0))
	require.Error(t, err)
}
