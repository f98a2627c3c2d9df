package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-manager/backend"
	"github.com/jrsteele09/go-session-manager/backend/backendfake"
	"github.com/jrsteele09/go-session-manager/broadcast"
	"github.com/jrsteele09/go-session-manager/clock/clockfake"
	"github.com/jrsteele09/go-session-manager/internal/config"
	ierrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/kvstore/memstore"
	"github.com/jrsteele09/go-session-manager/permissions"
	"github.com/jrsteele09/go-session-manager/session"
	"github.com/jrsteele09/go-session-manager/tokenstore"
	"github.com/jrsteele09/go-session-manager/users"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// testFixture is one client: a fake backend, a fake clock and the storage every
// context of the client shares.
type testFixture struct {
	clock    *clockfake.Clock
	fake     *backendfake.Server
	api      *backend.Client
	shared   *memstore.Shared
	registry *prometheus.Registry
}

// testContext is one window of the client.
type testContext struct {
	coord  *session.Coordinator
	tokens *tokenstore.Store
	events *eventLog
}

type eventLog struct {
	lock   sync.Mutex
	events []session.Event
}

func (l *eventLog) add(e session.Event) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind session.EventKind) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind session.EventKind) (session.Event, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i], true
		}
	}
	return session.Event{}, false
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	clk := clockfake.New(start)
	fake, err := backendfake.NewSeeded(backendfake.WithNow(clk.Now), backendfake.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	api, err := backend.New(srv.URL, backend.WithTimeout(5*time.Second))
	require.NoError(t, err)

	return &testFixture{
		clock:    clk,
		fake:     fake,
		api:      api,
		shared:   memstore.NewShared(),
		registry: prometheus.NewRegistry(),
	}
}

func (f *testFixture) newContext(t *testing.T, options ...session.Option) *testContext {
	t.Helper()

	kv := f.shared.NewContext()
	tokens, err := tokenstore.New(kv, tokenstore.WithClock(f.clock), tokenstore.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	bc, err := broadcast.New(kv, broadcast.WithClock(f.clock), broadcast.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	options = append([]session.Option{
		session.WithClock(f.clock),
		session.WithLogger(zerolog.Nop()),
		session.WithRegisterer(f.registry),
	}, options...)
	coord, err := session.New(f.api, tokens, bc, options...)
	require.NoError(t, err)

	events := &eventLog{}
	coord.Subscribe(events.add)
	coord.Start(context.Background())
	t.Cleanup(func() {
		coord.Close()
		bc.Close()
		kv.Close()
	})
	return &testContext{coord: coord, tokens: tokens, events: events}
}

func clinician() users.Credentials {
	return users.Credentials{Email: backendfake.ClinicianEmail, Password: backendfake.ClinicianPassword}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("clinician happy path", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)

		user, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)
		require.Equal(t, users.RoleClinician, user.Role)

		require.True(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, session.StateAuthenticated, tc.coord.State())
		current := tc.coord.CurrentUser(ctx)
		require.NotNil(t, current)
		require.Equal(t, users.RoleClinician, current.Role)
		require.Equal(t, 15*time.Minute, tc.coord.TimeUntilExpiry(ctx))

		perms := tc.coord.Permissions(ctx)
		require.True(t, perms.Has(permissions.ViewPatients))
		require.False(t, perms.Has(permissions.ManageUsers))

		require.Equal(t, 1, tc.events.count(session.EventLogin))
		require.Equal(t, float64(1), counterValue(t, f.registry, "medsession_logins_total", "success"))
	})

	t.Run("refused credentials keep the server message", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)

		_, err := tc.coord.Login(ctx, users.Credentials{Email: backendfake.ClinicianEmail, Password: "Wrong123!"})
		var authErr *backend.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, "Invalid email or password", authErr.Message)

		require.False(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.Nil(t, tc.coord.CurrentUser(ctx))
		require.False(t, tc.coord.Permissions(ctx).Has(permissions.ViewPatients))
	})

	t.Run("unreachable backend is retryable", func(t *testing.T) {
		f := setupTestFixture(t)
		f.fake.Fail(backend.PathLogin, http.StatusBadGateway, "upstream unavailable")
		tc := f.newContext(t)

		_, err := tc.coord.Login(ctx, clinician())
		require.True(t, backend.IsRetryable(err))
		require.Equal(t, session.StateAnonymous, tc.coord.State())

		f.fake.Recover(backend.PathLogin)
		_, err = tc.coord.Login(ctx, clinician())
		require.NoError(t, err)
	})

	t.Run("register checks password strength locally", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)

		_, err := tc.coord.Register(ctx, users.Registration{
			Email: "dr.lee@hospital.com", Password: "short", FirstName: "Min", LastName: "Lee",
		})
		var authErr *backend.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, 0, f.fake.Calls(backend.PathRegister))

		user, err := tc.coord.Register(ctx, users.Registration{
			Email: "dr.lee@hospital.com", Password: "Longer123", FirstName: "Min", LastName: "Lee",
		})
		require.NoError(t, err)
		require.Equal(t, "dr.lee@hospital.com", user.Email)
		require.True(t, tc.coord.IsAuthenticated(ctx))
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("twice leaves the same empty state", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		tc.coord.Logout(ctx)
		snapshot := f.shared.Snapshot()
		require.False(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.Equal(t, 0, f.fake.ActiveSessions())
		require.Equal(t, 1, f.fake.Calls(backend.PathLogout))

		tc.coord.Logout(ctx)
		require.Equal(t, snapshot, f.shared.Snapshot())
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.Equal(t, 1, f.fake.Calls(backend.PathLogout))
		require.Equal(t, 1, tc.events.count(session.EventLogout))
	})

	t.Run("backend failure does not block local logout", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.fake.Fail(backend.PathLogout, http.StatusServiceUnavailable, "down")
		tc.coord.Logout(ctx)
		require.False(t, tc.coord.IsAuthenticated(ctx))
		_, ok := tc.tokens.Read(ctx)
		require.False(t, ok)
		require.Equal(t, 1, tc.events.count(session.EventLogout))
		require.Equal(t, 1, f.fake.ActiveSessions())
	})
}

func TestRefreshAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent callers share one network call", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		release := f.fake.HoldRefresh()
		defer release()

		const callers = 10
		var wg sync.WaitGroup
		results := make([]string, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = tc.coord.RefreshAccessToken(ctx)
			}(i)
		}

		require.Eventually(t, func() bool { return f.fake.Calls(backend.PathRefresh) == 1 }, 2*time.Second, 5*time.Millisecond)
		require.Equal(t, session.StateRefreshing, tc.coord.State())
		time.Sleep(50 * time.Millisecond)
		release()
		wg.Wait()

		require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, results[0], results[i])
		}
		stored, ok := tc.tokens.Read(ctx)
		require.True(t, ok)
		require.Equal(t, results[0], stored.AccessToken)
		require.Equal(t, session.StateAuthenticated, tc.coord.State())
		require.Equal(t, 1, tc.events.count(session.EventRefreshed))
	})

	t.Run("rejected refresh token ends the session", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.fake.RejectRefresh(true)
		_, err = tc.coord.RefreshAccessToken(ctx)
		require.True(t, backend.IsSessionExpired(err))
		require.False(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.Equal(t, 1, tc.events.count(session.EventSessionExpired))
		require.Equal(t, 1, tc.events.count(session.EventRedirectToLogin))
	})

	t.Run("network failure keeps the session", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)
		before, _ := tc.tokens.Read(ctx)

		f.fake.Fail(backend.PathRefresh, http.StatusServiceUnavailable, "maintenance")
		_, err = tc.coord.RefreshAccessToken(ctx)
		require.True(t, backend.IsRetryable(err))
		require.True(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, session.StateAuthenticated, tc.coord.State())
		after, _ := tc.tokens.Read(ctx)
		require.Equal(t, before.AccessToken, after.AccessToken)

		f.fake.Recover(backend.PathRefresh)
		token, err := tc.coord.RefreshAccessToken(ctx)
		require.NoError(t, err)
		require.NotEqual(t, before.AccessToken, token)
	})

	t.Run("result arriving after logout is discarded", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		// Keep the backend session open so the held refresh succeeds.
		f.fake.Fail(backend.PathLogout, http.StatusServiceUnavailable, "down")
		release := f.fake.HoldRefresh()
		defer release()

		done := make(chan error, 1)
		go func() {
			_, err := tc.coord.RefreshAccessToken(ctx)
			done <- err
		}()
		require.Eventually(t, func() bool { return f.fake.Calls(backend.PathRefresh) == 1 }, 2*time.Second, 5*time.Millisecond)

		tc.coord.Logout(ctx)
		release()

		err = <-done
		require.True(t, errors.Is(err, ierrors.ErrNoSession))
		_, ok := tc.tokens.Read(ctx)
		require.False(t, ok)
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.Equal(t, float64(1), counterValue(t, f.registry, "medsession_refreshes_total", "discarded"))
	})

	t.Run("result arriving after a new login is discarded", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		release := f.fake.HoldRefresh()
		defer release()

		done := make(chan error, 1)
		go func() {
			_, err := tc.coord.RefreshAccessToken(ctx)
			done <- err
		}()
		require.Eventually(t, func() bool { return f.fake.Calls(backend.PathRefresh) == 1 }, 2*time.Second, 5*time.Millisecond)

		admin, err := tc.coord.Login(ctx, users.Credentials{Email: backendfake.AdminEmail, Password: backendfake.AdminPassword})
		require.NoError(t, err)
		release()

		err = <-done
		require.True(t, errors.Is(err, ierrors.ErrNoSession))
		stored, ok := tc.tokens.Read(ctx)
		require.True(t, ok)
		require.Equal(t, backendfake.AdminEmail, stored.User.Email)
		require.Equal(t, admin.ID, stored.User.ID)
		require.True(t, tc.coord.Permissions(ctx).Has(permissions.ManageUsers))
		require.Equal(t, session.StateAuthenticated, tc.coord.State())
		require.Equal(t, float64(1), counterValue(t, f.registry, "medsession_refreshes_total", "discarded"))
	})

	t.Run("no session", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.RefreshAccessToken(ctx)
		require.True(t, errors.Is(err, ierrors.ErrNoSession))
		require.Equal(t, 0, f.fake.Calls(backend.PathRefresh))
	})
}

func TestRecordIntegrity(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	a := f.newContext(t)
	b := f.newContext(t)

	_, err := a.coord.Login(ctx, clinician())
	require.NoError(t, err)

	stop := make(chan struct{})
	violations := make(chan string, 1)
	reader := f.shared.NewContext()
	defer reader.Close()
	readerTokens, err := tokenstore.New(reader, tokenstore.WithClock(f.clock))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if s, ok := readerTokens.Read(ctx); ok && (s.AccessToken == "" || s.User.ID == "") {
				select {
				case violations <- "record with token but no user":
				default:
				}
			}
		}
	}()

	for i := 0; i < 10; i++ {
		_, errA := a.coord.RefreshAccessToken(ctx)
		_, errB := b.coord.RefreshAccessToken(ctx)
		require.NoError(t, errA)
		require.NoError(t, errB)
	}
	close(stop)
	wg.Wait()

	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}
	stored, ok := a.tokens.Read(ctx)
	require.True(t, ok)
	require.NotEmpty(t, stored.AccessToken)
	require.Equal(t, backendfake.ClinicianEmail, stored.User.Email)
}

func TestTimeUntilExpiry(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	tc := f.newContext(t)
	_, err := tc.coord.Login(ctx, clinician())
	require.NoError(t, err)

	first := tc.coord.TimeUntilExpiry(ctx)
	f.clock.Advance(time.Minute)
	second := tc.coord.TimeUntilExpiry(ctx)
	require.Less(t, second, first)

	require.NoError(t, tc.coord.RefreshSession(ctx))
	third := tc.coord.TimeUntilExpiry(ctx)
	require.Greater(t, third, second)
	require.Equal(t, 15*time.Minute, third)
}

func TestRenewalTimer(t *testing.T) {
	ctx := context.Background()

	t.Run("renews before expiry", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.clock.Advance(9 * time.Minute)
		require.Equal(t, 0, f.fake.Calls(backend.PathRefresh))
		f.clock.Advance(time.Minute)
		require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))
		require.Equal(t, 15*time.Minute, tc.coord.TimeUntilExpiry(ctx))
	})

	t.Run("failed renewal does not loop", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.fake.Fail(backend.PathRefresh, http.StatusServiceUnavailable, "down")
		f.clock.Advance(12 * time.Minute)
		require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))
		require.True(t, tc.coord.IsAuthenticated(ctx))
	})

	t.Run("sibling renewal is followed instead of repeated", func(t *testing.T) {
		f := setupTestFixture(t)
		a := f.newContext(t)
		b := f.newContext(t)
		_, err := a.coord.Login(ctx, clinician())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return b.coord.State() == session.StateAuthenticated }, time.Second, 5*time.Millisecond)

		f.clock.Advance(10 * time.Minute)
		require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))
	})
}

func TestInactivity(t *testing.T) {
	ctx := context.Background()

	t.Run("idle session ends once", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.clock.Advance(29 * time.Minute)
		require.True(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, 0, tc.events.count(session.EventInactivityTimeout))

		f.clock.Advance(time.Minute)
		require.False(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.Equal(t, 1, tc.events.count(session.EventInactivityTimeout))
		notice, ok := tc.events.last(session.EventInactivityTimeout)
		require.True(t, ok)
		require.Contains(t, notice.Message, "inactivity")

		f.clock.Advance(time.Hour)
		require.Equal(t, 1, tc.events.count(session.EventInactivityTimeout))
		require.Equal(t, 1, tc.events.count(session.EventLogout))
	})

	t.Run("activity pushes the deadline", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.clock.Advance(20 * time.Minute)
		tc.coord.RecordActivity(session.ActivityKey)
		f.clock.Advance(15 * time.Minute)
		require.True(t, tc.coord.IsAuthenticated(ctx))

		// Throttled signals still count.
		tc.coord.RecordActivity(session.ActivityPointer)
		tc.coord.RecordActivity(session.ActivityScroll)
		f.clock.Advance(29 * time.Minute)
		require.True(t, tc.coord.IsAuthenticated(ctx))

		f.clock.Advance(time.Minute)
		require.False(t, tc.coord.IsAuthenticated(ctx))
		require.Equal(t, 1, tc.events.count(session.EventInactivityTimeout))
	})
}

func TestValidateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("expired record with rejected refresh token", func(t *testing.T) {
		f := setupTestFixture(t)
		seed, err := tokenstore.New(f.shared.NewContext(), tokenstore.WithClock(f.clock))
		require.NoError(t, err)
		require.NoError(t, seed.Persist(ctx, tokenstore.Session{
			AccessToken:  "stale-access",
			RefreshToken: "revoked-refresh",
			User:         users.User{ID: "u-1", Email: backendfake.ClinicianEmail, Role: users.RoleClinician, IsActive: true, IsVerified: true},
			ExpiresAt:    start.Add(-time.Minute),
		}))

		tc := f.newContext(t)
		require.Equal(t, session.StateAnonymous, tc.coord.State())
		require.False(t, tc.coord.ValidateSession(ctx))

		_, ok := tc.tokens.Read(ctx)
		require.False(t, ok)
		require.False(t, tc.tokens.HasResidue(ctx))
		require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))
		require.Equal(t, 1, tc.events.count(session.EventSessionExpired))
	})

	t.Run("accepted session", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		require.True(t, tc.coord.ValidateSession(ctx))
		require.Equal(t, 1, f.fake.Calls(backend.PathMe))
		require.Equal(t, 0, f.fake.Calls(backend.PathRefresh))
	})

	t.Run("401 gets one refresh", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.fake.Fail(backend.PathMe, http.StatusUnauthorized, "token revoked")
		require.True(t, tc.coord.ValidateSession(ctx))
		require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))
		require.True(t, tc.coord.IsAuthenticated(ctx))
	})

	t.Run("403 leaves the session intact", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)
		before, _ := tc.tokens.Read(ctx)

		f.fake.Fail(backend.PathMe, http.StatusForbidden, "Not permitted")
		require.True(t, tc.coord.ValidateSession(ctx))
		require.Equal(t, session.StateAuthenticated, tc.coord.State())
		after, ok := tc.tokens.Read(ctx)
		require.True(t, ok)
		require.Equal(t, before.AccessToken, after.AccessToken)
		require.Equal(t, 0, f.fake.Calls(backend.PathRefresh))
	})

	t.Run("unreachable backend keeps the local answer", func(t *testing.T) {
		f := setupTestFixture(t)
		tc := f.newContext(t)
		_, err := tc.coord.Login(ctx, clinician())
		require.NoError(t, err)

		f.fake.Fail(backend.PathMe, http.StatusServiceUnavailable, "down")
		require.True(t, tc.coord.ValidateSession(ctx))
		require.True(t, tc.coord.IsAuthenticated(ctx))
	})
}

func TestCrossContext(t *testing.T) {
	ctx := context.Background()

	t.Run("logout in one context reaches the other", func(t *testing.T) {
		f := setupTestFixture(t)
		a := f.newContext(t)
		b := f.newContext(t)

		_, err := a.coord.Login(ctx, clinician())
		require.NoError(t, err)
		require.True(t, b.coord.IsAuthenticated(ctx))
		require.Eventually(t, func() bool { return b.coord.State() == session.StateAuthenticated }, time.Second, 5*time.Millisecond)
		require.Equal(t, 1, b.events.count(session.EventRemoteLogin))

		meCalls, refreshCalls := f.fake.Calls(backend.PathMe), f.fake.Calls(backend.PathRefresh)
		a.coord.Logout(ctx)

		require.False(t, b.coord.IsAuthenticated(ctx))
		require.Eventually(t, func() bool { return b.coord.State() == session.StateAnonymous }, time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return b.events.count(session.EventRemoteLogout) == 1 }, time.Second, 5*time.Millisecond)
		require.Equal(t, meCalls, f.fake.Calls(backend.PathMe))
		require.Equal(t, refreshCalls, f.fake.Calls(backend.PathRefresh))
		require.Equal(t, 1, f.fake.Calls(backend.PathLogout))
	})

	t.Run("lost announcement heals on the periodic check", func(t *testing.T) {
		f := setupTestFixture(t)
		a := f.newContext(t)
		b := f.newContext(t)
		_, err := a.coord.Login(ctx, clinician())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return b.coord.State() == session.StateAuthenticated }, time.Second, 5*time.Millisecond)

		// Clear the record behind everyone's back, as a crashed context would.
		require.NoError(t, a.tokens.Clear(ctx))
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, session.StateAuthenticated, b.coord.State())

		f.clock.Advance(session.DefaultSyncInterval)
		require.Equal(t, session.StateAnonymous, b.coord.State())
		require.Equal(t, session.StateAnonymous, a.coord.State())
	})

	t.Run("new context adopts the stored session", func(t *testing.T) {
		f := setupTestFixture(t)
		a := f.newContext(t)
		_, err := a.coord.Login(ctx, clinician())
		require.NoError(t, err)

		c := f.newContext(t)
		require.Equal(t, session.StateAuthenticated, c.coord.State())
		require.Equal(t, backendfake.ClinicianEmail, c.coord.CurrentUser(ctx).Email)
	})

	t.Run("corrupted record is cleared on start", func(t *testing.T) {
		f := setupTestFixture(t)
		writer := f.shared.NewContext()
		defer writer.Close()
		require.NoError(t, writer.Set(ctx, "medsession.accessToken", "garbage"))
		require.NoError(t, writer.Set(ctx, "medsession.user", "garbage"))

		tc := f.newContext(t)
		require.Empty(t, f.shared.Snapshot())
		redirect, ok := tc.events.last(session.EventRedirectToLogin)
		require.True(t, ok)
		require.Equal(t, session.ReasonCorrupted, redirect.Reason)
	})
}

func TestHTTPClient(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	tc := f.newContext(t)
	_, err := tc.coord.Login(ctx, clinician())
	require.NoError(t, err)
	first, _ := tc.tokens.Read(ctx)

	// The protected API has already revoked the first access token.
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer " + first.AccessToken, "":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer api.Close()

	resp, err := tc.coord.HTTPClient(nil).Get(api.URL + "/patients")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, f.fake.Calls(backend.PathRefresh))

	token, err := tc.coord.Token()
	require.NoError(t, err)
	require.NotEqual(t, first.AccessToken, token.AccessToken)
	require.Equal(t, "Bearer", token.Type())
}

func TestNew(t *testing.T) {
	f := setupTestFixture(t)
	tokens, err := tokenstore.New(memstore.New())
	require.NoError(t, err)
	bc, err := broadcast.New(memstore.New())
	require.NoError(t, err)

	_, err = session.New(nil, tokens, bc)
	require.Error(t, err)
	_, err = session.New(f.api, nil, bc)
	require.Error(t, err)
	_, err = session.New(f.api, tokens, nil)
	require.Error(t, err)
	_, err = session.New(f.api, tokens, bc, session.WithInactivityWindow(0))
	require.Error(t, err)

	coord, err := session.New(f.api, tokens, bc, session.FromConfig(config.Default())...)
	require.NoError(t, err)
	require.Equal(t, session.StateAnonymous, coord.State())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
