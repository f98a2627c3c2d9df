package monitor_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-session-manager/clock/clockfake"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/monitor"
	"github.com/jrsteele09/go-session-manager/session"
)

// countdown is a session whose expiry follows the fake clock.
type countdown struct {
	lock       sync.Mutex
	clock      *clockfake.Clock
	expiresAt  time.Time
	refreshErr error
	refreshes  int
	logouts    int
	activity   []session.ActivityKind
}

func (s *countdown) IsAuthenticated(context.Context) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.expiresAt.After(s.clock.Now())
}

func (s *countdown) TimeUntilExpiry(context.Context) time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.expiresAt.IsZero() {
		return 0
	}
	if d := s.expiresAt.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func (s *countdown) SessionExpiresAt(context.Context) (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.expiresAt, !s.expiresAt.IsZero()
}

// endElsewhere drops the record the way a logout in another window does.
func (s *countdown) endElsewhere() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.expiresAt = time.Time{}
}

func (s *countdown) RefreshSession(context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return s.refreshErr
	}
	s.expiresAt = s.clock.Now().Add(15 * time.Minute)
	return nil
}

func (s *countdown) Logout(context.Context) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.logouts++
	s.expiresAt = time.Time{}
}

func (s *countdown) RecordActivity(kind session.ActivityKind) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.activity = append(s.activity, kind)
}

func setup(t *testing.T, expiresIn time.Duration) (*monitor.Monitor, *countdown, *clockfake.Clock) {
	t.Helper()
	clk := clockfake.New(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	src := &countdown{clock: clk}
	if expiresIn > 0 {
		src.expiresAt = clk.Now().Add(expiresIn)
	}
	m, err := monitor.New(src, monitor.WithClock(clk), monitor.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return m, src, clk
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("levels follow the remaining time", func(t *testing.T) {
		m, _, clk := setup(t, 10*time.Minute)

		require.Equal(t, monitor.LevelNormal, m.Poll(ctx).Level)
		clk.Advance(5 * time.Minute)
		require.Equal(t, monitor.LevelWarning, m.Poll(ctx).Level)
		clk.Advance(4 * time.Minute)
		status := m.Poll(ctx)
		require.Equal(t, monitor.LevelCritical, status.Level)
		require.Equal(t, time.Minute, status.Remaining)
		clk.Advance(time.Minute)
		require.Equal(t, monitor.LevelExpired, m.Poll(ctx).Level)
		clk.Advance(time.Minute)
		require.Equal(t, monitor.LevelExpired, m.Poll(ctx).Level)
	})

	t.Run("no session is inactive", func(t *testing.T) {
		m, _, _ := setup(t, 0)
		status := m.Poll(ctx)
		require.Equal(t, monitor.LevelInactive, status.Level)
		require.False(t, status.Authenticated)
	})

	t.Run("session ended early is inactive, not expired", func(t *testing.T) {
		m, src, _ := setup(t, 10*time.Minute)
		require.Equal(t, monitor.LevelNormal, m.Poll(ctx).Level)
		src.Logout(ctx)
		require.Equal(t, monitor.LevelInactive, m.Poll(ctx).Level)
	})

	t.Run("session ended elsewhere from critical is inactive, not expired", func(t *testing.T) {
		m, src, clk := setup(t, 2*time.Minute)
		clk.Advance(90 * time.Second)
		require.Equal(t, monitor.LevelCritical, m.Poll(ctx).Level)

		src.endElsewhere()
		status := m.Poll(ctx)
		require.Equal(t, monitor.LevelInactive, status.Level)
		require.False(t, status.Authenticated)
		require.Empty(t, monitor.RenderBanner(status, 80))
	})

	t.Run("expired record stays expired", func(t *testing.T) {
		m, _, clk := setup(t, 2*time.Minute)
		clk.Advance(90 * time.Second)
		require.Equal(t, monitor.LevelCritical, m.Poll(ctx).Level)

		clk.Advance(time.Minute)
		require.Equal(t, monitor.LevelExpired, m.Poll(ctx).Level)
		require.Equal(t, monitor.LevelExpired, m.Poll(ctx).Level)
	})

	t.Run("changes are reported once per level", func(t *testing.T) {
		m, _, clk := setup(t, 6*time.Minute)
		var levels []monitor.Level
		unsubscribe := m.OnChange(func(s monitor.Status) { levels = append(levels, s.Level) })

		for i := 0; i < 8; i++ {
			m.Poll(ctx)
			clk.Advance(time.Minute)
		}
		require.Equal(t, []monitor.Level{
			monitor.LevelNormal, monitor.LevelWarning, monitor.LevelCritical, monitor.LevelExpired,
		}, levels)

		unsubscribe()
		m.Logout(ctx)
		require.Len(t, levels, 4)
	})
}

func TestStart(t *testing.T) {
	m, src, clk := setup(t, 6*time.Minute)
	var changes []monitor.Level
	m.OnChange(func(s monitor.Status) { changes = append(changes, s.Level) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	require.Equal(t, monitor.LevelNormal, m.Last().Level)

	clk.Advance(90 * time.Second)
	require.Equal(t, monitor.LevelWarning, m.Last().Level)

	m.Stop()
	clk.Advance(10 * time.Minute)
	require.Equal(t, monitor.LevelWarning, m.Last().Level)
	require.Equal(t, 0, clk.Pending())

	m.Start(ctx)
	require.Equal(t, monitor.LevelInactive, m.Last().Level)
	cancel()
	clk.Advance(time.Second)
	require.Equal(t, 0, clk.Pending())
	require.Equal(t, 0, src.refreshes)
	require.Equal(t, []monitor.Level{monitor.LevelNormal, monitor.LevelWarning, monitor.LevelInactive}, changes)
}

func TestActions(t *testing.T) {
	ctx := context.Background()

	t.Run("renew records activity and refreshes", func(t *testing.T) {
		m, src, clk := setup(t, 2*time.Minute)
		clk.Advance(90 * time.Second)
		require.Equal(t, monitor.LevelCritical, m.Poll(ctx).Level)

		require.NoError(t, m.Renew(ctx))
		require.Equal(t, 1, src.refreshes)
		require.Equal(t, []session.ActivityKind{session.ActivityKey}, src.activity)
		require.Equal(t, monitor.LevelNormal, m.Last().Level)
	})

	t.Run("renew failure is returned", func(t *testing.T) {
		m, src, _ := setup(t, 2*time.Minute)
		src.refreshErr = errors.New("backend unavailable")
		err := m.Renew(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "backend unavailable")
		require.Equal(t, monitor.LevelWarning, m.Last().Level)
	})

	t.Run("logout from critical goes inactive", func(t *testing.T) {
		m, src, clk := setup(t, 2*time.Minute)
		clk.Advance(90 * time.Second)
		m.Poll(ctx)

		m.Logout(ctx)
		require.Equal(t, 1, src.logouts)
		require.Equal(t, monitor.LevelInactive, m.Last().Level)
		require.Equal(t, monitor.LevelInactive, m.Poll(ctx).Level)
	})
}

func TestNew(t *testing.T) {
	_, err := monitor.New(nil)
	require.Error(t, err)

	src := &countdown{clock: clockfake.New(time.Now())}
	_, err = monitor.New(src, monitor.WithPollInterval(0))
	require.Error(t, err)
	_, err = monitor.New(src, monitor.WithWarningThreshold(time.Minute), monitor.WithCriticalThreshold(2*time.Minute))
	require.Error(t, err)
}

func TestFormatRemaining(t *testing.T) {
	require.Equal(t, "0:00", monitor.FormatRemaining(0))
	require.Equal(t, "0:00", monitor.FormatRemaining(-time.Second))
	require.Equal(t, "0:01", monitor.FormatRemaining(200*time.Millisecond))
	require.Equal(t, "4:32", monitor.FormatRemaining(4*time.Minute+32*time.Second))
	require.Equal(t, "15:00", monitor.FormatRemaining(15*time.Minute))
}

func TestRenderBanner(t *testing.T) {
	require.Empty(t, monitor.RenderBanner(monitor.Status{Level: monitor.LevelNormal, Remaining: time.Hour}, 80))
	require.Empty(t, monitor.RenderBanner(monitor.Status{Level: monitor.LevelInactive}, 80))

	warning := monitor.RenderBanner(monitor.Status{Level: monitor.LevelWarning, Remaining: 4*time.Minute + 5*time.Second}, 0)
	require.Contains(t, warning, "4:05")

	critical := monitor.RenderBanner(monitor.Status{Level: monitor.LevelCritical, Remaining: 30 * time.Second}, 0)
	require.Contains(t, critical, "0:30")

	expired := monitor.RenderBanner(monitor.Status{Level: monitor.LevelExpired}, 80)
	require.Contains(t, expired, "expired")
	for _, line := range strings.Split(expired, "\n") {
		require.LessOrEqual(t, len([]rune(stripANSI(line))), 80)
	}
}

func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'):
			inEscape = false
		case !inEscape:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func TestFromConfig(t *testing.T) {
	src := &countdown{clock: clockfake.New(time.Now())}
	m, err := monitor.New(src, monitor.FromConfig(config.Default())...)
	require.NoError(t, err)
	require.NotNil(t, m)
}
