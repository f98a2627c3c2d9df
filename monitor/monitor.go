// Package monitor drives the session countdown a UI shows: it polls the time left on
// the access token, classifies it against the warning and critical thresholds and
// offers the renew and logout actions.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-session-manager/clock"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/session"
)

const (
	DefaultWarningThreshold  = 5 * time.Minute
	DefaultCriticalThreshold = time.Minute
	DefaultPollInterval      = time.Second
)

// Level classifies the time left on a session.
type Level int

const (
	LevelInactive Level = iota // No session
	LevelNormal
	LevelWarning
	LevelCritical
	LevelExpired // The countdown of a running session reached zero
)

func (l Level) String() string {
	switch l {
	case LevelInactive:
		return "inactive"
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelExpired:
		return "expired"
	}
	return "unknown"
}

// Status is one poll result.
type Status struct {
	Level         Level
	Remaining     time.Duration
	Authenticated bool
	At            time.Time
}

// Session is the part of the session coordinator the monitor needs.
type Session interface {
	IsAuthenticated(ctx context.Context) bool
	TimeUntilExpiry(ctx context.Context) time.Duration
	SessionExpiresAt(ctx context.Context) (time.Time, bool)
	RefreshSession(ctx context.Context) error
	Logout(ctx context.Context)
	RecordActivity(kind session.ActivityKind)
}

var _ Session = (*session.Coordinator)(nil)

type Monitor struct {
	src      Session
	clock    clock.Clock
	log      zerolog.Logger
	warning  time.Duration
	critical time.Duration
	interval time.Duration

	mu       sync.Mutex
	last     Status
	handlers map[int]func(Status)
	seq      int
	timer    clock.Timer
	running  bool
}

type Option func(*Monitor)

// WithClock sets the clock polling runs on (primarily for testing).
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

func WithWarningThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		m.warning = d
	}
}

func WithCriticalThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		m.critical = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// FromConfig maps the configured thresholds onto monitor options.
func FromConfig(cfg config.MonitorConfig) []Option {
	return []Option{
		WithWarningThreshold(cfg.GetWarningThreshold()),
		WithCriticalThreshold(cfg.GetCriticalThreshold()),
		WithPollInterval(cfg.GetPollInterval()),
	}
}

func New(src Session, options ...Option) (*Monitor, error) {
	if src == nil {
		return nil, errors.New("[monitor.New] session is required")
	}
	m := &Monitor{
		src:      src,
		clock:    clock.Real(),
		log:      log.Logger,
		warning:  DefaultWarningThreshold,
		critical: DefaultCriticalThreshold,
		interval: DefaultPollInterval,
		handlers: make(map[int]func(Status)),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.interval <= 0 {
		return nil, errors.New("[monitor.New] poll interval must be positive")
	}
	if m.critical < 0 || m.warning < m.critical {
		return nil, errors.New("[monitor.New] critical threshold must be between zero and the warning threshold")
	}
	return m, nil
}

// Poll reads the remaining time and classifies it. Handlers registered with OnChange
// are called when the level differs from the previous poll.
func (m *Monitor) Poll(ctx context.Context) Status {
	now := m.clock.Now()
	remaining := m.src.TimeUntilExpiry(ctx)
	authenticated := m.src.IsAuthenticated(ctx)
	_, hasRecord := m.src.SessionExpiresAt(ctx)

	m.mu.Lock()
	previous := m.last.Level
	status := Status{Remaining: remaining, Authenticated: authenticated, At: now}
	switch {
	case remaining <= 0 && hasRecord && (previous == LevelCritical || previous == LevelExpired):
		// Ran down to zero; stays expired while the expired record is still stored.
		status.Level = LevelExpired
	case remaining <= 0 || !authenticated:
		status.Level = LevelInactive
	case remaining <= m.critical:
		status.Level = LevelCritical
	case remaining <= m.warning:
		status.Level = LevelWarning
	default:
		status.Level = LevelNormal
	}
	m.mu.Unlock()

	m.publish(status, previous)
	return status
}

// publish records status as the latest result and tells the handlers when the level
// moved away from previous. m.mu must not be held.
func (m *Monitor) publish(status Status, previous Level) {
	m.mu.Lock()
	m.last = status
	var handlers []func(Status)
	if status.Level != previous {
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	if len(handlers) > 0 {
		m.log.Debug().Stringer("from", previous).Stringer("to", status.Level).Dur("remaining", status.Remaining).Msg("session level changed")
	}
	for _, h := range handlers {
		h(status)
	}
}

// Last returns the most recent poll result.
func (m *Monitor) Last() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// OnChange registers a handler for level changes and returns its unsubscribe func.
func (m *Monitor) OnChange(handler func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Start polls immediately and then every poll interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.tick(ctx)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		m.Stop()
		return
	}
	m.Poll(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.timer = m.clock.AfterFunc(m.interval, func() {
		m.tick(ctx)
	})
}

// Renew is the "stay signed in" action: it counts as activity and refreshes the
// session.
func (m *Monitor) Renew(ctx context.Context) error {
	m.src.RecordActivity(session.ActivityKey)
	if err := m.src.RefreshSession(ctx); err != nil {
		m.Poll(ctx)
		return errors.Wrap(err, "[Renew]")
	}
	m.Poll(ctx)
	return nil
}

// Logout ends the session. The monitor goes inactive rather than expired.
func (m *Monitor) Logout(ctx context.Context) {
	m.src.Logout(ctx)
	previous := m.Last().Level
	m.publish(Status{Level: LevelInactive, At: m.clock.Now()}, previous)
}
