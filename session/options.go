package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-manager/clock"
	"github.com/jrsteele09/go-session-manager/internal/config"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock the timers run on (primarily for testing).
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) {
		co.log = l
	}
}

// WithRenewalBuffer sets how long before expiry the access token is renewed.
func WithRenewalBuffer(d time.Duration) Option {
	return func(co *Coordinator) {
		co.renewalBuffer = d
	}
}

// WithInactivityWindow sets how long without activity ends the session.
func WithInactivityWindow(d time.Duration) Option {
	return func(co *Coordinator) {
		co.inactivityWindow = d
	}
}

// WithRequestTimeout bounds every backend call.
func WithRequestTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		co.requestTimeout = d
	}
}

// WithSyncInterval sets how often local state is checked against the store.
func WithSyncInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		co.syncInterval = d
	}
}

// WithActivityThrottle limits how often activity re-arms the inactivity timer.
func WithActivityThrottle(d time.Duration) Option {
	return func(co *Coordinator) {
		co.activityThrottle = d
	}
}

// WithRegisterer registers the session counters on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(co *Coordinator) {
		co.registerer = reg
	}
}

// FromConfig maps the configured timings onto coordinator options.
func FromConfig(cfg config.SessionConfig) []Option {
	return []Option{
		WithRenewalBuffer(cfg.GetRenewalBuffer()),
		WithInactivityWindow(cfg.GetInactivityWindow()),
		WithRequestTimeout(cfg.GetRequestTimeout()),
		WithSyncInterval(cfg.GetSyncInterval()),
		WithActivityThrottle(cfg.GetActivityThrottle()),
	}
}
