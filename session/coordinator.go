// Package session keeps one context (window, tab or process) of the client
// authenticated. A Coordinator owns the login/logout/refresh state machine, the
// renewal and inactivity timers, and the reaction to login/logout announcements from
// sibling contexts. The shared token store is the single source of truth: every
// context converges to whatever it holds.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jrsteele09/go-session-manager/backend"
	"github.com/jrsteele09/go-session-manager/broadcast"
	"github.com/jrsteele09/go-session-manager/clock"
	ierrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/permissions"
	"github.com/jrsteele09/go-session-manager/tokenstore"
	"github.com/jrsteele09/go-session-manager/users"
)

// Defaults.
const (
	DefaultRenewalBuffer    = 5 * time.Minute
	DefaultInactivityWindow = 30 * time.Minute
	DefaultRequestTimeout   = 12 * time.Second
	DefaultSyncInterval     = 30 * time.Second
	DefaultActivityThrottle = time.Second
)

const refreshKey = "refresh"

// Coordinator is constructed once per context.
type Coordinator struct {
	api         API
	tokens      *tokenstore.Store
	broadcaster *broadcast.Broadcaster

	clock            clock.Clock
	log              zerolog.Logger
	renewalBuffer    time.Duration
	inactivityWindow time.Duration
	requestTimeout   time.Duration
	syncInterval     time.Duration
	activityThrottle time.Duration
	registerer       prometheus.Registerer
	metrics          *metrics

	refreshGroup singleflight.Group

	// writeLock orders "check epoch, then persist" against "bump epoch, then clear",
	// so a late refresh can never write a session back after a logout.
	writeLock sync.Mutex

	// mu guards the fields below. It is never held across store, network or
	// handler calls.
	mu              sync.Mutex
	state           State
	epoch           uint64
	renewalTimer    clock.Timer
	renewalFor      time.Time
	inactivityTimer clock.Timer
	syncTimer       clock.Timer
	lastActivity    time.Time
	activityLimiter *rate.Limiter
	residueSeen     bool
	handlers        map[int]func(Event)
	handlerSeq      int
	unsubscribe     func()
	started         bool
	closed          bool
}

// New wires a coordinator. Call Start to restore a stored session and begin listening
// to sibling contexts.
func New(api API, tokens *tokenstore.Store, bc *broadcast.Broadcaster, options ...Option) (*Coordinator, error) {
	if api == nil {
		return nil, errors.New("[session.New] api is required")
	}
	if tokens == nil {
		return nil, errors.New("[session.New] token store is required")
	}
	if bc == nil {
		return nil, errors.New("[session.New] broadcaster is required")
	}

	c := &Coordinator{
		api:              api,
		tokens:           tokens,
		broadcaster:      bc,
		clock:            clock.Real(),
		log:              log.Logger,
		renewalBuffer:    DefaultRenewalBuffer,
		inactivityWindow: DefaultInactivityWindow,
		requestTimeout:   DefaultRequestTimeout,
		syncInterval:     DefaultSyncInterval,
		activityThrottle: DefaultActivityThrottle,
		handlers:         make(map[int]func(Event)),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.inactivityWindow <= 0 || c.requestTimeout <= 0 || c.syncInterval <= 0 {
		return nil, errors.New("[session.New] inactivity window, request timeout and sync interval must be positive")
	}
	if c.renewalBuffer < 0 || c.activityThrottle < 0 {
		return nil, errors.New("[session.New] renewal buffer and activity throttle cannot be negative")
	}

	m, err := newMetrics(c.registerer)
	if err != nil {
		return nil, err
	}
	c.metrics = m

	limit := rate.Inf
	if c.activityThrottle > 0 {
		limit = rate.Every(c.activityThrottle)
	}
	c.activityLimiter = rate.NewLimiter(limit, 1)
	return c, nil
}

// Login authenticates with the backend and, on success, stores and announces the
// session. Backend refusals come back unchanged as *backend.AuthenticationError.
func (c *Coordinator) Login(ctx context.Context, credentials users.Credentials) (users.User, error) {
	return c.authenticate(ctx, "login", func(ctx context.Context) (*backend.AuthResponse, error) {
		return c.api.Login(ctx, credentials)
	})
}

// Register creates an account and signs it in. The password rules are checked locally
// before any request is made.
func (c *Coordinator) Register(ctx context.Context, registration users.Registration) (users.User, error) {
	if err := registration.Validate(); err != nil {
		c.metrics.logins.WithLabelValues("invalid").Inc()
		return users.User{}, &backend.AuthenticationError{Status: 400, Message: err.Error()}
	}
	return c.authenticate(ctx, "register", func(ctx context.Context) (*backend.AuthResponse, error) {
		return c.api.Register(ctx, registration)
	})
}

func (c *Coordinator) authenticate(ctx context.Context, op string, call func(context.Context) (*backend.AuthResponse, error)) (users.User, error) {
	c.mu.Lock()
	previous := c.state
	c.state = StateAuthenticating
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	resp, err := call(reqCtx)
	cancel()
	if err != nil {
		c.restoreState(previous)
		c.metrics.logins.WithLabelValues(resultLabel(err)).Inc()
		c.log.Info().Err(err).Str("op", op).Msg("authentication failed")
		return users.User{}, err
	}

	now := c.clock.Now()
	session, err := sessionFromResponse(resp, now, "", "")
	if err != nil {
		c.restoreState(previous)
		c.metrics.logins.WithLabelValues("error").Inc()
		return users.User{}, errors.Wrapf(err, "[%s] unusable response", op)
	}

	c.writeLock.Lock()
	if err := c.tokens.Persist(ctx, session); err != nil {
		c.writeLock.Unlock()
		c.restoreState(previous)
		c.metrics.logins.WithLabelValues("error").Inc()
		return users.User{}, errors.Wrapf(err, "[%s] persist session", op)
	}
	c.mu.Lock()
	// A new identity: refreshes started for the previous session must not persist.
	c.epoch++
	c.state = StateAuthenticated
	c.lastActivity = now
	c.residueSeen = false
	c.armRenewalLocked(session.ExpiresAt, true)
	c.armInactivityLocked(c.inactivityWindow)
	c.mu.Unlock()
	c.writeLock.Unlock()

	c.metrics.logins.WithLabelValues("success").Inc()
	c.log.Info().Str("user_id", session.User.ID).Str("role", string(session.User.Role)).Time("expires_at", session.ExpiresAt).Msg("session started")

	if err := c.broadcaster.Announce(ctx, broadcast.KindLogin, map[string]string{"userId": session.User.ID}); err != nil {
		c.log.Warn().Err(err).Msg("announcing login failed")
	}
	user := session.User
	c.emit(Event{Kind: EventLogin, User: &user, At: now})
	return user, nil
}

// Logout ends the session locally, always, and tells the backend if it can. Calling
// it with no session is a no-op.
func (c *Coordinator) Logout(ctx context.Context) {
	c.endSession(ctx, ReasonUser, true, true)
}

// RefreshAccessToken returns a new access token. Concurrent callers in this context
// share one network call. A rejected refresh token ends the session; other failures
// leave it in place so a later call can retry.
func (c *Coordinator) RefreshAccessToken(ctx context.Context) (string, error) {
	ch := c.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return c.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &backend.NetworkError{Op: "refresh", Err: ctx.Err()}
	}
}

// RefreshSession renews the session on the user's request.
func (c *Coordinator) RefreshSession(ctx context.Context) error {
	_, err := c.RefreshAccessToken(ctx)
	return err
}

// refresh runs once per deduplicated call, detached from any one caller's context so
// a caller giving up does not abort the request for the others.
func (c *Coordinator) refresh() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	c.mu.Lock()
	epoch := c.epoch
	previous := c.state
	if c.state == StateAuthenticated {
		c.state = StateRefreshing
	}
	c.mu.Unlock()

	current, ok := c.tokens.Read(ctx)
	if !ok || current.RefreshToken == "" {
		c.restoreState(previous)
		c.converge(ctx)
		return "", errors.Wrap(ierrors.ErrNoSession, "[RefreshAccessToken] nothing to refresh")
	}

	resp, err := c.api.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if backend.IsSessionExpired(err) {
			c.metrics.refreshes.WithLabelValues("rejected").Inc()
			c.log.Info().Err(err).Msg("refresh token rejected")
			if c.currentEpoch() == epoch {
				c.endSession(ctx, ReasonSessionExpired, false, true)
			}
			return "", err
		}
		c.metrics.refreshes.WithLabelValues(resultLabel(err)).Inc()
		c.log.Warn().Err(err).Msg("refresh failed")
		c.restoreStateIf(epoch, StateRefreshing, StateAuthenticated)
		return "", err
	}

	now := c.clock.Now()
	next, err := sessionFromResponse(resp, now, current.RefreshToken, current.SessionID)
	if err != nil {
		c.metrics.refreshes.WithLabelValues("error").Inc()
		c.restoreStateIf(epoch, StateRefreshing, StateAuthenticated)
		return "", &backend.NetworkError{Op: "refresh", Err: err}
	}

	c.writeLock.Lock()
	if c.currentEpoch() != epoch {
		c.writeLock.Unlock()
		c.metrics.refreshes.WithLabelValues("discarded").Inc()
		c.log.Info().Msg("discarding refresh result: session ended while it was in flight")
		return "", errors.Wrap(ierrors.ErrNoSession, "[RefreshAccessToken] session ended during refresh")
	}
	if err := c.tokens.Persist(ctx, next); err != nil {
		c.writeLock.Unlock()
		c.metrics.refreshes.WithLabelValues("error").Inc()
		c.restoreStateIf(epoch, StateRefreshing, StateAuthenticated)
		return "", errors.Wrap(err, "[RefreshAccessToken] persist")
	}
	c.mu.Lock()
	c.state = StateAuthenticated
	c.armRenewalLocked(next.ExpiresAt, true)
	if c.inactivityTimer == nil {
		c.lastActivity = now
		c.armInactivityLocked(c.inactivityWindow)
	}
	c.mu.Unlock()
	c.writeLock.Unlock()

	c.metrics.refreshes.WithLabelValues("success").Inc()
	c.log.Debug().Time("expires_at", next.ExpiresAt).Msg("access token refreshed")
	user := next.User
	c.emit(Event{Kind: EventRefreshed, User: &user, At: now})
	return next.AccessToken, nil
}

// ValidateSession asks the backend whether the stored session is still accepted. An
// expired or refused access token gets one refresh; the session is only declared
// void if that refresh is rejected. When the backend cannot be reached the local
// answer stands.
func (c *Coordinator) ValidateSession(ctx context.Context) bool {
	current, ok := c.tokens.Read(ctx)
	if !ok {
		c.converge(ctx)
		return false
	}

	if !current.ExpiresAt.After(c.clock.Now()) {
		return c.refreshForValidation(ctx)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	_, err := c.api.Me(reqCtx, current.AccessToken)
	cancel()

	var permErr *backend.PermissionError
	switch {
	case err == nil, errors.As(err, &permErr):
		c.adopt(current, false)
		return true
	case backend.IsSessionExpired(err):
		return c.refreshForValidation(ctx)
	default:
		c.log.Warn().Err(err).Msg("session validation could not reach the backend")
		valid := c.tokens.IsValid(ctx)
		if valid {
			c.adopt(current, false)
		}
		return valid
	}
}

func (c *Coordinator) refreshForValidation(ctx context.Context) bool {
	if _, err := c.RefreshAccessToken(ctx); err != nil {
		c.log.Info().Err(err).Msg("session could not be renewed during validation")
		return false
	}
	return true
}

// IsAuthenticated reports whether the shared store holds an unexpired session.
func (c *Coordinator) IsAuthenticated(ctx context.Context) bool {
	return c.tokens.IsValid(ctx)
}

// CurrentUser returns the stored user snapshot, or nil.
func (c *Coordinator) CurrentUser(ctx context.Context) *users.User {
	current, ok := c.tokens.Read(ctx)
	if !ok {
		return nil
	}
	return &current.User
}

// Permissions derives the capability set from the current user every time.
func (c *Coordinator) Permissions(ctx context.Context) permissions.Set {
	return permissions.Resolve(c.CurrentUser(ctx))
}

// SessionExpiresAt returns the access token expiry of the stored session.
func (c *Coordinator) SessionExpiresAt(ctx context.Context) (time.Time, bool) {
	current, ok := c.tokens.Read(ctx)
	if !ok {
		return time.Time{}, false
	}
	return current.ExpiresAt, true
}

// TimeUntilExpiry is zero when there is no session or it has expired.
func (c *Coordinator) TimeUntilExpiry(ctx context.Context) time.Duration {
	current, ok := c.tokens.Read(ctx)
	if !ok {
		return 0
	}
	return current.TimeUntilExpiry(c.clock.Now())
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a lifecycle event handler. Handlers run on the goroutine that
// caused the event and must not block.
func (c *Coordinator) Subscribe(handler func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlerSeq++
	id := c.handlerSeq
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// endSession is the single way a session ends: stop timers, go anonymous, clear the
// store, then announce and notify. It does nothing when there is no session.
func (c *Coordinator) endSession(ctx context.Context, reason Reason, notifyBackend, announce bool) {
	current, hadRecord := c.tokens.Read(ctx)

	c.writeLock.Lock()
	c.mu.Lock()
	wasActive := c.state != StateAnonymous
	c.epoch++
	c.stopSessionTimersLocked()
	c.state = StateAnonymous
	c.residueSeen = false
	c.mu.Unlock()

	residue := !hadRecord && c.tokens.HasResidue(ctx)
	if hadRecord || residue {
		if err := c.tokens.Clear(ctx); err != nil {
			c.log.Error().Err(err).Msg("clearing session record failed")
		}
	}
	c.writeLock.Unlock()

	if !wasActive && !hadRecord && !residue {
		return
	}

	now := c.clock.Now()
	c.metrics.logouts.WithLabelValues(string(reason)).Inc()
	c.log.Info().Str("reason", string(reason)).Msg("session ended")

	if announce {
		if err := c.broadcaster.Announce(ctx, broadcast.KindLogout, map[string]string{"reason": string(reason)}); err != nil {
			c.log.Warn().Err(err).Msg("announcing logout failed")
		}
	}

	c.emit(Event{Kind: EventLogout, Reason: reason, At: now})
	switch reason {
	case ReasonInactivity:
		c.emit(Event{Kind: EventInactivityTimeout, Reason: reason, Message: noticeInactivity, At: now})
		c.emit(Event{Kind: EventRedirectToLogin, Reason: reason, At: now})
	case ReasonSessionExpired:
		c.emit(Event{Kind: EventSessionExpired, Reason: reason, Message: noticeExpired, At: now})
		c.emit(Event{Kind: EventRedirectToLogin, Reason: reason, At: now})
	case ReasonRemote:
		c.emit(Event{Kind: EventRemoteLogout, Reason: reason, Message: noticeRemote, At: now})
		c.emit(Event{Kind: EventRedirectToLogin, Reason: reason, At: now})
	case ReasonCorrupted:
		c.emit(Event{Kind: EventRedirectToLogin, Reason: reason, Message: noticeCorrupted, At: now})
	}

	if notifyBackend && hadRecord {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
		defer cancel()
		if err := c.api.Logout(reqCtx, current.AccessToken, current.SessionID); err != nil {
			c.log.Warn().Err(err).Msg("backend logout notification failed")
		}
	}
}

// restoreState goes back to previous after a failed login, unless the store says
// otherwise.
func (c *Coordinator) restoreState(previous State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAuthenticating || c.state == StateRefreshing {
		c.state = previous
	}
}

func (c *Coordinator) restoreStateIf(epoch uint64, from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == epoch && c.state == from {
		c.state = to
	}
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Coordinator) emit(event Event) {
	c.mu.Lock()
	handlers := make([]func(Event), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// sessionFromResponse builds the record to persist. Values the backend leaves out
// keep their previous value.
func sessionFromResponse(resp *backend.AuthResponse, now time.Time, refreshToken, sessionID string) (tokenstore.Session, error) {
	expiresAt, err := resp.ExpiresAt(now)
	if err != nil {
		return tokenstore.Session{}, err
	}
	session := tokenstore.Session{
		AccessToken:  resp.Tokens.AccessToken,
		RefreshToken: resp.Tokens.RefreshToken,
		User:         resp.User,
		ExpiresAt:    expiresAt,
		SessionID:    resp.Tokens.SessionID,
	}
	if session.RefreshToken == "" {
		session.RefreshToken = refreshToken
	}
	if session.SessionID == "" {
		session.SessionID = sessionID
	}
	if session.AccessToken == "" || session.User.ID == "" {
		return tokenstore.Session{}, errors.Wrap(ierrors.ErrIncompleteData, "response without access token or user")
	}
	return session, nil
}

func resultLabel(err error) string {
	var (
		authErr *backend.AuthenticationError
		permErr *backend.PermissionError
	)
	switch {
	case errors.As(err, &authErr):
		return "rejected"
	case errors.As(err, &permErr):
		return "forbidden"
	case backend.IsRetryable(err):
		return "network_error"
	}
	return "error"
}
