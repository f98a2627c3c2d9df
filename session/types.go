package session

import (
	"context"
	"time"

	"github.com/jrsteele09/go-session-manager/backend"
	"github.com/jrsteele09/go-session-manager/users"
)

// State is the coordinator's view of this context's session.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	}
	return "unknown"
}

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventLogin             EventKind = "login"
	EventLogout            EventKind = "logout"
	EventRefreshed         EventKind = "refreshed"
	EventInactivityTimeout EventKind = "inactivity_timeout"
	EventSessionExpired    EventKind = "session_expired"
	EventRedirectToLogin   EventKind = "redirect_to_login"
	EventRemoteLogin       EventKind = "remote_login"
	EventRemoteLogout      EventKind = "remote_logout"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonUser           Reason = "user"
	ReasonInactivity     Reason = "inactivity"
	ReasonSessionExpired Reason = "session_expired"
	ReasonRemote         Reason = "remote"
	ReasonCorrupted      Reason = "corrupted"
)

// Event is delivered to Subscribe handlers. Inactivity and remote logouts are events,
// not errors.
type Event struct {
	Kind    EventKind
	Reason  Reason      // Set on logout-type events
	User    *users.User // Set on login-type events
	Message string      // Human readable notice for banners
	At      time.Time
}

// ActivityKind is a user-activity signal that keeps the session alive.
type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityTouch   ActivityKind = "touch"
)

// API is the part of the backend the coordinator calls. backend.Client implements it.
type API interface {
	Login(ctx context.Context, credentials users.Credentials) (*backend.AuthResponse, error)
	Register(ctx context.Context, registration users.Registration) (*backend.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*backend.AuthResponse, error)
	Logout(ctx context.Context, accessToken, sessionID string) error
	Me(ctx context.Context, accessToken string) (*users.User, error)
}

var _ API = (*backend.Client)(nil)

const (
	noticeInactivity = "Your session ended due to inactivity. Please sign in again."
	noticeExpired    = "Your session has expired. Please sign in again."
	noticeRemote     = "You were signed out in another window."
	noticeCorrupted  = "Your saved session could not be read. Please sign in again."
)
