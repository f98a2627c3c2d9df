package session

import (
	"context"

	"github.com/jrsteele09/go-session-manager/broadcast"
	"github.com/jrsteele09/go-session-manager/tokenstore"
)

// Start restores a stored session, clears a corrupted one, subscribes to sibling
// announcements and arms the periodic convergence check. It makes no network calls;
// call ValidateSession afterwards to confirm a restored session with the backend.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.tokens.HasResidue(ctx) {
		c.log.Warn().Msg("stored session record is corrupted, clearing it")
		c.endSession(ctx, ReasonCorrupted, false, false)
	} else if current, ok := c.tokens.Read(ctx); ok && current.ExpiresAt.After(c.clock.Now()) {
		c.adopt(current, false)
	}

	unsubscribe := c.broadcaster.Subscribe(c.onAnnouncement)
	c.broadcaster.Start()

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.armSyncLocked()
	c.mu.Unlock()
}

// Close stops every timer and stops listening to sibling contexts. The stored session
// is left alone.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopSessionTimersLocked()
	if c.syncTimer != nil {
		c.syncTimer.Stop()
		c.syncTimer = nil
	}
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Coordinator) onAnnouncement(event broadcast.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	switch event.Kind {
	case broadcast.KindLogout:
		// The store is authoritative: a session written after that logout stands.
		if c.tokens.IsValid(ctx) {
			c.log.Debug().Str("origin", event.Origin).Msg("ignoring remote logout, store holds a newer session")
			return
		}
		c.endSession(ctx, ReasonRemote, false, false)

	case broadcast.KindLogin:
		if current, ok := c.tokens.Read(ctx); ok && current.ExpiresAt.After(c.clock.Now()) {
			c.adopt(current, true)
		}
	}
}

// adopt makes this context follow a session another context (or a previous run) wrote.
func (c *Coordinator) adopt(current tokenstore.Session, remote bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state != StateAnonymous {
		if !current.ExpiresAt.Equal(c.renewalFor) && c.state == StateAuthenticated {
			c.armRenewalLocked(current.ExpiresAt, false)
		}
		c.mu.Unlock()
		return
	}

	now := c.clock.Now()
	c.state = StateAuthenticated
	c.lastActivity = now
	c.residueSeen = false
	c.armRenewalLocked(current.ExpiresAt, false)
	c.armInactivityLocked(c.inactivityWindow)
	c.mu.Unlock()

	c.log.Info().Str("user_id", current.User.ID).Bool("remote", remote).Msg("session adopted")
	if remote {
		user := current.User
		c.emit(Event{Kind: EventRemoteLogin, User: &user, At: now})
	}
}

// converge brings local state in line with the store. It is the self-healing path
// for announcements that never arrived.
func (c *Coordinator) converge(ctx context.Context) {
	current, ok := c.tokens.Read(ctx)
	now := c.clock.Now()

	c.mu.Lock()
	state := c.state
	if ok {
		c.residueSeen = false
	}
	c.mu.Unlock()

	switch {
	case ok && current.ExpiresAt.After(now):
		c.adopt(current, state == StateAnonymous)

	case ok:
		// Expired but readable: the next request or validation refreshes it.

	case c.tokens.HasResidue(ctx):
		// A sibling may be half way through a write; only a record that stays
		// unreadable across two checks is treated as corrupted.
		c.mu.Lock()
		seen := c.residueSeen
		c.residueSeen = true
		c.mu.Unlock()
		if seen {
			c.endSession(ctx, ReasonCorrupted, false, true)
		}

	case state == StateAuthenticated:
		c.endSession(ctx, ReasonRemote, false, false)
	}
}

func (c *Coordinator) armSyncLocked() {
	if c.closed {
		return
	}
	c.syncTimer = c.clock.AfterFunc(c.syncInterval, c.onSync)
}

func (c *Coordinator) onSync() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	c.converge(ctx)
	cancel()

	c.mu.Lock()
	c.armSyncLocked()
	c.mu.Unlock()
}
