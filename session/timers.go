package session

import (
	"context"
	"time"
)

// armRenewalLocked schedules the proactive refresh at expiresAt minus the renewal
// buffer. A session already inside the buffer renews immediately, except right after
// a token was issued: then half of its remaining life is used so a backend issuing
// lifetimes shorter than the buffer does not cause a refresh loop.
func (c *Coordinator) armRenewalLocked(expiresAt time.Time, justIssued bool) {
	if c.renewalTimer != nil {
		c.renewalTimer.Stop()
	}
	remaining := expiresAt.Sub(c.clock.Now())
	delay := remaining - c.renewalBuffer
	if delay < 0 {
		delay = 0
		if justIssued && remaining > 0 {
			delay = remaining / 2
		}
	}

	epoch := c.epoch
	c.renewalFor = expiresAt
	c.renewalTimer = c.clock.AfterFunc(delay, func() {
		c.onRenewal(epoch)
	})
}

func (c *Coordinator) armInactivityLocked(d time.Duration) {
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
	}
	epoch := c.epoch
	c.inactivityTimer = c.clock.AfterFunc(d, func() {
		c.onInactivity(epoch)
	})
}

func (c *Coordinator) stopSessionTimersLocked() {
	if c.renewalTimer != nil {
		c.renewalTimer.Stop()
		c.renewalTimer = nil
	}
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
		c.inactivityTimer = nil
	}
	c.renewalFor = time.Time{}
}

func (c *Coordinator) onRenewal(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.state == StateAnonymous {
		c.mu.Unlock()
		return
	}
	c.renewalTimer = nil
	armedFor := c.renewalFor
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	// Another context may have refreshed already; follow its expiry instead of
	// refreshing again.
	if current, ok := c.tokens.Read(ctx); ok && current.ExpiresAt.After(armedFor) {
		c.mu.Lock()
		if c.epoch == epoch && c.state != StateAnonymous {
			c.armRenewalLocked(current.ExpiresAt, false)
		}
		c.mu.Unlock()
		return
	}

	if _, err := c.RefreshAccessToken(ctx); err != nil {
		// No retry loop: the next 401 or renewal will try again.
		c.log.Warn().Err(err).Msg("scheduled renewal failed")
	}
}

// RecordActivity notes a user-activity signal. The timestamp is always recorded;
// re-arming the inactivity timer is rate limited.
func (c *Coordinator) RecordActivity(kind ActivityKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAuthenticated && c.state != StateRefreshing {
		return
	}
	now := c.clock.Now()
	c.lastActivity = now
	if c.activityLimiter.AllowN(now, 1) {
		c.armInactivityLocked(c.inactivityWindow)
	}
	c.log.Trace().Str("activity", string(kind)).Msg("activity recorded")
}

// onInactivity ends the session unless activity arrived after the timer was armed, in
// which case it waits out the rest of the window.
func (c *Coordinator) onInactivity(epoch uint64) {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.state == StateAnonymous {
		c.mu.Unlock()
		return
	}
	idle := c.clock.Now().Sub(c.lastActivity)
	if idle < c.inactivityWindow {
		c.armInactivityLocked(c.inactivityWindow - idle)
		c.mu.Unlock()
		return
	}
	c.inactivityTimer = nil
	c.mu.Unlock()

	c.log.Info().Dur("idle", idle).Msg("inactivity window elapsed")
	c.endSession(context.Background(), ReasonInactivity, true, true)
}
