package backendfake

import (
	"sync"
	"time"
)

// revokedTokens remembers the jti of access tokens presented at logout until they
// would have expired anyway.
type revokedTokens struct {
	mu      sync.RWMutex
	now     func() time.Time
	revoked map[string]time.Time
}

func newRevokedTokens(now func() time.Time) *revokedTokens {
	return &revokedTokens{now: now, revoked: make(map[string]time.Time)}
}

func (c *revokedTokens) add(jti string, exp time.Time) {
	if jti == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	c.revoked[jti] = exp
}

func (c *revokedTokens) isRevoked(jti string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.revoked[jti]
	return exists
}

func (c *revokedTokens) cleanupLocked() {
	now := c.now()
	for jti, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, jti)
		}
	}
}
