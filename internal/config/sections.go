package config

import "time"

type EnvVars struct {
	AppName     string
	Environment string
	LogLevel    string
	BackendURL  string
	ListenAddr  string
}

// Session holds the coordinator timings.
type Session struct {
	RenewalBuffer    time.Duration // Lead time before expiry at which the token is renewed
	InactivityWindow time.Duration // Idle time after which the session is ended
	RequestTimeout   time.Duration // Bound on every backend call
	SyncInterval     time.Duration // Period of the cross-context convergence check
	ActivityThrottle time.Duration // Minimum spacing between inactivity timer re-arms
	EventTTL         time.Duration // How long a broadcast event record stays in the store
}

// Store selects and configures the shared persistent store.
type Store struct {
	Driver               string // memory, file or redis
	Dir                  string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisChannel         string
	Namespace            string
	ObfuscationKey       string
	EncryptionPassphrase string // When set, persisted fields are sealed instead of obfuscated
}

type Monitor struct {
	WarningThreshold  time.Duration
	CriticalThreshold time.Duration
	PollInterval      time.Duration
}
