package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "MEDSESSION"

type Config interface {
	EnvConfig
	SessionConfig
	StoreConfig
	MonitorConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetBackendURL() string
	GetListenAddr() string
}

type SessionConfig interface {
	GetRenewalBuffer() time.Duration
	GetInactivityWindow() time.Duration
	GetRequestTimeout() time.Duration
	GetSyncInterval() time.Duration
	GetActivityThrottle() time.Duration
	GetEventTTL() time.Duration
}

type StoreConfig interface {
	GetStoreDriver() string
	GetStoreDir() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetRedisChannel() string
	GetNamespace() string
	GetObfuscationKey() string
	GetEncryptionPassphrase() string
}

type MonitorConfig interface {
	GetWarningThreshold() time.Duration
	GetCriticalThreshold() time.Duration
	GetPollInterval() time.Duration
}

type mainConfig struct {
	Env     EnvVars
	Session Session
	Store   Store
	Monitor Monitor
}

var _ Config = (*mainConfig)(nil)

// Load reads config.yaml (if present) from the given paths, then MEDSESSION_* env
// vars, on top of the defaults.
func Load(paths ...string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg mainConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no env vars.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg mainConfig
	_ = v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	})
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env.appname", "MedSession")
	v.SetDefault("env.environment", "development")
	v.SetDefault("env.loglevel", "info")
	v.SetDefault("env.backendurl", "http://localhost:8080")
	v.SetDefault("env.listenaddr", ":8080")

	v.SetDefault("session.renewalbuffer", "5m")
	v.SetDefault("session.inactivitywindow", "30m")
	v.SetDefault("session.requesttimeout", "12s")
	v.SetDefault("session.syncinterval", "30s")
	v.SetDefault("session.activitythrottle", "1s")
	v.SetDefault("session.eventttl", "2s")

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", "./data/session")
	v.SetDefault("store.redisaddr", "127.0.0.1:6379")
	v.SetDefault("store.redisdb", 0)
	v.SetDefault("store.redischannel", "medsession:changes")
	v.SetDefault("store.namespace", "medsession")
	v.SetDefault("store.obfuscationkey", "medsession-local")

	v.SetDefault("monitor.warningthreshold", "5m")
	v.SetDefault("monitor.criticalthreshold", "1m")
	v.SetDefault("monitor.pollinterval", "1s")
}

func (c *mainConfig) GetAppName() string    { return c.Env.AppName }
func (c *mainConfig) GetEnv() string        { return c.Env.Environment }
func (c *mainConfig) GetLogLevel() string   { return c.Env.LogLevel }
func (c *mainConfig) GetBackendURL() string { return c.Env.BackendURL }
func (c *mainConfig) GetListenAddr() string { return c.Env.ListenAddr }

func (c *mainConfig) GetRenewalBuffer() time.Duration    { return c.Session.RenewalBuffer }
func (c *mainConfig) GetInactivityWindow() time.Duration { return c.Session.InactivityWindow }
func (c *mainConfig) GetRequestTimeout() time.Duration   { return c.Session.RequestTimeout }
func (c *mainConfig) GetSyncInterval() time.Duration     { return c.Session.SyncInterval }
func (c *mainConfig) GetActivityThrottle() time.Duration { return c.Session.ActivityThrottle }
func (c *mainConfig) GetEventTTL() time.Duration         { return c.Session.EventTTL }

func (c *mainConfig) GetStoreDriver() string          { return c.Store.Driver }
func (c *mainConfig) GetStoreDir() string             { return c.Store.Dir }
func (c *mainConfig) GetRedisAddr() string            { return c.Store.RedisAddr }
func (c *mainConfig) GetRedisPassword() string        { return c.Store.RedisPassword }
func (c *mainConfig) GetRedisDB() int                 { return c.Store.RedisDB }
func (c *mainConfig) GetRedisChannel() string         { return c.Store.RedisChannel }
func (c *mainConfig) GetNamespace() string            { return c.Store.Namespace }
func (c *mainConfig) GetObfuscationKey() string       { return c.Store.ObfuscationKey }
func (c *mainConfig) GetEncryptionPassphrase() string { return c.Store.EncryptionPassphrase }

func (c *mainConfig) GetWarningThreshold() time.Duration  { return c.Monitor.WarningThreshold }
func (c *mainConfig) GetCriticalThreshold() time.Duration { return c.Monitor.CriticalThreshold }
func (c *mainConfig) GetPollInterval() time.Duration      { return c.Monitor.PollInterval }
