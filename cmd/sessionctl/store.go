package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/kvstore"
	"github.com/jrsteele09/go-session-manager/kvstore/filestore"
	"github.com/jrsteele09/go-session-manager/kvstore/memstore"
	"github.com/jrsteele09/go-session-manager/kvstore/redisstore"
	"github.com/jrsteele09/go-session-manager/tokenstore"
)

// openStore opens the shared store the configured driver names. The returned func
// releases it.
func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (kvstore.Store, func(), error) {
	switch cfg.GetStoreDriver() {
	case "memory":
		store := memstore.New()
		return store, func() { store.Close() }, nil

	case "file", "":
		store, err := filestore.Open(cfg.GetStoreDir(), filestore.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.GetRedisAddr(),
			Password: cfg.GetRedisPassword(),
			DB:       cfg.GetRedisDB(),
		})
		store, err := redisstore.New(ctx, client, cfg.GetRedisChannel(), redisstore.WithLogger(log))
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return store, func() {
			store.Close()
			client.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.GetStoreDriver())
}

// newTransform seals persisted fields when a passphrase is configured and only
// obfuscates them otherwise.
func newTransform(cfg config.StoreConfig) (tokenstore.Transform, error) {
	if passphrase := cfg.GetEncryptionPassphrase(); passphrase != "" {
		sealed, err := tokenstore.NewAEADTransform(passphrase)
		if err != nil {
			return nil, err
		}
		return sealed, nil
	}
	obfuscated, err := tokenstore.NewXORObfuscator(cfg.GetObfuscationKey())
	if err != nil {
		return nil, err
	}
	return obfuscated, nil
}
