package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/dbconfig"
	"github.com/duowheel/duowheel/go/internal/storage/memory"
	"github.com/duowheel/duowheel/go/internal/storage/natskv"
	"github.com/duowheel/duowheel/go/internal/storage/postgres"
)

// setupStore builds the session store named by the config. The engine is
// backend-agnostic; this is the only place the choice matters.
func setupStore(cfg *AppConfig) (couple.Store, error) {
	switch cfg.Backend.Kind {
	case "", "memory":
		return memory.NewStore(), nil

	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.DatabaseURL = dbconfig.NewConfigFromEnv().DSN()
		store, err := postgres.NewStore(pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return store, nil

	case "nats":
		natsCfg := natskv.DefaultConfig()
		if cfg.Nats.URL != "" {
			natsCfg.URL = cfg.Nats.URL
		} else {
			natsCfg.URL = getEnv("NATS_URL", nats.DefaultURL)
		}
		if cfg.Nats.Bucket != "" {
			natsCfg.Bucket = cfg.Nats.Bucket
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := natskv.NewStore(ctx, natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}
