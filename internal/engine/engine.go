// Package engine composes the envelope engine from process configuration:
// driver catalog, stores, advisory cache and services. Hosts embed this
// instead of wiring the pieces by hand.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"envelope-engine/internal/driver"
	"envelope-engine/internal/envelope"
	"envelope-engine/internal/envelope/gatescache"
	"envelope-engine/internal/platform/config"
	"envelope-engine/internal/platform/postgres"
	"envelope-engine/internal/platform/redis"
	"envelope-engine/internal/token"
)

// Engine bundles the composed services and their shutdown hooks.
type Engine struct {
	Catalog   *driver.Catalog
	Envelopes *envelope.Service
	Tokens    *token.Service

	closers []func() error
}

// New builds an engine from config. Postgres and redis are optional: without
// a DSN everything runs on the in-memory stores, which is the test and
// development mode.
func New(ctx context.Context, cfg config.Engine, logger *log.Logger, opts ...envelope.Option) (*Engine, error) {
	if logger == nil {
		logger = log.Default()
	}

	catalog := driver.NewCatalog(driver.NewLoader(cfg.DriverDir))

	e := &Engine{Catalog: catalog}

	var db *sql.DB
	var store envelope.Store = envelope.NewInMemoryStore()
	var tokenStore token.Store = token.NewInMemoryStore()
	if cfg.PostgresDSN != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		e.closers = append(e.closers, db.Close)
		store = envelope.NewPostgres(db)
		tokenStore = token.NewPostgres(db)
	}

	var advisory envelope.AdvisoryCache = gatescache.NewMemory()
	if cfg.RedisURL != "" {
		client, err := redis.New(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		if client != nil {
			e.closers = append(e.closers, client.Close)
			advisory = gatescache.NewRedis(client.Client, config.GatesCacheTTL)
		}
	}

	svcOpts := []envelope.Option{
		envelope.WithFileStorage(envelope.NewMemoryStorage()),
		envelope.WithAdvisoryCache(advisory),
	}
	if !cfg.AuditEnabled {
		svcOpts = append(svcOpts, envelope.WithAuditDisabled())
	}
	svcOpts = append(svcOpts, opts...)

	envelopes, err := envelope.NewService(catalog, store, logger, svcOpts...)
	if err != nil {
		return nil, err
	}
	e.Envelopes = envelopes

	tokens, err := token.NewService(tokenStore, envelopes, store, logger)
	if err != nil {
		return nil, err
	}
	e.Tokens = tokens

	return e, nil
}

// Close releases every connection the engine opened, first error wins.
func (e *Engine) Close() error {
	var first error
	for _, close := range e.closers {
		if err := close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
