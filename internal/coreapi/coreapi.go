// Package coreapi is the security core's composition root. It wires the
// eight components (tenant registry, principal store, token vault,
// session authority, access decider, field cipher, audit sink, and the
// crypto primitives underneath them) into one set of ready-to-use
// handles, the way the teacher's cmd/api/main.go wired auth, storage,
// and notify by hand before handing them to the HTTP layer.
package coreapi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ironvault/securitycore/internal/access"
	"github.com/ironvault/securitycore/internal/audit"
	"github.com/ironvault/securitycore/internal/cache"
	"github.com/ironvault/securitycore/internal/config"
	"github.com/ironvault/securitycore/internal/cryptocore"
	"github.com/ironvault/securitycore/internal/fieldcipher"
	"github.com/ironvault/securitycore/internal/obs"
	"github.com/ironvault/securitycore/internal/principal"
	"github.com/ironvault/securitycore/internal/ratelimit"
	"github.com/ironvault/securitycore/internal/session"
	"github.com/ironvault/securitycore/internal/storage"
	"github.com/ironvault/securitycore/internal/tenant"
	"github.com/ironvault/securitycore/internal/tokenvault"
	"github.com/jackc/pgx/v5/pgxpool"
	applogger "github.com/ironvault/securitycore/pkg/logger"
)

// Core bundles every security-core component behind its exported type.
// Callers embedding this module (an HTTP layer, a gRPC layer, a CLI —
// all out of scope here) depend on these fields directly; there is no
// further indirection to satisfy.
type Core struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Cache *cache.Client

	Tenants    *tenant.Registry
	Principals *principal.Store
	Tokens     *tokenvault.Vault
	Sessions   *session.Authority
	Access     *access.Decider
	Fields     *fieldcipher.Cipher
	Audit      audit.Sink
}

// Bootstrap loads configuration, connects to Postgres and Redis, and
// wires every component together. Callers are responsible for calling
// Close when done.
func Bootstrap(ctx context.Context) (*Core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("coreapi: load config: %w", err)
	}

	logger := applogger.Setup(cfg)

	if err := obs.Init(os.Getenv("SENTRY_DSN"), cfg.Environment); err != nil {
		logger.Warn("sentry_init_failed", "error", err)
	}

	pool, err := storage.NewPostgres(ctx, cfg.MasterDBURL)
	if err != nil {
		return nil, fmt.Errorf("coreapi: connect to postgres: %w", err)
	}

	cacheClient, err := cache.New(cfg.CacheURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("coreapi: connect to cache: %w", err)
	}

	masterKey, err := cryptocore.ParseMasterKey(cfg.AESEncryptionKey)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("coreapi: parse master key: %w", err)
	}

	auditSink := audit.NewDBSink(pool, logger)

	principals := principal.NewStore(pool)
	tenants := tenant.NewRegistry(pool)
	decider := access.NewDecider(pool, principals, auditSink)
	fields := fieldcipher.New(masterKey, auditSink)
	vault := tokenvault.New(pool, cacheClient, auditSink)

	tokens, err := session.NewHMACProvider(cfg.JWTSecret, cfg.AccessTokenTTL, "ironvault-securitycore")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("coreapi: init token provider: %w", err)
	}

	resetLimit := ratelimit.New(cacheClient, cfg.PasswordResetMaxPerHour, time.Hour)
	loginLimit := ratelimit.New(cacheClient, cfg.LoginMaxAttemptsPerHour, time.Hour)
	mfa := session.NewMFAService("ironvault-securitycore")
	passwords := session.NewArgon2Hasher(cfg)

	sessions := session.NewAuthority(
		pool, cacheClient, tokens, mfa, passwords, principals, tenants, vault, decider,
		resetLimit, loginLimit, auditSink, cfg.RefreshTokenTTL, cfg.LockoutThreshold, cfg.LockoutDuration,
	)

	return &Core{
		Config:     &cfg,
		Logger:     logger,
		Pool:       pool,
		Cache:      cacheClient,
		Tenants:    tenants,
		Principals: principals,
		Tokens:     vault,
		Sessions:   sessions,
		Access:     decider,
		Fields:     fields,
		Audit:      auditSink,
	}, nil
}

// Close releases every resource Bootstrap acquired. Safe to call on a
// partially-initialized Core.
func (c *Core) Close() {
	if c == nil {
		return
	}
	if sink, ok := c.Audit.(*audit.DBSink); ok {
		sink.Close()
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}
