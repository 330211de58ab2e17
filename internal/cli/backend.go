package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/intensity/internal/behavior"
	"github.com/lazypower/intensity/internal/cache"
	"github.com/lazypower/intensity/internal/client"
	"github.com/lazypower/intensity/internal/config"
	"github.com/lazypower/intensity/internal/engine"
	"github.com/lazypower/intensity/internal/progression"
	"github.com/lazypower/intensity/internal/store"
	"github.com/lazypower/intensity/internal/store/pgstore"
)

// backend is what the commands need; *engine.Engine and *client.Client both
// provide it.
type backend interface {
	SubmitTrigger(ctx context.Context, ev behavior.TriggerEvent) (engine.Result, error)
	GetAgentState(ctx context.Context, agentID string) (behavior.ProgressionState, error)
	GetSafetySnapshot(ctx context.Context, agentID string) (behavior.SafetySnapshot, error)
	Profile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error)
	EnsureProfile(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error)
	UpdateParameters(ctx context.Context, agentID string, t behavior.Type, params behavior.Params) (*behavior.Profile, error)
	ResetBehavior(ctx context.Context, agentID string, t behavior.Type) (*behavior.Profile, error)
	DeleteBehavior(ctx context.Context, agentID string, t behavior.Type) error
	History(ctx context.Context, agentID string, t behavior.Type, q behavior.HistoryQuery) ([]behavior.TriggerLogEntry, error)
	Curve(ctx context.Context, agentID string, t behavior.Type) ([]engine.CurvePoint, error)
	Analytics(ctx context.Context) (progression.Summary, error)
}

var (
	_ backend = (*engine.Engine)(nil)
	_ backend = (*client.Client)(nil)
)

// localStore is an engine.Store that also reports health and closes.
type localStore interface {
	engine.Store
	PingContext(ctx context.Context) error
	Close() error
}

// openStore opens the configured database.
func openStore(ctx context.Context, c config.Config, log *zap.Logger) (localStore, string, error) {
	switch c.Database.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, c.Database.DSN, log)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	default:
		path := c.Database.Path
		if path == "" {
			var err error
			if path, err = store.DefaultDBPath(); err != nil {
				return nil, "", fmt.Errorf("resolve db path: %w", err)
			}
		}
		db, err := store.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		return db, path, nil
	}
}

// local bundles an engine with the resources it owns.
type local struct {
	*engine.Engine
	db    localStore
	cache *cache.Cache
}

func (l *local) Close() {
	l.Engine.Close()
	if l.cache != nil {
		l.cache.Close()
	}
	l.db.Close()
}

// openLocal builds an engine over the configured store, with the Redis cache
// when one is configured and reachable.
func openLocal(ctx context.Context, c config.Config, log *zap.Logger) (*local, string, error) {
	db, where, err := openStore(ctx, c, log)
	if err != nil {
		return nil, "", err
	}

	l := &local{db: db}
	opts := engine.Options{
		Logger:             log,
		Defaults:           c.ParamsFor,
		StoreTimeout:       c.Engine.StoreTimeout,
		IdleTimeout:        c.Engine.IdleTimeout,
		MaxConflictRetries: c.Engine.MaxConflictRetries,
	}
	if c.Cache.RedisAddr != "" {
		rc, err := cache.New(ctx, c.Cache.RedisAddr, c.Cache.TTL, log)
		if err != nil {
			log.Warn("state cache disabled", zap.String("addr", c.Cache.RedisAddr), zap.Error(err))
		} else {
			l.cache = rc
			opts.Cache = rc
		}
	}
	l.Engine = engine.New(db, opts)
	return l, where, nil
}

// openBackend returns the server client when --server is set, otherwise a
// local engine. The returned func releases it.
func openBackend(ctx context.Context) (backend, func(), error) {
	if serverURL != "" {
		return client.New(serverURL), func() {}, nil
	}
	l, _, err := openLocal(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}
