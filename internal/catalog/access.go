package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Backend names accepted by Config.Backend.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds catalog client configuration.
type Config struct {
	Backend  string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// Access constructs catalog table handles. Handles are created lazily on
// first use and cached for the life of the process; the Postgres backend
// shares one connection pool across the root and meta tables.
type Access struct {
	cfg    *Config
	logger *zap.Logger

	pool   *pgxpool.Pool
	tables map[Kind]Table
}

// NewAccess creates a catalog access layer. No connections are opened
// until the first Table call.
func NewAccess(cfg *Config, logger *zap.Logger) *Access {
	return &Access{
		cfg:    cfg,
		logger: logger,
		tables: make(map[Kind]Table),
	}
}

// Table returns the (cached) handle for the requested catalog kind.
// Creation and use both happen on the compaction worker goroutine, so no
// locking is needed here.
func (a *Access) Table(ctx context.Context, kind Kind) (Table, error) {
	if t, ok := a.tables[kind]; ok {
		return t, nil
	}

	var (
		t   Table
		err error
	)
	switch a.cfg.Backend {
	case BackendMemory:
		t = NewMemoryTable(kind)
	case BackendPostgres, "":
		t, err = a.openPostgres(ctx, kind)
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", a.cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("Catalog table handle opened",
		zap.String("kind", kind.String()),
		zap.String("backend", a.cfg.Backend))

	a.tables[kind] = t
	return t, nil
}

func (a *Access) openPostgres(ctx context.Context, kind Kind) (Table, error) {
	if a.pool == nil {
		connString := fmt.Sprintf(
			"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
			a.cfg.Host, a.cfg.Port, a.cfg.Database, a.cfg.User, a.cfg.Password,
			a.cfg.MaxConns, a.cfg.MinConns,
		)

		poolCfg, err := pgxpool.ParseConfig(connString)
		if err != nil {
			return nil, fmt.Errorf("failed to parse catalog connection string: %w", err)
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create catalog connection pool: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping catalog database: %w", err)
		}

		a.pool = pool
	}

	return NewPostgresTable(ctx, a.pool, kind, a.logger)
}

// Close releases the shared connection pool, if one was opened.
func (a *Access) Close() {
	for _, t := range a.tables {
		t.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
