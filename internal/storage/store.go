package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"flipwatch/internal/config"
)

// ErrNoDSN is returned when the database section carries no DSN.
var ErrNoDSN = errors.New("database.dsn is required")

const poolHealthCheckPeriod = 30 * time.Second

// NewPool opens a pgx pool for the decision and catalog tables. Every
// connection reports appName as its application_name so lock holders are
// visible in pg_stat_activity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, appName string) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if appName != "" {
		pc.ConnConfig.RuntimeParams["application_name"] = appName
	}
	pc.HealthCheckPeriod = poolHealthCheckPeriod

	switch {
	case cfg.MaxOpenConns > 0:
		pc.MaxConns = int32(cfg.MaxOpenConns)
	case pc.MaxConns < 2:
		// The snapshot job holds one connection for its advisory lock.
		pc.MaxConns = 2
	}
	if cfg.MaxIdleConns > 0 && int32(cfg.MaxIdleConns) <= pc.MaxConns {
		pc.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
