package dbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"social-credit-ledger/shared/config"
)

// PoolConfig parses DATABASE_URL and applies the pool limits. Connections are
// tagged with the service name so they can be told apart in pg_stat_activity.
func PoolConfig(cfg config.Config) (*pgxpool.Config, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
	}
	if cfg.DBMinConns >= 0 && cfg.DBMinConns <= int(poolCfg.MaxConns) {
		poolCfg.MinConns = int32(cfg.DBMinConns)
	}
	poolCfg.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	poolCfg.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok && cfg.ServiceName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ServiceName
	}
	return poolCfg, nil
}

func NewPool(cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(context.Background(), poolCfg)
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db pool is nil")
	}
	var one int
	return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// WaitReady pings until the database answers or ctx ends. Startup uses it so
// a service started alongside Postgres does not exit on the first refusal.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	for {
		err := Ping(ctx, pool)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("database not ready: %w", err)
		case <-time.After(every):
		}
	}
}
