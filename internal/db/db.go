package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
)

type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
	DriverMemory   Driver = "memory"
)

var ErrUnsupportedURL = errors.New("unsupported database url")

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps the shared sqlx handle. For postgres the handle is backed by a pgx pool.
type DB struct {
	*sqlx.DB
	Driver Driver
	pool   *pgxpool.Pool
}

// ParseURL maps a DATABASE_URL onto a driver and the DSN that driver expects.
func ParseURL(url string) (Driver, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		// sqlite:///./file.db and sqlite://file.db are both accepted
		if strings.HasPrefix(path, "/./") {
			path = path[1:]
		}
		if path == "" {
			return "", "", fmt.Errorf("%w: %q has no file path", ErrUnsupportedURL, url)
		}
		return DriverSQLite, path, nil
	case url == "memory://" || url == "memory":
		return DriverMemory, "", nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}
}

// Open connects to the configured store. It returns (nil, nil) for the in-memory driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	driver, dsn, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	switch driver {
	case DriverPostgres:
		return openPostgres(ctx, dsn, cfg)
	case DriverSQLite:
		return openSQLite(ctx, dsn)
	default:
		return nil, nil
	}
}

func openPostgres(ctx context.Context, dsn string, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: failed to connect to database: %w", err)
	}

	sqlDB := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")
	if err := sqlDB.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: failed to ping database: %w", err)
	}

	log.Info().Str("host", poolCfg.ConnConfig.Host).Str("database", poolCfg.ConnConfig.Database).Msg("db: connected to PostgreSQL")
	return &DB{DB: sqlDB, Driver: DriverPostgres, pool: pool}, nil
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open sqlite database: %w", err)
	}
	// single writer; sqlite serialises writes anyway and this keeps transactions from hitting SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db: failed to ping sqlite database: %w", err)
	}

	log.Info().Str("path", path).Msg("db: opened SQLite database")
	return &DB{DB: sqlDB, Driver: DriverSQLite}, nil
}

func (d *DB) Close() {
	if d == nil {
		return
	}
	if err := d.DB.Close(); err != nil {
		log.Warn().Err(err).Msg("db: failed to close database handle")
	}
	if d.pool != nil {
		d.pool.Close()
	}
	log.Info().Msg("db: database connection closed")
}
