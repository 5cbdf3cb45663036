package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/partner-gateway/internal/config"
)

// PoolOpts configures a database/sql pool for either SQL store.
type PoolOpts struct {
	// mysql: user:pass@tcp(127.0.0.1:3306)/partner_gateway
	// clickhouse: clickhouse://default:@localhost:9000/partner_gateway?dial_timeout=5s&compress=true
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration

	// MySQL only. Migrations run a whole file per Exec.
	MultiStatements bool
}

func PoolOptsFrom(c config.DatabaseConfig) PoolOpts {
	return PoolOpts{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

// NewMySQLConnection opens the partner and key store. Times are scanned as
// UTC time.Time regardless of what the DSN asked for.
func NewMySQLConnection(opts PoolOpts) (*sqlx.DB, error) {
	dsn, err := mysqlDSN(opts)
	if err != nil {
		return nil, err
	}
	opts.DSN = dsn
	return open("mysql", opts, 5*time.Second)
}

// NewClickHouseConnection opens the usage store. Callers own Close.
func NewClickHouseConnection(opts PoolOpts) (*sqlx.DB, error) {
	return open("clickhouse", opts, 3*time.Second)
}

func mysqlDSN(opts PoolOpts) (string, error) {
	if opts.DSN == "" {
		return "", fmt.Errorf("empty mysql DSN")
	}
	mc, err := mysql.ParseDSN(opts.DSN)
	if err != nil {
		return "", fmt.Errorf("parse mysql DSN: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	if opts.MultiStatements {
		mc.MultiStatements = true
	}
	return mc.FormatDSN(), nil
}

func open(driver string, opts PoolOpts, defaultPing time.Duration) (*sqlx.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("empty %s DSN", driver)
	}
	db, err := sqlx.Open(driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPing
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}

	return db, nil
}
