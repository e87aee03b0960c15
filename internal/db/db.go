package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/Tamnud-ghule/KUINBEE/config"
	_ "github.com/lib/pq"
)

const (
	defaultDBDriver       = "postgres"
	defaultPingTimeout    = 5 * time.Second
	defaultConnectTimeout = 10
	defaultConnMaxIdle    = 2 * time.Minute
	defaultConnMaxLife    = 30 * time.Minute
	defaultMaxIdleConns   = 5
	defaultMaxOpenConns   = 25
	applicationName       = "kuinbee"
)

// PostgresURL builds the connection URL shared by the server, migrations
// and the e2e suite. Connections identify themselves as "kuinbee" in
// pg_stat_activity.
func PostgresURL(cfg config.DatabaseConfig) string {
	sslmode := "disable"
	if cfg.UseSSL {
		sslmode = "require"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:   url.UserPassword(cfg.User, cfg.Password),
		Path:   cfg.DBName,
	}

	q := u.Query()
	q.Set("sslmode", sslmode)
	q.Set("application_name", applicationName)
	q.Set("connect_timeout", fmt.Sprint(defaultConnectTimeout))
	u.RawQuery = q.Encode()

	return u.String()
}

// PoolSettings resolves the pool limits, falling back to package defaults
// for unset values. Idle connections never exceed open connections.
func PoolSettings(cfg config.DatabaseConfig) (maxOpen, maxIdle int, maxLife time.Duration) {
	maxOpen = cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle = cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdle = min(maxIdle, maxOpen)
	maxLife = cfg.ConnMaxLifetime
	if maxLife <= 0 {
		maxLife = defaultConnMaxLife
	}
	return maxOpen, maxIdle, maxLife
}

// Open connects to Postgres and verifies the connection before returning.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open(defaultDBDriver, PostgresURL(cfg.Database))
	if err != nil {
		return nil, err
	}

	maxOpen, maxIdle, maxLife := PoolSettings(cfg.Database)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLife)
	db.SetConnMaxIdleTime(defaultConnMaxIdle)

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}
