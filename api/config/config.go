package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Analytics backends selectable with ANALYTICS_BACKEND.
const (
	BackendClickHouse = "clickhouse"
	BackendPostgres   = "postgres"
)

// DB is the global ClickHouse connection pool used for analysis queries.
var DB driver.Conn

// CHConfig holds the ClickHouse configuration
type CHConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

var cfg CHConfig

// Database returns the configured database name
func Database() string {
	return cfg.Database
}

// SetDatabase sets the configured database name (for testing)
func SetDatabase(db string) {
	cfg.Database = db
}

// AnalyticsBackend returns the datastore analyses run against.
func AnalyticsBackend() string {
	if os.Getenv("ANALYTICS_BACKEND") == BackendPostgres {
		return BackendPostgres
	}
	return BackendClickHouse
}

// Load initializes the ClickHouse configuration from environment variables
// and creates the connection pool.
func Load() error {
	cfg.Addr = os.Getenv("CLICKHOUSE_ADDR_TCP")
	if cfg.Addr == "" {
		cfg.Addr = "localhost:9000"
	}

	cfg.Database = os.Getenv("CLICKHOUSE_DATABASE")
	if cfg.Database == "" {
		cfg.Database = "default"
	}

	cfg.Username = os.Getenv("CLICKHOUSE_USERNAME")
	if cfg.Username == "" {
		cfg.Username = "default"
	}

	cfg.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.Secure = os.Getenv("CLICKHOUSE_SECURE") == "true"

	slog.Info("connecting to ClickHouse", "addr", cfg.Addr, "database", cfg.Database, "username", cfg.Username, "secure", cfg.Secure)

	conn, err := Open(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	DB = conn
	slog.Info("connected to ClickHouse")
	return nil
}

// Open creates a ClickHouse connection pool without checking reachability.
func Open(c CHConfig) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{c.Addr},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}

	// ClickHouse Cloud (port 9440)
	if c.Secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create clickhouse connection: %w", err)
	}
	return conn, nil
}

// Close closes the ClickHouse connection pool
func Close() error {
	if DB != nil {
		return DB.Close()
	}
	return nil
}
