package config

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgPool is the global Postgres pool holding analysis runs. It also serves
// analysis queries when ANALYTICS_BACKEND=postgres.
var PgPool *pgxpool.Pool

// PostgresURL builds the connection URL from POSTGRES_URL or from the
// POSTGRES_HOST/PORT/DB/USER/PASSWORD parts.
func PostgresURL() string {
	if u := os.Getenv("POSTGRES_URL"); u != "" {
		return u
	}
	host := envOr("POSTGRES_HOST", "localhost")
	port := envOr("POSTGRES_PORT", "5432")
	db := envOr("POSTGRES_DB", "analyst")
	user := envOr("POSTGRES_USER", "analyst")
	sslmode := envOr("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + port,
		Path:     "/" + db,
		RawQuery: "sslmode=" + sslmode,
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// LoadPostgres creates the global Postgres pool and checks it is reachable.
func LoadPostgres(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(PostgresURL())
	if err != nil {
		return fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour

	slog.Info("connecting to Postgres", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	PgPool = pool
	slog.Info("connected to Postgres")
	return nil
}

// ClosePostgres closes the global Postgres pool.
func ClosePostgres() {
	if PgPool != nil {
		PgPool.Close()
	}
}

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunPostgresMigrations applies the embedded run store migrations to pool.
func RunPostgresMigrations(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	log.Info("running Postgres migrations with goose")

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Postgres migrations completed successfully")
	return nil
}
