package apitesting

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/analyst/api/config"
)

// ClickHouseDBConfig overrides the defaults of the analytics test container.
type ClickHouseDBConfig struct {
	Username string
	Password string
	Image    string
}

// ClickHouseDB is a ClickHouse container holding the analytics tables under
// test. Each test gets its own database through SetupTestClickHouse.
type ClickHouseDB struct {
	log       *slog.Logger
	username  string
	password  string
	nativeURL string
	httpURL   string
	container *tcch.ClickHouseContainer
}

// HTTPAddr is the base URL of the HTTP interface, as used by the query
// executor.
func (db *ClickHouseDB) HTTPAddr() string { return db.httpURL }

func (db *ClickHouseDB) Username() string { return db.username }

func (db *ClickHouseDB) Password() string { return db.password }

// Close terminates the container.
func (db *ClickHouseDB) Close() { terminate("ClickHouse", db.container, db.log.Error) }

// NewClickHouseDB starts a ClickHouse container. cfg may be nil.
func NewClickHouseDB(ctx context.Context, log *slog.Logger, cfg *ClickHouseDBConfig) (*ClickHouseDB, error) {
	c := ClickHouseDBConfig{Username: "default", Password: "password", Image: "clickhouse/clickhouse-server:latest"}
	if cfg != nil {
		c.Username = cmp.Or(cfg.Username, c.Username)
		c.Password = cmp.Or(cfg.Password, c.Password)
		c.Image = cmp.Or(cfg.Image, c.Image)
	}

	container, err := startContainer("ClickHouse", func() (*tcch.ClickHouseContainer, error) {
		return tcch.Run(ctx, c.Image, tcch.WithUsername(c.Username), tcch.WithPassword(c.Password))
	})
	if err != nil {
		return nil, err
	}
	db := &ClickHouseDB{log: log, username: c.Username, password: c.Password, container: container}

	native, err := container.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get ClickHouse native endpoint: %w", err)
	}
	httpURL, err := container.PortEndpoint(ctx, "8123/tcp", "http")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get ClickHouse HTTP endpoint: %w", err)
	}
	db.nativeURL, db.httpURL = native, httpURL
	return db, nil
}

// SetupTestClickHouse creates a throwaway database and points config.DB at it
// until the test ends.
func SetupTestClickHouse(t *testing.T, db *ClickHouseDB) {
	ctx := t.Context()
	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin := db.open(t, "default")
	require.NoError(t, admin.Exec(ctx, "CREATE DATABASE "+name), "failed to create test database")
	conn := db.open(t, name)

	prevConn, prevName := config.DB, config.Database()
	config.DB = conn
	config.SetDatabase(name)
	t.Cleanup(func() {
		config.DB = prevConn
		config.SetDatabase(prevName)
		conn.Close()
		_ = admin.Exec(context.Background(), "DROP DATABASE IF EXISTS "+name)
		admin.Close()
	})
}

func (db *ClickHouseDB) open(t *testing.T, database string) driver.Conn {
	t.Helper()
	conn, err := config.Open(config.CHConfig{
		Addr:     db.nativeURL,
		Database: database,
		Username: db.username,
		Password: db.password,
	})
	require.NoError(t, err, "failed to open ClickHouse connection")
	require.Eventually(t, func() bool { return conn.Ping(t.Context()) == nil }, 10*time.Second, 250*time.Millisecond, "ClickHouse did not answer pings")
	return conn
}
