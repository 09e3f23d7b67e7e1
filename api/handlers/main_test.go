package handlers_test

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"sync"
	"testing"

	apitesting "github.com/malbeclabs/analyst/api/testing"
)

// Shared containers for the integration tests. They stay nil under -short.
var (
	testPgDB *apitesting.DB
	testChDB *apitesting.ClickHouseDB
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	log := slog.Default()

	var wg sync.WaitGroup
	var pgErr, chErr error

	// Start containers in parallel
	wg.Add(2)

	go func() {
		defer wg.Done()
		testPgDB, pgErr = apitesting.NewDB(ctx, log, nil)
	}()

	go func() {
		defer wg.Done()
		testChDB, chErr = apitesting.NewClickHouseDB(ctx, log, nil)
	}()

	wg.Wait()

	if pgErr != nil {
		slog.Error("failed to start PostgreSQL container", "error", pgErr)
		os.Exit(1)
	}
	if chErr != nil {
		slog.Error("failed to start ClickHouse container", "error", chErr)
		os.Exit(1)
	}

	code := m.Run()

	testPgDB.Close()
	testChDB.Close()

	os.Exit(code)
}

func requirePostgres(t *testing.T) *apitesting.DB {
	t.Helper()
	if testPgDB == nil {
		t.Skip("PostgreSQL container not started (-short)")
	}
	return testPgDB
}

func requireClickHouse(t *testing.T) *apitesting.ClickHouseDB {
	t.Helper()
	if testChDB == nil {
		t.Skip("ClickHouse container not started (-short)")
	}
	return testChDB
}
