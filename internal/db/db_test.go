//go:build integration

// Package db provides integration tests for the SurrealDB checkpoint store.
package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/checkpoint/checkpointtest"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Store
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewStore(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func TestSurrealStore(t *testing.T) {
	ctx := context.Background()
	checkpointtest.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		require.NoError(t, testDB.Reset(ctx))
		return testDB
	})
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.InitSchema(ctx))
	require.NoError(t, testDB.InitSchema(ctx))
}

func TestUniquePathIndex(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))

	_, err := testDB.Query(ctx, `CREATE file CONTENT { path: "/dup.png", name: "dup.png", status: "pending" }`, nil)
	require.NoError(t, err)
	_, err = testDB.Query(ctx, `CREATE file CONTENT { path: "/dup.png", name: "dup.png", status: "pending" }`, nil)
	require.Error(t, err)
	assert.ErrorIs(t, wrapQueryError(err), errDuplicatePath)
}

func TestStatusAssertion(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.Reset(ctx))

	_, err := testDB.Query(ctx, `CREATE file CONTENT { path: "/bad.png", name: "bad.png", status: "lost" }`, nil)
	assert.Error(t, err)

	recs, err := testDB.List(ctx, models.FileFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
