package migrations

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"00001_payments.sql",
		"00002_products.sql",
		"00003_reindex_checkpoints.sql",
	}, files)

	for _, name := range files {
		data, err := embedded.ReadFile(Dir + "/" + name)
		require.NoError(t, err)
		assert.Contains(t, string(data), "-- +goose Up")
		assert.Contains(t, string(data), "-- +goose Down")
	}
}

func TestPaymentsMigrationHasUniqueOrderID(t *testing.T) {
	data, err := embedded.ReadFile(Dir + "/00001_payments.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "UNIQUE INDEX IF NOT EXISTS payments_order_id_key ON payments (order_id)")
}

func TestCreateMigration(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	path, err := CreateMigration(dir, "add_refunds", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20240501123000_add_refunds.sql"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "-- +goose Up"))
}

// TestRunMigrations требует SHOPFLOW_TEST_POSTGRES_DSN
func TestRunMigrations(t *testing.T) {
	dsn := os.Getenv("SHOPFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SHOPFLOW_TEST_POSTGRES_DSN not set")
	}

	db, err := Open(dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db))

	version, err := GetCurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	statuses, err := GetMigrationStatus(ctx, db)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for _, s := range statuses {
		assert.Equal(t, "applied", s.Status)
	}
}
