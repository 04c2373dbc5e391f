package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/autoverify/internal/config"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantDriver Driver
		wantDSN    string
		wantErr    bool
	}{
		{name: "postgres", url: "postgres://u:p@localhost:5432/orders", wantDriver: DriverPostgres, wantDSN: "postgres://u:p@localhost:5432/orders"},
		{name: "postgresql scheme", url: "postgresql://localhost/orders", wantDriver: DriverPostgres, wantDSN: "postgresql://localhost/orders"},
		{name: "sqlite relative", url: "sqlite://pdd_auto_verify.db", wantDriver: DriverSQLite, wantDSN: "pdd_auto_verify.db"},
		{name: "sqlite legacy form", url: "sqlite:///./pdd_auto_verify.db", wantDriver: DriverSQLite, wantDSN: "./pdd_auto_verify.db"},
		{name: "sqlite absolute", url: "sqlite:///var/lib/autoverify.db", wantDriver: DriverSQLite, wantDSN: "/var/lib/autoverify.db"},
		{name: "memory", url: "memory://", wantDriver: DriverMemory},
		{name: "sqlite without path", url: "sqlite://", wantErr: true},
		{name: "mysql", url: "mysql://localhost/orders", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver, dsn, err := ParseURL(tt.url)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func TestOpen_Memory(t *testing.T) {
	d, err := Open(context.Background(), config.DatabaseConfig{URL: "memory://"})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.NoError(t, Migrate(d))
}

func TestOpenAndMigrate_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoverify.db")
	d, err := Open(context.Background(), config.DatabaseConfig{URL: "sqlite://" + path})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	require.NoError(t, Migrate(d))
	// second run is a no-op
	require.NoError(t, Migrate(d))

	_, err = d.Exec(`INSERT INTO orders (order_sn, status) VALUES (?, ?)`, "ORD0001", 1)
	require.NoError(t, err)

	_, err = d.Exec(`INSERT INTO orders (order_sn, status) VALUES (?, ?)`, "ORD0001", 1)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	other := &pgconn.PgError{Code: pgerrcode.NotNullViolation}

	assert.True(t, IsUniqueViolation(unique))
	assert.True(t, IsUniqueViolation(fmt.Errorf("repository: insert: %w", unique)))
	assert.False(t, IsUniqueViolation(other))
	assert.False(t, IsUniqueViolation(assert.AnError))
	assert.False(t, IsUniqueViolation(nil))
}
