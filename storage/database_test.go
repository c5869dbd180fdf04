package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePostgreSQLDSN(t *testing.T) {
	tests := []struct {
		name      string
		dsn       string
		database  string
		serverDSN string
		wantErr   bool
	}{
		{
			name:      "url form",
			dsn:       "postgres://bridge:secret@db:5432/flowguard?sslmode=disable",
			database:  "flowguard",
			serverDSN: "postgres://bridge:secret@db:5432/postgres?sslmode=disable",
		},
		{
			name:      "key value form",
			dsn:       "host=db port=5432 user=bridge dbname=flowguard sslmode=disable",
			database:  "flowguard",
			serverDSN: "host=db port=5432 user=bridge sslmode=disable dbname=postgres",
		},
		{name: "url without database", dsn: "postgres://db:5432", wantErr: true},
		{name: "key value without database", dsn: "host=db", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database, serverDSN, err := parsePostgreSQLDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.database, database)
			assert.Equal(t, tt.serverDSN, serverDSN)
		})
	}
}

func TestParseMySQLDSN(t *testing.T) {
	database, serverDSN, err := parseMySQLDSN("bridge:secret@tcp(db:3306)/flowguard")
	require.NoError(t, err)
	assert.Equal(t, "flowguard", database)
	assert.True(t, strings.HasPrefix(serverDSN, "bridge:secret@tcp(db:3306)/"), serverDSN)
	assert.NotContains(t, serverDSN, "flowguard")

	_, _, err = parseMySQLDSN("bridge:secret@tcp(db:3306)/")
	assert.Error(t, err)
}

func TestInsertStatementsQuoteTable(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "sensor_data" (device_id, document, ingested_at) VALUES ($1, $2::jsonb, $3)`,
		postgresInsertSQL("sensor_data"))
	assert.Equal(t,
		"INSERT INTO `odd``name` (device_id, document, ingested_at) VALUES (?, ?, ?)",
		mysqlInsertSQL("odd`name"))
}

func TestNewDatabaseStorageRejectsUnknownType(t *testing.T) {
	_, err := NewDatabaseStorage(context.Background(), "sqlite", "file.db", "")
	assert.Error(t, err)
}
