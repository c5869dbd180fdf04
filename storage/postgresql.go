package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"

	"github.com/eddielth/flowguard-bridge/logger"
)

// PostgreSQLStorage stores documents in a JSONB column.
type PostgreSQLStorage struct {
	sqlStorage
	database string
	table    string
}

// NewPostgreSQLStorage creates the database and table if missing and connects.
func NewPostgreSQLStorage(ctx context.Context, dsn, table string) (*PostgreSQLStorage, error) {
	database, serverDSN, err := parsePostgreSQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}

	if err := ensurePostgreSQLDatabase(ctx, serverDSN, database); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	configurePool(db)

	ps := &PostgreSQLStorage{
		sqlStorage: sqlStorage{
			db:        db,
			name:      "postgresql",
			insertSQL: postgresInsertSQL(table),
		},
		database: database,
		table:    table,
	}

	if err := ps.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize PostgreSQL table: %w", err)
	}

	logger.Info("PostgreSQL storage ready: %s.%s", database, table)
	return ps, nil
}

func ensurePostgreSQLDatabase(ctx context.Context, serverDSN, database string) error {
	serverDB, err := sql.Open("postgres", serverDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}
	defer serverDB.Close()

	var exists bool
	err = serverDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		// CREATE DATABASE cannot run inside a transaction
		if _, err := serverDB.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(database)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("created PostgreSQL database: %s", database)
	}
	return nil
}

func postgresInsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (device_id, document, ingested_at) VALUES ($1, $2::jsonb, $3)",
		pq.QuoteIdentifier(table))
}

// parsePostgreSQLDSN extracts the database name and a DSN pointing at the
// maintenance database "postgres" on the same server.
func parsePostgreSQLDSN(dsn string) (database string, serverDSN string, err error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", err
		}
		database = strings.TrimPrefix(u.Path, "/")
		if database == "" {
			return "", "", fmt.Errorf("invalid DSN, no database name")
		}
		u.Path = "/postgres"
		return database, u.String(), nil
	}

	// key=value form: host=localhost port=5432 user=postgres dbname=mydb
	kvPairs := strings.Fields(dsn)
	serverKVPairs := make([]string, 0, len(kvPairs)+1)
	for _, kv := range kvPairs {
		if strings.HasPrefix(kv, "dbname=") {
			database = strings.TrimPrefix(kv, "dbname=")
		} else {
			serverKVPairs = append(serverKVPairs, kv)
		}
	}

	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	serverKVPairs = append(serverKVPairs, "dbname=postgres")
	return database, strings.Join(serverKVPairs, " "), nil
}

// InitDatabase creates the document table and its index.
func (ps *PostgreSQLStorage) InitDatabase(ctx context.Context) error {
	table := pq.QuoteIdentifier(ps.table)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		document JSONB NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL
	)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (device_id, ingested_at DESC)",
			pq.QuoteIdentifier("idx_"+ps.table+"_device_ingested"), table),
	}

	for _, stmt := range stmts {
		if _, err := ps.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
