package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DatabaseType names a supported SQL engine
type DatabaseType string

const (
	// MySQL
	MySQL DatabaseType = "mysql"
	// PostgreSQL
	PostgreSQL DatabaseType = "postgresql"
)

// NewDatabaseStorage opens the SQL document table for dbType.
func NewDatabaseStorage(ctx context.Context, dbType, dsn, table string) (StorageBackend, error) {
	if table == "" {
		table = "sensor_data"
	}

	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(ctx, dsn, table)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(ctx, dsn, table)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// sqlStorage stores each document as one JSON row.
type sqlStorage struct {
	db        *sql.DB
	name      string
	insertSQL string
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

func (s *sqlStorage) Name() string {
	return s.name
}

func (s *sqlStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStorage) Store(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialize document failed: %w", err)
	}

	ingestedAt := doc.Timestamp()
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, s.insertSQL, doc.DeviceID(), string(body), ingestedAt); err != nil {
		return fmt.Errorf("insert document failed: %w", err)
	}
	return nil
}

func (s *sqlStorage) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close %s connection: %w", s.name, err)
	}
	return nil
}
