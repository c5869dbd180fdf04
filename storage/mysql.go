package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/flowguard-bridge/logger"
)

// MySQLStorage stores documents in a JSON column.
type MySQLStorage struct {
	sqlStorage
	database string
	table    string
}

// NewMySQLStorage creates the database and table if missing and connects.
func NewMySQLStorage(ctx context.Context, dsn, table string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	_, err = serverDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", quoteMySQLIdentifier(database)))
	serverDB.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	configurePool(db)

	ms := &MySQLStorage{
		sqlStorage: sqlStorage{
			db:        db,
			name:      "mysql",
			insertSQL: mysqlInsertSQL(table),
		},
		database: database,
		table:    table,
	}

	if err := ms.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize MySQL table: %w", err)
	}

	logger.Info("MySQL storage ready: %s.%s", database, table)
	return ms, nil
}

// parseMySQLDSN extracts the database name and the same DSN without it.
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	if cfg.DBName == "" {
		return "", "", fmt.Errorf("invalid DSN, no database name")
	}

	database = cfg.DBName
	server := cfg.Clone()
	server.DBName = ""
	return database, server.FormatDSN(), nil
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func mysqlInsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (device_id, document, ingested_at) VALUES (?, ?, ?)",
		quoteMySQLIdentifier(table))
}

// InitDatabase creates the document table.
func (ms *MySQLStorage) InitDatabase(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_id VARCHAR(255) NOT NULL,
		document JSON NOT NULL,
		ingested_at DATETIME(6) NOT NULL,
		INDEX idx_device_ingested (device_id, ingested_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, quoteMySQLIdentifier(ms.table))

	_, err := ms.db.ExecContext(ctx, stmt)
	return err
}
