// Package storage persists enriched sensor records.
//
// A Manager fans every record out to the enabled backends (MongoDB, an SQL
// document table, a JSON-lines archive). A write is successful only when
// every backend accepted it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/flowguard-bridge/config"
	"github.com/eddielth/flowguard-bridge/logger"
)

// TimestampKey is the field holding the ingestion instant.
const TimestampKey = "timestamp"

const defaultPingTimeout = 10 * time.Second

// ErrStartupUnavailable means a backend could not be reached while the
// bridge was starting. The process must not run without its store.
var ErrStartupUnavailable = errors.New("persistence backend unavailable at startup")

// Document is one enriched record as written to a backend.
type Document map[string]interface{}

// DeviceID returns device_id rendered as text, or "" when absent or null.
func (d Document) DeviceID() string {
	v, ok := d["device_id"]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Timestamp returns the ingestion instant, or the zero time if unset.
func (d Document) Timestamp() time.Time {
	ts, _ := d[TimestampKey].(time.Time)
	return ts
}

// PersistenceError wraps a failed write to one backend.
type PersistenceError struct {
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store to %s failed: %v", e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// StorageBackend is a single durable destination.
type StorageBackend interface {
	// Name identifies the backend in logs and errors
	Name() string
	// Ping checks the backend is reachable
	Ping(ctx context.Context) error
	// Store inserts one document
	Store(ctx context.Context, doc Document) error
	// Close releases the connection
	Close() error
}

// Manager writes each document to every backend.
type Manager struct {
	backends     []StorageBackend
	writeTimeout time.Duration
	mutex        sync.RWMutex
}

// NewManager creates a storage manager. A positive writeTimeout bounds each Store call.
func NewManager(backends []StorageBackend, writeTimeout time.Duration) *Manager {
	return &Manager{
		backends:     backends,
		writeTimeout: writeTimeout,
	}
}

// Open connects every enabled backend and pings it. Any failure closes what
// was opened and returns an error wrapping ErrStartupUnavailable.
func Open(ctx context.Context, cfg config.StorageConfig) (*Manager, error) {
	m := NewManager(nil, cfg.WriteTimeout)

	fail := func(name string, err error) (*Manager, error) {
		m.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrStartupUnavailable, name, err)
	}

	if cfg.Mongo.Enabled {
		ms, err := NewMongoStorage(ctx, cfg.Mongo, cfg.Collection)
		if err != nil {
			return fail("mongodb", err)
		}
		m.AddBackend(ms)
	}

	if cfg.Database.Enabled {
		ds, err := NewDatabaseStorage(ctx, cfg.Database.Type, cfg.Database.DSN, cfg.Database.Table)
		if err != nil {
			return fail(cfg.Database.Type, err)
		}
		m.AddBackend(ds)
	}

	if cfg.File.Enabled {
		fs, err := NewFileStorage(cfg.File.Path, cfg.Collection)
		if err != nil {
			return fail("file", err)
		}
		m.AddBackend(fs)
	}

	pingTimeout := cfg.Mongo.ConnectTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := m.Ping(pingCtx); err != nil {
		return fail("ping", err)
	}
	return m, nil
}

// Ping checks every backend.
func (m *Manager) Ping(ctx context.Context) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.backends) == 0 {
		return errors.New("no storage backend configured")
	}

	for _, backend := range m.backends {
		if err := backend.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", backend.Name(), err)
		}
	}
	return nil
}

// Store writes doc to all backends. It does not retry; every failing
// backend contributes one *PersistenceError to the returned error.
func (m *Manager) Store(ctx context.Context, doc Document) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.writeTimeout)
		defer cancel()
	}

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(ctx, doc); err != nil {
			errs = append(errs, &PersistenceError{Backend: backend.Name(), Err: err})
		}
	}

	return errors.Join(errs...)
}

// Close closes all backend connections
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close storage backend %s: %v", backend.Name(), err)
		}
	}
	m.backends = nil
}

// AddBackend adds a new storage backend
func (m *Manager) AddBackend(backend StorageBackend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Backends returns the names of the configured backends.
func (m *Manager) Backends() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		names = append(names, backend.Name())
	}
	return names
}
