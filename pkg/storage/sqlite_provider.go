package storage

import (
	"database/sql"
	"fmt"

	"github.com/tcmartin/routinerunner/pkg/credits"
	_ "modernc.org/sqlite"
)

// SQLiteProvider implements the StorageProvider interface using an embedded
// SQLite database
type SQLiteProvider struct {
	db          *sql.DB
	ledgerStore *SQLLedgerStore
	runStore    *SQLRunStore
}

// SQLiteProviderConfig contains configuration for the SQLite provider
type SQLiteProviderConfig struct {
	// Path is the database file, or ":memory:"
	Path string
}

// NewSQLiteProvider opens (or creates) the SQLite database at config.Path
func NewSQLiteProvider(config SQLiteProviderConfig) (*SQLiteProvider, error) {
	path := config.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A :memory: database only exists on the connection that opened it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}

	return &SQLiteProvider{
		db:          db,
		ledgerStore: newSQLLedgerStore(db, sqliteDialect),
		runStore:    newSQLRunStore(db, sqliteDialect),
	}, nil
}

// Initialize sets up the storage backend
func (p *SQLiteProvider) Initialize() error {
	if err := p.ledgerStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize ledger store: %w", err)
	}

	if err := p.runStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize run store: %w", err)
	}

	return nil
}

// Close cleans up resources
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

// GetLedgerStore returns the credit ledger store
func (p *SQLiteProvider) GetLedgerStore() credits.LedgerStore {
	return p.ledgerStore
}

// GetRunStore returns a store for run data
func (p *SQLiteProvider) GetRunStore() RunStore {
	return p.runStore
}
