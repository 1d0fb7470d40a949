package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/tcmartin/routinerunner/pkg/credits"
)

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db          *sql.DB
	ledgerStore *SQLLedgerStore
	runStore    *SQLRunStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the lib/pq connection string for the config
func (c PostgreSQLProviderConfig) ConnectionString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode,
	)
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	// Connect to database
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgreSQLProvider{
		db:          db,
		ledgerStore: newSQLLedgerStore(db, postgresDialect),
		runStore:    newSQLRunStore(db, postgresDialect),
	}, nil
}

// Initialize sets up the storage backend
func (p *PostgreSQLProvider) Initialize() error {
	if err := p.ledgerStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize ledger store: %w", err)
	}

	if err := p.runStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize run store: %w", err)
	}

	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetLedgerStore returns the credit ledger store
func (p *PostgreSQLProvider) GetLedgerStore() credits.LedgerStore {
	return p.ledgerStore
}

// GetRunStore returns a store for run data
func (p *PostgreSQLProvider) GetRunStore() RunStore {
	return p.runStore
}
