package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/models"
)

// sqlDialect captures the differences between the SQL backends
type sqlDialect struct {
	name          string
	numbered      bool   // $1, $2 placeholders instead of ?
	floatType     string // column type for progress
	lockForUpdate string // row lock suffix for balance reads
}

var (
	postgresDialect = sqlDialect{name: "postgres", numbered: true, floatType: "DOUBLE PRECISION", lockForUpdate: " FOR UPDATE"}
	sqliteDialect   = sqlDialect{name: "sqlite", floatType: "REAL"}
)

// rebind rewrites ? placeholders for dialects that number them
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLLedgerStore implements credits.LedgerStore on database/sql
type SQLLedgerStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// newSQLLedgerStore creates a ledger store for the given dialect
func newSQLLedgerStore(db *sql.DB, dialect sqlDialect) *SQLLedgerStore {
	return &SQLLedgerStore{db: db, dialect: dialect}
}

// Initialize creates the ledger tables if they don't exist
func (s *SQLLedgerStore) Initialize() error {
	// Amounts are stored as base-10 text so arbitrary precision survives
	// every backend.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			id TEXT PRIMARY KEY,
			balance TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			meta TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS credit_ledger_account_idx ON credit_ledger (account_id, created_at, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create ledger tables: %w", err)
		}
	}
	return nil
}

// CreateAccount creates an account with a zero balance
func (s *SQLLedgerStore) CreateAccount(ctx context.Context, account credits.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO credit_accounts (id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		account.ID, "0", account.CreatedAt.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert credit account: %w", err)
	}
	if n == 0 {
		return credits.ErrAccountExists
	}
	return nil
}

// GetAccount retrieves an account
func (s *SQLLedgerStore) GetAccount(ctx context.Context, accountID string) (credits.Account, error) {
	var balance string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT balance, created_at, updated_at FROM credit_accounts WHERE id = ?"), accountID,
	).Scan(&balance, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credits.Account{}, credits.ErrAccountNotFound
		}
		return credits.Account{}, fmt.Errorf("failed to get credit account: %w", err)
	}

	amount, ok := credits.ParseAmount(balance)
	if !ok {
		return credits.Account{}, fmt.Errorf("corrupt balance %q for account %s", balance, accountID)
	}
	return credits.Account{
		ID:             accountID,
		CurrentBalance: amount,
		CreatedAt:      time.Unix(0, createdAt).UTC(),
		UpdatedAt:      time.Unix(0, updatedAt).UTC(),
	}, nil
}

// ListEntries returns an account's entries in FIFO order
func (s *SQLLedgerStore) ListEntries(ctx context.Context, accountID string) ([]credits.Entry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, amount, type, source, created_at, meta FROM credit_ledger
		WHERE account_id = ? ORDER BY created_at ASC, id ASC`), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []credits.Entry
	for rows.Next() {
		var (
			e         credits.Entry
			amount    string
			typ       string
			source    string
			createdAt int64
			meta      sql.NullString
		)
		if err := rows.Scan(&e.ID, &amount, &typ, &source, &createdAt, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		value, ok := credits.ParseAmount(amount)
		if !ok {
			return nil, fmt.Errorf("corrupt amount %q in ledger entry %s", amount, e.ID)
		}
		e.AccountID = accountID
		e.Amount = value
		e.Type = credits.EntryType(typ)
		e.Source = credits.Source(source)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal entry meta: %w", err)
			}
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}

// Append records entries and moves balances in one transaction. Balance
// updates compare against the value read, so a concurrent writer surfaces
// as credits.ErrConcurrentUpdate rather than a lost update.
func (s *SQLLedgerStore) Append(ctx context.Context, entries ...credits.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	deltas := credits.SumByAccount(entries)
	accountIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	now := time.Now().UTC().UnixNano()
	for _, accountID := range accountIDs {
		var current string
		err := tx.QueryRowContext(ctx, s.dialect.rebind(
			"SELECT balance FROM credit_accounts WHERE id = ?"+s.dialect.lockForUpdate), accountID,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return credits.ErrAccountNotFound
			}
			return fmt.Errorf("failed to read balance: %w", err)
		}

		balance, ok := credits.ParseAmount(current)
		if !ok {
			return fmt.Errorf("corrupt balance %q for account %s", current, accountID)
		}
		next := new(big.Int).Add(balance, deltas[accountID])
		if next.Sign() < 0 {
			return credits.ErrInsufficientCredits
		}

		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			"UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE id = ? AND balance = ?"),
			next.String(), now, accountID, current,
		)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		} else if n == 0 {
			return credits.ErrConcurrentUpdate
		}
	}

	for _, e := range entries {
		var meta []byte
		if len(e.Meta) > 0 {
			meta, err = json.Marshal(e.Meta)
			if err != nil {
				return fmt.Errorf("failed to marshal entry meta: %w", err)
			}
		}
		amount := "0"
		if e.Amount != nil {
			amount = e.Amount.String()
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO credit_ledger (id, account_id, amount, type, source, created_at, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.AccountID, amount, string(e.Type), string(e.Source), e.CreatedAt.UnixNano(), string(meta),
		)
		if err != nil {
			return fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// SQLRunStore implements the RunStore interface on database/sql
type SQLRunStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLRunStore(db *sql.DB, dialect sqlDialect) *SQLRunStore {
	return &SQLRunStore{db: db, dialect: dialect}
}

// Initialize creates the run tables if they don't exist
func (s *SQLRunStore) Initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			routine_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			user_id TEXT,
			status TEXT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT,
			error TEXT,
			outputs TEXT,
			progress ` + s.dialect.floatType + `,
			current_step TEXT,
			credits_used TEXT,
			tokens_used INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS runs_account_id_idx ON runs (account_id)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			step_id TEXT,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			data TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS run_logs_run_id_idx ON run_logs (run_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create run tables: %w", err)
		}
	}
	return nil
}

// SaveRun persists run data
func (s *SQLRunStore) SaveRun(ctx context.Context, run models.RunStatus) error {
	var outputs []byte
	var err error
	if run.Outputs != nil {
		outputs, err = json.Marshal(run.Outputs)
		if err != nil {
			return fmt.Errorf("failed to marshal run outputs: %w", err)
		}
	}

	var endTime sql.NullInt64
	if !run.EndTime.IsZero() {
		endTime = sql.NullInt64{Int64: run.EndTime.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO runs (
			id, routine_id, account_id, user_id, status, start_time, end_time,
			error, outputs, progress, current_step, credits_used, tokens_used
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time,
			error = excluded.error,
			outputs = excluded.outputs,
			progress = excluded.progress,
			current_step = excluded.current_step,
			credits_used = excluded.credits_used,
			tokens_used = excluded.tokens_used`),
		run.ID, run.RoutineID, run.AccountID, run.UserID, run.Status, run.StartTime.UnixNano(), endTime,
		run.Error, string(outputs), run.Progress, run.CurrentStep, run.CreditsUsed, run.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, routine_id, account_id, user_id, status, start_time, end_time,
	error, outputs, progress, current_step, credits_used, tokens_used`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (models.RunStatus, error) {
	var (
		run         models.RunStatus
		userID      sql.NullString
		startTime   int64
		endTime     sql.NullInt64
		errorText   sql.NullString
		outputs     sql.NullString
		progress    sql.NullFloat64
		currentStep sql.NullString
		creditsUsed sql.NullString
		tokensUsed  sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.RoutineID, &run.AccountID, &userID, &run.Status, &startTime, &endTime,
		&errorText, &outputs, &progress, &currentStep, &creditsUsed, &tokensUsed); err != nil {
		return models.RunStatus{}, err
	}

	run.UserID = userID.String
	run.StartTime = time.Unix(0, startTime).UTC()
	if endTime.Valid {
		run.EndTime = time.Unix(0, endTime.Int64).UTC()
	}
	run.Error = errorText.String
	run.Progress = progress.Float64
	run.CurrentStep = currentStep.String
	run.CreditsUsed = creditsUsed.String
	run.TokensUsed = int(tokensUsed.Int64)
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &run.Outputs); err != nil {
			return models.RunStatus{}, fmt.Errorf("failed to unmarshal run outputs: %w", err)
		}
	}
	return run, nil
}

// GetRun retrieves run data
func (s *SQLRunStore) GetRun(ctx context.Context, runID string) (models.RunStatus, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind("SELECT "+runColumns+" FROM runs WHERE id = ?"), runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunStatus{}, ErrRunNotFound
		}
		return models.RunStatus{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs for an account, newest first
func (s *SQLRunStore) ListRuns(ctx context.Context, accountID string) ([]models.RunStatus, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT "+runColumns+" FROM runs WHERE account_id = ? ORDER BY start_time DESC"), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunStatus
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// SaveRunLog persists a run log entry
func (s *SQLRunStore) SaveRunLog(ctx context.Context, runID string, log models.RunLog) error {
	var data []byte
	var err error
	if log.Data != nil {
		data, err = json.Marshal(log.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal log data: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		"INSERT INTO run_logs (id, run_id, timestamp, step_id, level, message, data) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		ulid.Make().String(), runID, log.Timestamp.UnixNano(), log.StepID, log.Level, log.Message, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}

// GetRunLogs retrieves logs for a run
func (s *SQLRunStore) GetRunLogs(ctx context.Context, runID string) ([]models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT timestamp, step_id, level, message, data FROM run_logs WHERE run_id = ? ORDER BY id ASC"), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run logs: %w", err)
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var (
			log    models.RunLog
			ts     int64
			stepID sql.NullString
			data   sql.NullString
		)
		if err := rows.Scan(&ts, &stepID, &log.Level, &log.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		log.Timestamp = time.Unix(0, ts).UTC()
		log.StepID = stepID.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &log.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log data: %w", err)
			}
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run log rows: %w", err)
	}
	return logs, nil
}
