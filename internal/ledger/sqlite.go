package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has a single writer. One connection serialises every ledger
	// transaction, which is what keeps check-then-debit atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			business_type TEXT NOT NULL DEFAULT '',
			business_description TEXT NOT NULL DEFAULT '',
			calendar TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'completed',
			description TEXT NOT NULL DEFAULT '',
			payment_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_id ON credit_transactions(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_payment_id ON credit_transactions(payment_id)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT 'null',
			result TEXT NOT NULL DEFAULT 'null',
			status TEXT NOT NULL DEFAULT 'pending',
			cost INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_user_created ON generations(user_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we ignore duplicate column errors.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"generations", "updated_at", "DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Profiles ---

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var calendar sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, business_type, business_description, calendar, created_at, updated_at
		 FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.BusinessType, &p.BusinessDescription, &calendar, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if calendar.Valid {
		p.Calendar = json.RawMessage(calendar.String)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, business_type, business_description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   business_type = excluded.business_type,
		   business_description = excluded.business_description,
		   updated_at = excluded.updated_at`,
		p.UserID, p.BusinessType, p.BusinessDescription, now, now,
	)
	return err
}

func (s *SQLiteStore) GetCalendar(ctx context.Context, userID string) (json.RawMessage, error) {
	var calendar sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT calendar FROM profiles WHERE user_id = ?", userID,
	).Scan(&calendar)
	if err == sql.ErrNoRows || (err == nil && !calendar.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(calendar.String), nil
}

func (s *SQLiteStore) UpsertCalendar(ctx context.Context, userID string, calendar json.RawMessage) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, calendar, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   calendar = excluded.calendar,
		   updated_at = excluded.updated_at`,
		userID, rawOrNull(calendar), now, now,
	)
	return err
}

// --- Credits ---

func (s *SQLiteStore) Balance(ctx context.Context, userID string) (int, error) {
	return sqliteBalance(ctx, s.db, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteBalance(ctx context.Context, q queryRower, userID string) (int, error) {
	var balance int
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ? AND status = ?",
		userID, TxCompleted,
	).Scan(&balance)
	return balance, err
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, status, description, payment_id, created_at
		 FROM credit_transactions WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`, userID, clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		var paymentID sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Status, &t.Description, &paymentID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.PaymentID = paymentID.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *SQLiteStore) AddCredits(ctx context.Context, grant CreditGrant) (*Transaction, error) {
	if grant.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	t := &Transaction{
		ID:          uuid.New().String(),
		UserID:      grant.UserID,
		Amount:      grant.Amount,
		Status:      TxCompleted,
		Description: grant.Description,
		PaymentID:   grant.PaymentID,
		CreatedAt:   time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, status, description, payment_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(payment_id) DO NOTHING`,
		t.ID, t.UserID, t.Amount, t.Status, t.Description, nullIfEmpty(t.PaymentID), t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrDuplicatePayment
	}
	return t, nil
}

func (s *SQLiteStore) DeductCredits(ctx context.Context, userID string, amount int, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := sqliteDebit(ctx, tx, userID, amount, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// sqliteDebit checks the balance and appends a debit inside tx.
func sqliteDebit(ctx context.Context, tx *sql.Tx, userID string, amount int, description string) (*Transaction, error) {
	balance, err := sqliteBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: balance}
	}

	t := &Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      -amount,
		Status:      TxCompleted,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, status, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Amount, t.Status, t.Description, t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// --- Generations ---

func (s *SQLiteStore) CreateGeneration(ctx context.Context, gen *Generation) error {
	prepareGeneration(gen)
	return sqliteInsertGeneration(ctx, s.db, gen)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteInsertGeneration(ctx context.Context, e execer, gen *Generation) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO generations (id, user_id, tool_id, input, result, status, cost, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.UserID, gen.ToolID, rawOrNull(gen.Input), rawOrNull(gen.Result),
		gen.Status, gen.Cost, gen.CreatedAt, gen.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) RecordGeneration(ctx context.Context, gen *Generation) (*Transaction, error) {
	prepareGeneration(gen)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var debit *Transaction
	if gen.Cost > 0 {
		debit, err = sqliteDebit(ctx, tx, gen.UserID, gen.Cost, generationDescription(gen))
		if err != nil {
			return nil, err
		}
	}
	if err := sqliteInsertGeneration(ctx, tx, gen); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return debit, nil
}

func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	var input, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tool_id, input, result, status, cost, created_at, updated_at
		 FROM generations WHERE id = ?`, id,
	).Scan(&g.ID, &g.UserID, &g.ToolID, &input, &result, &g.Status, &g.Cost, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Input, g.Result = json.RawMessage(input), json.RawMessage(result)
	return &g, nil
}

func (s *SQLiteStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]Generation, error) {
	query := `SELECT id, user_id, tool_id, input, result, status, cost, created_at, updated_at
		FROM generations WHERE user_id = ?`
	args := []any{filter.UserID}
	if filter.ToolID != "" {
		query += " AND tool_id = ?"
		args = append(args, filter.ToolID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gens []Generation
	for rows.Next() {
		var g Generation
		var input, result string
		if err := rows.Scan(&g.ID, &g.UserID, &g.ToolID, &input, &result, &g.Status, &g.Cost, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.Input, g.Result = json.RawMessage(input), json.RawMessage(result)
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// prepareGeneration fills the id, status and timestamps a caller left empty.
func prepareGeneration(gen *Generation) {
	if gen.ID == "" {
		gen.ID = uuid.New().String()
	}
	if gen.Status == "" {
		gen.Status = GenPending
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now().UTC()
	}
	if gen.UpdatedAt.IsZero() {
		gen.UpdatedAt = gen.CreatedAt
	}
}

func generationDescription(gen *Generation) string {
	return fmt.Sprintf("Generation %s (%s)", gen.ID, gen.ToolID)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
