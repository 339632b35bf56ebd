package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			business_type TEXT NOT NULL DEFAULT '',
			business_description TEXT NOT NULL DEFAULT '',
			calendar JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'completed',
			description TEXT NOT NULL DEFAULT '',
			payment_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_id ON credit_transactions(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_payment_id ON credit_transactions(payment_id)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tool_id TEXT NOT NULL,
			input JSONB NOT NULL DEFAULT 'null',
			result JSONB NOT NULL DEFAULT 'null',
			status TEXT NOT NULL DEFAULT 'pending',
			cost INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_user_created ON generations(user_id, created_at DESC)`,
		// add_credits returns false when payment id was already credited.
		`CREATE OR REPLACE FUNCTION add_credits(
			p_id TEXT, p_user_id TEXT, p_amount INTEGER, p_description TEXT, p_payment_id TEXT, p_created_at TIMESTAMPTZ
		) RETURNS BOOLEAN AS $$
		DECLARE
			inserted INTEGER;
		BEGIN
			INSERT INTO credit_transactions (id, user_id, amount, status, description, payment_id, created_at)
			VALUES (p_id, p_user_id, p_amount, 'completed', p_description, NULLIF(p_payment_id, ''), p_created_at)
			ON CONFLICT (payment_id) DO NOTHING;
			GET DIAGNOSTICS inserted = ROW_COUNT;
			RETURN inserted > 0;
		END;
		$$ LANGUAGE plpgsql`,
		// deduct_credits holds a per-user lock until the surrounding transaction ends,
		// so concurrent debits for one user are applied one at a time.
		`CREATE OR REPLACE FUNCTION deduct_credits(
			p_id TEXT, p_user_id TEXT, p_amount INTEGER, p_description TEXT, p_created_at TIMESTAMPTZ
		) RETURNS TABLE(ok BOOLEAN, balance INTEGER) AS $$
		DECLARE
			current_balance INTEGER;
		BEGIN
			PERFORM pg_advisory_xact_lock(hashtext(p_user_id));
			SELECT COALESCE(SUM(t.amount), 0)::INTEGER INTO current_balance
			FROM credit_transactions t
			WHERE t.user_id = p_user_id AND t.status = 'completed';
			IF current_balance < p_amount THEN
				RETURN QUERY SELECT FALSE, current_balance;
				RETURN;
			END IF;
			INSERT INTO credit_transactions (id, user_id, amount, status, description, created_at)
			VALUES (p_id, p_user_id, -p_amount, 'completed', p_description, p_created_at);
			RETURN QUERY SELECT TRUE, current_balance - p_amount;
		END;
		$$ LANGUAGE plpgsql`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Profiles ---

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var calendar []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, business_type, business_description, calendar, created_at, updated_at
		 FROM profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.BusinessType, &p.BusinessDescription, &calendar, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if calendar != nil {
		p.Calendar = json.RawMessage(calendar)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, business_type, business_description)
		 VALUES ($1, $2, $3)
		 ON CONFLICT(user_id) DO UPDATE SET
		   business_type = EXCLUDED.business_type,
		   business_description = EXCLUDED.business_description,
		   updated_at = NOW()`,
		p.UserID, p.BusinessType, p.BusinessDescription,
	)
	return err
}

func (s *PostgresStore) GetCalendar(ctx context.Context, userID string) (json.RawMessage, error) {
	var calendar []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT calendar FROM profiles WHERE user_id = $1", userID,
	).Scan(&calendar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if calendar == nil {
		return nil, nil
	}
	return json.RawMessage(calendar), nil
}

func (s *PostgresStore) UpsertCalendar(ctx context.Context, userID string, calendar json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, calendar)
		 VALUES ($1, $2::jsonb)
		 ON CONFLICT(user_id) DO UPDATE SET
		   calendar = EXCLUDED.calendar,
		   updated_at = NOW()`,
		userID, rawOrNull(calendar),
	)
	return err
}

// --- Credits ---

func (s *PostgresStore) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1 AND status = $2",
		userID, TxCompleted,
	).Scan(&balance)
	return balance, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, status, description, payment_id, created_at
		 FROM credit_transactions WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, clampLimit(limit),
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

func (s *PostgresStore) AddCredits(ctx context.Context, grant CreditGrant) (*Transaction, error) {
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
	var inserted bool
	err := s.db.QueryRowContext(ctx,
		"SELECT add_credits($1, $2, $3, $4, $5, $6)",
		t.ID, t.UserID, t.Amount, t.Description, t.PaymentID, t.CreatedAt,
	).Scan(&inserted)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, ErrDuplicatePayment
	}
	return t, nil
}

func (s *PostgresStore) DeductCredits(ctx context.Context, userID string, amount int, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := pgDebit(ctx, tx, userID, amount, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func pgDebit(ctx context.Context, tx *sql.Tx, userID string, amount int, description string) (*Transaction, error) {
	t := &Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      -amount,
		Status:      TxCompleted,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	var ok bool
	var balance int
	err := tx.QueryRowContext(ctx,
		"SELECT ok, balance FROM deduct_credits($1, $2, $3, $4, $5)",
		t.ID, userID, amount, description, t.CreatedAt,
	).Scan(&ok, &balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &InsufficientCreditsError{Required: amount, Available: balance}
	}
	return t, nil
}

// --- Generations ---

func (s *PostgresStore) CreateGeneration(ctx context.Context, gen *Generation) error {
	prepareGeneration(gen)
	return pgInsertGeneration(ctx, s.db, gen)
}

func pgInsertGeneration(ctx context.Context, e execer, gen *Generation) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO generations (id, user_id, tool_id, input, result, status, cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9)`,
		gen.ID, gen.UserID, gen.ToolID, rawOrNull(gen.Input), rawOrNull(gen.Result),
		gen.Status, gen.Cost, gen.CreatedAt, gen.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) RecordGeneration(ctx context.Context, gen *Generation) (*Transaction, error) {
	prepareGeneration(gen)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var debit *Transaction
	if gen.Cost > 0 {
		debit, err = pgDebit(ctx, tx, gen.UserID, gen.Cost, generationDescription(gen))
		if err != nil {
			return nil, err
		}
	}
	if err := pgInsertGeneration(ctx, tx, gen); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return debit, nil
}

func (s *PostgresStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	var input, result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tool_id, input, result, status, cost, created_at, updated_at
		 FROM generations WHERE id = $1`, id,
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

func (s *PostgresStore) ListGenerations(ctx context.Context, filter GenerationFilter) ([]Generation, error) {
	query := `SELECT id, user_id, tool_id, input, result, status, cost, created_at, updated_at
		FROM generations WHERE user_id = $1`
	args := []any{filter.UserID}
	if filter.ToolID != "" {
		args = append(args, filter.ToolID)
		query += fmt.Sprintf(" AND tool_id = $%d", len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var gens []Generation
	for rows.Next() {
		var g Generation
		var input, result []byte
		if err := rows.Scan(&g.ID, &g.UserID, &g.ToolID, &input, &result, &g.Status, &g.Cost, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.Input, g.Result = json.RawMessage(input), json.RawMessage(result)
		gens = append(gens, g)
	}
	return gens, rows.Err()
}
