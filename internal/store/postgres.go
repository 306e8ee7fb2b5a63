package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
)

const defaultLockTimeout = 5 * time.Second

const transactionColumns = "id, provider, direction, amount, currency, payment_method, user_id, status, created_at, updated_at"

// Store is the Postgres-backed ledger. It satisfies ledger.Ledger.
type Store struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewStore(ctx context.Context, connString string, lockTimeout time.Duration) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewFromPool(pool, lockTimeout), nil
}

func NewFromPool(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{db: pool, lockTimeout: lockTimeout}
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateUser inserts u with a zero balance unless one is given.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Currency == "" {
		u.Currency = money.TRY
	}
	err := s.db.QueryRow(ctx,
		"INSERT INTO users (id, balance, currency, country, city, timezone) VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at",
		u.ID, int64(u.Balance), string(u.Currency), u.Country, u.City, u.Timezone,
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a single user by ID.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var (
		u        domain.User
		balance  int64
		currency string
	)
	err := s.db.QueryRow(ctx,
		"SELECT id, balance, currency, country, city, timezone, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &balance, &currency, &u.Country, &u.City, &u.Timezone, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrUserNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.Balance = money.Amount(balance)
	u.Currency = money.Currency(currency)
	return &u, nil
}

// GetBalance is a plain read; it reflects the last committed settlement.
func (s *Store) GetBalance(ctx context.Context, id uuid.UUID) (money.Amount, error) {
	var balance int64
	err := s.db.QueryRow(ctx, "SELECT balance FROM users WHERE id = $1", id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.ErrUserNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return money.Amount(balance), nil
}

// CreateTransaction inserts t as a new record. Status defaults to pending.
func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO transactions (id, provider, direction, amount, currency, payment_method, user_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`,
		t.ID, t.Provider, string(t.Direction), int64(t.Amount), string(t.Currency), t.PaymentMethod, t.UserID, string(t.Status),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ledger.ErrUserNotFound
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// FindTransaction reads a transaction without locking it.
func (s *Store) FindTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, transient(fmt.Errorf("select transaction: %w", err))
	}
	return t, nil
}

// ListTransactions returns a user's most recent transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Settle locks the transaction row, then its owner's balance row, inside a
// serializable transaction bounded by the lock timeout, and hands both to
// fn. The status and balance fn returns are written in the same commit.
// Any error rolls everything back.
func (s *Store) Settle(ctx context.Context, id uuid.UUID, fn ledger.SettleFunc) (ledger.Transition, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return ledger.Transition{}, transient(fmt.Errorf("tx begin failed: %w", err))
	}
	defer tx.Rollback(ctx)

	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		return ledger.Transition{}, transient(fmt.Errorf("set lock_timeout: %w", err))
	}

	// Lock order is always transaction then user, so two settlements for
	// one user cannot deadlock on each other.
	locked, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transition{}, ledger.ErrTransactionNotFound
		}
		return ledger.Transition{}, transient(fmt.Errorf("lock transaction: %w", err))
	}

	var balance int64
	err = tx.QueryRow(ctx, "SELECT balance FROM users WHERE id = $1 FOR UPDATE", locked.UserID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Transition{}, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, locked.UserID)
		}
		return ledger.Transition{}, transient(fmt.Errorf("lock balance: %w", err))
	}

	t, err := fn(*locked, money.Amount(balance))
	if err != nil {
		return ledger.Transition{}, err
	}
	if t.NoOp {
		return t, nil
	}

	if t.Delta != 0 {
		if _, err := tx.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2", int64(t.Balance), locked.UserID); err != nil {
			return ledger.Transition{}, transient(fmt.Errorf("update balance: %w", err))
		}
	}
	if _, err := tx.Exec(ctx,
		"UPDATE transactions SET status = $1, updated_at = now() WHERE id = $2",
		string(t.To), id); err != nil {
		return ledger.Transition{}, transient(fmt.Errorf("update status: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Transition{}, transient(fmt.Errorf("tx commit failed: %w", err))
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                           domain.Transaction
		direction, currency, status string
		amount                      int64
	)
	err := row.Scan(&t.ID, &t.Provider, &direction, &amount, &currency, &t.PaymentMethod, &t.UserID, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	t.Amount = money.Amount(amount)
	t.Currency = money.Currency(currency)
	t.Status = domain.Status(status)
	return &t, nil
}

// Postgres error codes that a retry can resolve.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available (lock_timeout)
	"57014": true, // query_canceled
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
}

// transient tags retryable failures with ledger.ErrTransient; other errors
// pass through untouched.
func transient(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] {
			return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
		}
		return err
	}
	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ledger.ErrTransient, err)
	}
	return err
}
