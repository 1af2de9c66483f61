package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresLedger keeps wallets in the wallets and wallet_transactions
// tables. A balance change and its transaction row commit together.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// NewPool opens a pgx pool and pings it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create ledger pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	return pool, nil
}

func (l *PostgresLedger) Debit(ctx context.Context, userID string, amount float64, e Entry) (Transaction, error) {
	return l.apply(ctx, userID, -amount, amount, e)
}

func (l *PostgresLedger) Credit(ctx context.Context, userID string, amount float64, e Entry) (Transaction, error) {
	return l.apply(ctx, userID, amount, amount, e)
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (float64, error) {
	var bal float64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrWalletNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return bal, nil
}

func (l *PostgresLedger) apply(ctx context.Context, userID string, delta, amount float64, e Entry) (Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return Transaction{}, err
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	idempotent := e.Kind.Idempotent() && e.RideID != ""
	if idempotent {
		prev, ok, err := findSettled(ctx, tx, userID, e)
		if err != nil {
			return Transaction{}, err
		}
		if ok {
			return prev, nil
		}
	}

	var balance float64
	err = tx.QueryRow(ctx, `
		UPDATE wallets
		SET balance = balance + $1, updated_at = NOW()
		WHERE user_id = $2 AND balance + $1 >= 0
		RETURNING balance
	`, Cents(delta), userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM wallets WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
			return Transaction{}, fmt.Errorf("check wallet: %w", err)
		}
		if !exists {
			return Transaction{}, ErrWalletNotFound
		}
		return Transaction{}, ErrInsufficientFunds
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("update wallet: %w", err)
	}

	rec := Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		RideID:       e.RideID,
		Kind:         e.Kind,
		Amount:       Cents(amount),
		BalanceAfter: balance,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (id, user_id, ride_id, type, amount, balance_after)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.RideID, string(rec.Kind), rec.Amount, rec.BalanceAfter).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if idempotent && errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// a concurrent settlement got there first; ours rolls back
			_ = tx.Rollback(ctx)
			prev, _, ferr := findSettled(ctx, l.pool, userID, e)
			return prev, ferr
		}
		return Transaction{}, fmt.Errorf("insert wallet transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return rec, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findSettled(ctx context.Context, q querier, userID string, e Entry) (Transaction, bool, error) {
	var (
		t      Transaction
		kind   string
		rideID *string
	)
	err := q.QueryRow(ctx, `
		SELECT id, user_id, ride_id, type, amount, balance_after, created_at
		FROM wallet_transactions
		WHERE user_id = $1 AND ride_id = $2 AND type = $3
	`, userID, e.RideID, string(e.Kind)).Scan(&t.ID, &t.UserID, &rideID, &kind, &t.Amount, &t.BalanceAfter, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, fmt.Errorf("query settled transaction: %w", err)
	}
	t.Kind = Kind(kind)
	if rideID != nil {
		t.RideID = *rideID
	}
	return t, true, nil
}
