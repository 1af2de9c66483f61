package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type settleKey struct {
	user, ride string
	kind       Kind
}

// MemoryLedger keeps wallets in process. Fail, when set, is consulted
// before every debit or credit and its error returned as is.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	txs      []Transaction
	settled  map[settleKey]Transaction

	Fail func(op string, userID string) error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: map[string]float64{}, settled: map[settleKey]Transaction{}}
}

// Open creates or resets a wallet.
func (l *MemoryLedger) Open(userID string, balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = Cents(balance)
}

func (l *MemoryLedger) Debit(ctx context.Context, userID string, amount float64, e Entry) (Transaction, error) {
	return l.apply("debit", userID, -amount, amount, e)
}

func (l *MemoryLedger) Credit(ctx context.Context, userID string, amount float64, e Entry) (Transaction, error) {
	return l.apply("credit", userID, amount, amount, e)
}

func (l *MemoryLedger) apply(op, userID string, delta, amount float64, e Entry) (Transaction, error) {
	if err := checkAmount(amount); err != nil {
		return Transaction{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		if err := l.Fail(op, userID); err != nil {
			return Transaction{}, err
		}
	}
	key := settleKey{user: userID, ride: e.RideID, kind: e.Kind}
	if e.Kind.Idempotent() && e.RideID != "" {
		if tx, ok := l.settled[key]; ok {
			return tx, nil
		}
	}
	bal, ok := l.balances[userID]
	if !ok {
		return Transaction{}, ErrWalletNotFound
	}
	next := Cents(bal + Cents(delta))
	if next < 0 {
		return Transaction{}, ErrInsufficientFunds
	}
	l.balances[userID] = next
	tx := Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		RideID:       e.RideID,
		Kind:         e.Kind,
		Amount:       Cents(amount),
		BalanceAfter: next,
		CreatedAt:    time.Now(),
	}
	l.txs = append(l.txs, tx)
	if e.Kind.Idempotent() && e.RideID != "" {
		l.settled[key] = tx
	}
	return tx, nil
}

func (l *MemoryLedger) Balance(ctx context.Context, userID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[userID]
	if !ok {
		return 0, ErrWalletNotFound
	}
	return bal, nil
}

// Transactions returns userID's history, oldest first.
func (l *MemoryLedger) Transactions(userID string) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for _, tx := range l.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out
}
