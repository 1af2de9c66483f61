// Package ledger moves money between user wallets. Fare debits and driver
// payouts are idempotent per user, ride and kind so a retried settlement
// never charges twice.
package ledger

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

type Kind string

const (
	KindPayment Kind = "payment"
	KindPayout  Kind = "payout"
	KindTip     Kind = "tip"
)

// Idempotent kinds are recorded at most once per user and ride.
func (k Kind) Idempotent() bool { return k == KindPayment || k == KindPayout }

type Entry struct {
	RideID string
	Kind   Kind
}

type Transaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	RideID       string    `json:"rideId,omitempty"`
	Kind         Kind      `json:"type"`
	Amount       float64   `json:"amount"`
	BalanceAfter float64   `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Ledger interface {
	Debit(ctx context.Context, userID string, amount float64, e Entry) (Transaction, error)
	Credit(ctx context.Context, userID string, amount float64, e Entry) (Transaction, error)
	Balance(ctx context.Context, userID string) (float64, error)
}

// Cents rounds to two decimal places.
func Cents(v float64) float64 { return math.Round(v*100) / 100 }

func checkAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || Cents(amount) <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
