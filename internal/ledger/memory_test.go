package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestDebitCredit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Open("p1", 100)
	l.Open("d1", 0)

	tx, err := l.Debit(ctx, "p1", 40, Entry{RideID: "r1", Kind: KindPayment})
	if err != nil {
		t.Fatal(err)
	}
	if tx.BalanceAfter != 60 || tx.Amount != 40 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if _, err := l.Credit(ctx, "d1", 40, Entry{RideID: "r1", Kind: KindPayout}); err != nil {
		t.Fatal(err)
	}
	if bal, _ := l.Balance(ctx, "d1"); bal != 40 {
		t.Fatalf("driver balance = %v, want 40", bal)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	l := NewMemoryLedger()
	l.Open("p1", 10)
	_, err := l.Debit(context.Background(), "p1", 10.01, Entry{RideID: "r1", Kind: KindPayment})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "p1"); bal != 10 {
		t.Fatalf("failed debit changed balance to %v", bal)
	}
}

func TestUnknownWalletAndBadAmount(t *testing.T) {
	l := NewMemoryLedger()
	if _, err := l.Credit(context.Background(), "ghost", 5, Entry{Kind: KindTip}); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
	l.Open("d1", 0)
	for _, amt := range []float64{0, -3, 0.001} {
		if _, err := l.Credit(context.Background(), "d1", amt, Entry{Kind: KindTip}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected invalid amount, got %v", amt, err)
		}
	}
}

func TestSettlementDebitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Open("p1", 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, "p1", 30, Entry{RideID: "r1", Kind: KindPayment})
		}()
	}
	wg.Wait()
	if bal, _ := l.Balance(ctx, "p1"); bal != 70 {
		t.Fatalf("expected a single debit, balance %v", bal)
	}
	if n := len(l.Transactions("p1")); n != 1 {
		t.Fatalf("expected 1 transaction, got %d", n)
	}
}

func TestTipsAreNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	l.Open("d1", 0)
	for i := 0; i < 2; i++ {
		if _, err := l.Credit(ctx, "d1", 5, Entry{RideID: "r1", Kind: KindTip}); err != nil {
			t.Fatal(err)
		}
	}
	if bal, _ := l.Balance(ctx, "d1"); bal != 10 {
		t.Fatalf("balance %v, want 10", bal)
	}
}

func TestFailInjection(t *testing.T) {
	boom := errors.New("ledger down")
	l := NewMemoryLedger()
	l.Open("p1", 100)
	l.Fail = func(op, userID string) error { return boom }
	if _, err := l.Debit(context.Background(), "p1", 1, Entry{Kind: KindPayment, RideID: "r"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
}
