// Package settlement charges passengers and pays drivers when rides
// complete. Ledger failures never roll a ride back out of completed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

var ErrNotCompleted = errors.New("ride is not completed")

type Service struct {
	Machine *ride.Machine
	Ledger  ledger.Ledger
	Notify  *notify.Notifier
	Logger  *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// CompleteRide moves the ride to completed and then settles it. When the
// transition succeeds but payment does not, the completed ride is returned
// together with a DependencyFailure. A non-empty driverID must hold the
// ride when the completion is written.
func (s *Service) CompleteRide(ctx context.Context, rideID, actor, driverID string, fare *float64) (*models.Ride, error) {
	if rideID == "" {
		return nil, apperr.Validationf("settlement.complete", "rideId is required")
	}
	if fare != nil && (math.IsNaN(*fare) || math.IsInf(*fare, 0) || *fare < 0) {
		return nil, apperr.Validationf("settlement.complete", "fare must not be negative")
	}
	r, err := s.Machine.Complete(ctx, rideID, actor, driverID, fare)
	if err != nil {
		return nil, err
	}
	s.Notify.Status(r)
	s.logger().Info("ride completed", "ride_id", r.ID, "driver_id", r.DriverID, "fare", r.Fare)
	return s.settle(ctx, r)
}

// Settle retries payment for a completed ride that is still pending.
// Already paid rides are returned unchanged.
func (s *Service) Settle(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.Machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusCompleted {
		return nil, &apperr.Error{
			Category: apperr.InvalidTransition,
			Op:       "settlement.settle",
			Msg:      fmt.Sprintf("ride %s is %s, not completed", r.ID, r.Status),
			Err:      ErrNotCompleted,
		}
	}
	if r.PaymentStatus == models.PaymentPaid {
		return r, nil
	}
	return s.settle(ctx, r)
}

type Charge struct {
	UserID string
	Amount float64
}

// Charges lists what each rider owes for r. Pool riders each owe the
// shared fare.
func Charges(r *models.Ride) []Charge {
	if !r.Shared {
		return []Charge{{UserID: r.PassengerID, Amount: ledger.Cents(r.Fare)}}
	}
	riders := r.Riders()
	per := r.SharedFare
	if per <= 0 && len(riders) > 0 {
		per = r.Fare / float64(len(riders))
	}
	out := make([]Charge, 0, len(riders))
	for _, p := range riders {
		out = append(out, Charge{UserID: p, Amount: ledger.Cents(per)})
	}
	return out
}

func (s *Service) settle(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	var (
		failed []error
		total  float64
	)
	for _, c := range Charges(r) {
		if c.Amount <= 0 {
			continue
		}
		if _, err := s.Ledger.Debit(ctx, c.UserID, c.Amount, ledger.Entry{RideID: r.ID, Kind: ledger.KindPayment}); err != nil {
			s.logger().Error("debit passenger failed", "ride_id", r.ID, "passenger_id", c.UserID, "error", err)
			s.Notify.User(c.UserID, events.PaymentFailed, events.PaymentFailure{RideID: r.ID, Reason: reason(err)})
			failed = append(failed, fmt.Errorf("debit %s: %w", c.UserID, err))
			continue
		}
		total += c.Amount
		s.Notify.User(c.UserID, events.WalletUpdate, events.WalletChange{RideID: r.ID, Amount: -c.Amount, Kind: string(ledger.KindPayment)})
	}
	if len(failed) > 0 {
		observability.Settlement.WithLabelValues("debit_failed").Inc()
		return r, apperr.Wrap(apperr.Dependency, "settlement.debit", errors.Join(failed...))
	}

	if total > 0 && r.DriverID != "" {
		if _, err := s.Ledger.Credit(ctx, r.DriverID, total, ledger.Entry{RideID: r.ID, Kind: ledger.KindPayout}); err != nil {
			// passengers were charged; a later ride:pay retries only the payout
			s.logger().Error("credit driver failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
			observability.Settlement.WithLabelValues("credit_failed").Inc()
			return r, apperr.Wrap(apperr.Dependency, "settlement.credit", err)
		}
		s.Notify.User(r.DriverID, events.WalletUpdate, events.WalletChange{RideID: r.ID, Amount: total, Kind: string(ledger.KindPayout)})
	}

	paid, err := s.Machine.Update(ctx, r.ID, "", func(cur *models.Ride) error {
		cur.PaymentStatus = models.PaymentPaid
		return nil
	})
	if err != nil {
		observability.Settlement.WithLabelValues("mark_failed").Inc()
		return r, err
	}
	observability.Settlement.WithLabelValues("paid").Inc()
	s.Notify.Status(paid)
	return paid, nil
}

// TipDriver credits driverID. It does not look at the ride's status.
func (s *Service) TipDriver(ctx context.Context, driverID, rideID string, amount float64) (ledger.Transaction, error) {
	const op = "settlement.tip"
	if driverID == "" {
		return ledger.Transaction{}, apperr.Validationf(op, "driverId is required")
	}
	if !(amount > 0) {
		return ledger.Transaction{}, apperr.Validationf(op, "tip amount must be positive")
	}
	tx, err := s.Ledger.Credit(ctx, driverID, amount, ledger.Entry{RideID: rideID, Kind: ledger.KindTip})
	if err != nil {
		return ledger.Transaction{}, ledgerErr(op, err)
	}
	observability.TipsTotal.Inc()
	s.Notify.User(driverID, events.WalletUpdate, events.WalletChange{RideID: rideID, Amount: tx.Amount, Kind: string(ledger.KindTip)})
	return tx, nil
}

func ledgerErr(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return apperr.Wrap(apperr.Validation, op, err)
	case errors.Is(err, ledger.ErrWalletNotFound):
		return apperr.Wrap(apperr.NotFound, op, err)
	default:
		return apperr.Wrap(apperr.Dependency, op, err)
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient balance"
	case errors.Is(err, ledger.ErrWalletNotFound):
		return "wallet not found"
	default:
		return "payment unavailable"
	}
}
