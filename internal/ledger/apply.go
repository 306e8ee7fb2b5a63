// Package ledger applies canonical webhook events to transactions and user
// balances.
package ledger

import (
	"errors"
	"fmt"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrEventMismatch       = errors.New("event does not match transaction record")
	ErrUnknownOutcome      = errors.New("unknown outcome")

	// ErrTransient marks failures worth retrying: lock timeouts,
	// serialization failures, lost connections.
	ErrTransient = errors.New("transient storage failure")
)

// Skip reasons carried by no-op transitions.
const (
	ReasonAlreadyTerminal = "already_terminal"
	ReasonAlreadyProgress = "already_progress"
)

// Transition is the effect of one event on one transaction. A NoOp
// transition writes nothing.
type Transition struct {
	From       domain.Status `json:"from"`
	To         domain.Status `json:"to"`
	Delta      money.Amount  `json:"delta"`
	Balance    money.Amount  `json:"balance"`
	NoOp       bool          `json:"no_op"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Apply computes the transition for tx given the owner's current balance.
// It has no side effects, so replaying a duplicate event yields a NoOp once
// the first delivery has committed.
func Apply(tx domain.Transaction, balance money.Amount, ev domain.WebhookEvent) (Transition, error) {
	t := Transition{From: tx.Status, To: tx.Status, Balance: balance}

	if tx.Status.Terminal() {
		t.NoOp = true
		t.SkipReason = ReasonAlreadyTerminal
		return t, nil
	}
	if err := matches(tx, ev); err != nil {
		return Transition{}, err
	}

	switch ev.Outcome {
	case domain.OutcomeSuccess:
		delta := tx.Amount
		if tx.Direction == domain.DirectionPayout {
			neg, err := delta.Neg()
			if err != nil {
				return Transition{}, err
			}
			delta = neg
		}
		next, err := balance.Add(delta)
		if err != nil {
			return Transition{}, err
		}
		if next.IsNegative() {
			return Transition{}, fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientFunds, balance, tx.Amount)
		}
		t.To = domain.StatusCompleted
		t.Delta = delta
		t.Balance = next
		return t, nil

	case domain.OutcomeFailed:
		t.To = domain.StatusFailed
		return t, nil

	case domain.OutcomeProgress:
		if tx.Status == domain.StatusProgress {
			t.NoOp = true
			t.SkipReason = ReasonAlreadyProgress
			return t, nil
		}
		t.To = domain.StatusProgress
		return t, nil
	}

	return Transition{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, ev.Outcome)
}

func matches(tx domain.Transaction, ev domain.WebhookEvent) error {
	if ev.TransactionID != tx.ID {
		return fmt.Errorf("%w: id %s != %s", ErrEventMismatch, ev.TransactionID, tx.ID)
	}
	if ev.Direction != "" && ev.Direction != tx.Direction {
		return fmt.Errorf("%w: direction %s != %s", ErrEventMismatch, ev.Direction, tx.Direction)
	}
	if ev.Currency != "" && ev.Currency != tx.Currency {
		return fmt.Errorf("%w: currency %s != %s", ErrEventMismatch, ev.Currency, tx.Currency)
	}
	if ev.Amount != 0 && ev.Amount != tx.Amount {
		return fmt.Errorf("%w: amount %d != %d", ErrEventMismatch, ev.Amount, tx.Amount)
	}
	return nil
}
