package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
)

var settleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "ledger_settle_duration_seconds",
	Help:    "Latency of the locked read-modify-write on a transaction and its owner balance",
	Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
}, []string{"result"})

// SettleFunc decides the transition from the locked transaction row and
// the locked owner balance.
type SettleFunc func(tx domain.Transaction, balance money.Amount) (Transition, error)

// Ledger is the storage the updater needs.
//
// Settle must run fn while holding exclusive locks on the transaction row
// and its owner's balance row, inside a serializable transaction, and must
// persist the returned status and balance atomically. When fn returns an
// error, nothing is written.
type Ledger interface {
	FindTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	Settle(ctx context.Context, id uuid.UUID, fn SettleFunc) (Transition, error)
}

// Result describes what processing an event did.
type Result struct {
	TransactionID uuid.UUID  `json:"transaction_id"`
	Applied       bool       `json:"applied"`
	Transition    Transition `json:"transition"`
}

// Updater applies canonical events to the ledger.
type Updater struct {
	ledger Ledger
	log    *zap.Logger
}

func NewUpdater(l Ledger, log *zap.Logger) *Updater {
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{ledger: l, log: log}
}

// Process applies ev. Terminal transactions are skipped without error.
// Errors are either business anomalies (ErrTransactionNotFound,
// ErrInsufficientFunds, ErrEventMismatch) or infrastructure failures; see
// Classify.
func (u *Updater) Process(ctx context.Context, ev domain.WebhookEvent) (Result, error) {
	res := Result{TransactionID: ev.TransactionID}
	log := u.log.With(zap.Stringer("tx_id", ev.TransactionID), zap.String("outcome", string(ev.Outcome)))

	tx, err := u.ledger.FindTransaction(ctx, ev.TransactionID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			log.Error("transaction not found for event")
		}
		return res, err
	}
	if tx.Status.Terminal() {
		res.Transition = Transition{From: tx.Status, To: tx.Status, NoOp: true, SkipReason: ReasonAlreadyTerminal}
		log.Info("transaction already terminal, event ignored", zap.String("status", string(tx.Status)))
		return res, nil
	}

	start := time.Now()
	t, err := u.ledger.Settle(ctx, ev.TransactionID, func(locked domain.Transaction, balance money.Amount) (Transition, error) {
		return Apply(locked, balance, ev)
	})
	if err != nil {
		settleDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, ErrInsufficientFunds) {
			log.Warn("settlement rejected, balance unchanged", zap.Error(err), zap.Stringer("user_id", tx.UserID))
		}
		return res, fmt.Errorf("settle %s: %w", ev.TransactionID, err)
	}
	settleDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	res.Transition = t
	res.Applied = !t.NoOp
	if t.NoOp {
		log.Info("event was a no-op under lock", zap.String("reason", t.SkipReason))
		return res, nil
	}

	log.Info("transaction settled",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Int64("delta", t.Delta.Int64()),
		zap.Int64("balance", t.Balance.Int64()),
		zap.Stringer("user_id", tx.UserID))
	return res, nil
}

// Disposition tells the consumer what to do with a message after Process.
type Disposition int

const (
	// Ack: processed or absorbed; drop the message.
	Ack Disposition = iota
	// Retry: infrastructure failure; leave unacknowledged and redeliver.
	Retry
	// DeadLetter: retrying cannot help; park the message for an operator.
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Classify maps a Process error to a disposition. Unknown errors are
// retried: an unclassified failure must never be taken for a commit.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Retry
	case errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrEventMismatch),
		errors.Is(err, ErrUnknownOutcome),
		errors.Is(err, money.ErrOverflow):
		return DeadLetter
	}
	return Retry
}

// ReasonOf returns a short label for a dead-letter or metrics reason.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrEventMismatch):
		return "event_mismatch"
	case errors.Is(err, ErrUnknownOutcome):
		return "unknown_outcome"
	case errors.Is(err, money.ErrOverflow):
		return "balance_overflow"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "error"
}
