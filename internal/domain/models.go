package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
)

// ProviderDecard is the only payment provider wired into the pipeline.
const ProviderDecard = "decard"

// Direction says which way money moves relative to the user balance.
type Direction string

const (
	DirectionPayin  Direction = "payin"
	DirectionPayout Direction = "payout"
)

func (d Direction) Valid() bool {
	return d == DirectionPayin || d == DirectionPayout
}

// Status is the transaction lifecycle state.
//
//	pending  -> progress | completed | failed
//	progress -> completed | failed
//
// completed and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProgress  Status = "progress"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is what the provider reported about a transaction.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeProgress Outcome = "progress"
)

// User owns a single running balance in minor units.
type User struct {
	ID        uuid.UUID      `json:"id"`
	Balance   money.Amount   `json:"balance"`
	Currency  money.Currency `json:"currency"`
	Country   string         `json:"country,omitempty"`
	City      string         `json:"city,omitempty"`
	Timezone  string         `json:"timezone,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Transaction is the durable record of a payin or payout attempt.
// ID doubles as the idempotency key and the provider order number.
// Amount is immutable once created.
type Transaction struct {
	ID            uuid.UUID      `json:"id"`
	Provider      string         `json:"provider"`
	Direction     Direction      `json:"direction"`
	Amount        money.Amount   `json:"amount"`
	Currency      money.Currency `json:"currency"`
	PaymentMethod string         `json:"payment_method"`
	UserID        uuid.UUID      `json:"user_id"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// WebhookEvent is the provider-agnostic form of a webhook outcome. It only
// lives on the message transport; Transaction is the durable projection.
type WebhookEvent struct {
	Provider      string          `json:"provider"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Outcome       Outcome         `json:"outcome"`
	Amount        money.Amount    `json:"amount"`
	Currency      money.Currency  `json:"currency"`
	Direction     Direction       `json:"direction"`
	Token         string          `json:"token,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	SourceAddr    string          `json:"source_addr,omitempty"`
}
