package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
)

// PayinRequest is the payload for starting a top-up. Amount is in minor
// units.
type PayinRequest struct {
	Provider      string `json:"provider" validate:"required,oneof=decard"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,oneof=card papara online_bank_transfer apple_pay google_pay"`
	FirstName     string `json:"first_name" validate:"omitempty,max=64"`
	LastName      string `json:"last_name" validate:"omitempty,max=64"`
	UserID        string `json:"user_id" validate:"omitempty,uuid"`
}

// PayinResponse carries the hosted payment page the client is sent to.
type PayinResponse struct {
	ID          uuid.UUID     `json:"id"`
	Status      domain.Status `json:"status"`
	RedirectURL string        `json:"redirect_url,omitempty"`
	OrderToken  string        `json:"order_token,omitempty"`
}

// PayoutRequest is the payload for a withdrawal. Amount is in minor units.
type PayoutRequest struct {
	Provider       string `json:"provider" validate:"required,oneof=decard"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	PaymentAccount string `json:"payment_account" validate:"required,max=64"`
	PayoutMethod   string `json:"payout_method" validate:"omitempty,oneof=papara bank-transfer"`
	RecipientName  string `json:"recipient_name" validate:"omitempty,max=128"`
	UserID         string `json:"user_id" validate:"omitempty,uuid"`
}

type PayoutResponse struct {
	ID     uuid.UUID     `json:"id"`
	Status domain.Status `json:"status"`
}

type CreateUserRequest struct {
	Balance  int64  `json:"balance" validate:"gte=0"`
	Currency string `json:"currency" validate:"omitempty,oneof=TRY USD EUR"`
	Country  string `json:"country" validate:"omitempty,max=64"`
	City     string `json:"city" validate:"omitempty,max=64"`
	Timezone string `json:"timezone" validate:"omitempty,timezone"`
}

// BalanceResponse reports a balance in minor units and formatted.
type BalanceResponse struct {
	UserID       uuid.UUID      `json:"user_id"`
	Balance      int64          `json:"balance"`
	BalanceMajor string         `json:"balance_major"`
	Formatted    string         `json:"formatted"`
	Currency     money.Currency `json:"currency"`
}

type CurrencyListResponse struct {
	Currencies []money.CurrencyInfo `json:"currencies"`
	Timestamp  time.Time            `json:"timestamp"`
}

type MethodsResponse struct {
	Provider  string    `json:"provider"`
	Currency  string    `json:"currency"`
	Methods   any       `json:"methods"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
