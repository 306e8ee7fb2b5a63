package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ingress"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
	"github.com/backendenjoyer/decard-scalable-integration/internal/models"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/provider"
)

const recentTransactions = 50

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrProviderFailed      = errors.New("provider request failed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidUserID       = errors.New("invalid user id")
)

// Repository is the slice of the store the originator needs.
type Repository interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Transaction, error)
	Settle(ctx context.Context, id uuid.UUID, fn ledger.SettleFunc) (ledger.Transition, error)
}

// Gateway is the outbound provider API.
type Gateway interface {
	CreatePayin(ctx context.Context, req provider.PayinRequest) (*provider.PayinResponse, error)
	CreatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResponse, error)
}

// URLs the provider is told to call back or redirect to.
type URLs struct {
	Callback string
	Success  string
	Fail     string
}

// TransactionService records payins and payouts as PENDING and hands them
// to the provider. Their outcome arrives later through the webhook
// pipeline; only a synchronous status from the provider is settled here,
// through the same locked path the consumer uses.
type TransactionService struct {
	repo        Repository
	gateway     Gateway
	urls        URLs
	defaultUser uuid.UUID
	log         *zap.Logger
}

func NewTransactionService(repo Repository, gw Gateway, urls URLs, defaultUser uuid.UUID, log *zap.Logger) *TransactionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransactionService{repo: repo, gateway: gw, urls: urls, defaultUser: defaultUser, log: log}
}

func (s *TransactionService) resolveUser(ctx context.Context, raw string) (*domain.User, error) {
	id := s.defaultUser
	if raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
		}
		id = parsed
	}
	return s.repo.GetUser(ctx, id)
}

// CreatePayin stores a PENDING payin and opens the provider payment page.
func (s *TransactionService) CreatePayin(ctx context.Context, req models.PayinRequest) (*models.PayinResponse, error) {
	if req.Provider != domain.ProviderDecard {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, req.Provider)
	}
	user, err := s.resolveUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		Provider:      domain.ProviderDecard,
		Direction:     domain.DirectionPayin,
		Amount:        money.Amount(req.Amount),
		Currency:      user.Currency,
		PaymentMethod: orDefault(req.PaymentMethod, "card"),
		UserID:        user.ID,
		Status:        domain.StatusPending,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create payin: %w", err)
	}
	log := s.log.With(zap.Stringer("tx_id", tx.ID), zap.Stringer("user_id", user.ID))
	log.Info("payin created", zap.Int64("amount", tx.Amount.Int64()), zap.String("currency", string(tx.Currency)))

	resp, err := s.gateway.CreatePayin(ctx, provider.PayinRequest{
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PaymentMethod: tx.PaymentMethod,
		OrderNumber:   tx.ID.String(),
		CallbackURL:   s.urls.Callback,
		SuccessURL:    s.urls.Success,
		FailURL:       s.urls.Fail,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		UserID:        user.ID.String(),
	})
	if err != nil {
		s.providerFailed(ctx, tx, err, log)
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	return &models.PayinResponse{
		ID:          tx.ID,
		Status:      tx.Status,
		RedirectURL: resp.RedirectURL,
		OrderToken:  resp.OrderToken,
	}, nil
}

// CreatePayout stores a PENDING payout and runs the provider's two-step
// payout. A payout larger than the current balance is refused up front;
// the binding check still happens under lock at settlement.
func (s *TransactionService) CreatePayout(ctx context.Context, req models.PayoutRequest) (*models.PayoutResponse, error) {
	if req.Provider != domain.ProviderDecard {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, req.Provider)
	}
	user, err := s.resolveUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	amount := money.Amount(req.Amount)
	if user.Balance < amount {
		return nil, fmt.Errorf("%w: balance %s, payout %s", ErrInsufficientFunds,
			money.Format(user.Balance, user.Currency), money.Format(amount, user.Currency))
	}

	method := orDefault(req.PayoutMethod, provider.MethodPapara)
	tx := &domain.Transaction{
		Provider:      domain.ProviderDecard,
		Direction:     domain.DirectionPayout,
		Amount:        amount,
		Currency:      user.Currency,
		PaymentMethod: method,
		UserID:        user.ID,
		Status:        domain.StatusPending,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	log := s.log.With(zap.Stringer("tx_id", tx.ID), zap.Stringer("user_id", user.ID))
	log.Info("payout created", zap.Int64("amount", amount.Int64()), zap.String("method", method))

	resp, err := s.gateway.CreatePayout(ctx, provider.PayoutRequest{
		Amount:        amount,
		Currency:      tx.Currency,
		Method:        method,
		RecipientName: orDefault(req.RecipientName, "Test User"),
		UserID:        user.ID.String(),
		Account:       req.PaymentAccount,
		OrderNumber:   tx.ID.String(),
		CallbackURL:   s.urls.Callback,
	})
	if err != nil {
		s.providerFailed(ctx, tx, err, log)
		return nil, fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}

	status := tx.Status
	outcome, err := ingress.OutcomeOf(resp.Status)
	if err != nil {
		log.Warn("unrecognized payout status, waiting for webhook", zap.String("status", resp.Status))
		return &models.PayoutResponse{ID: tx.ID, Status: status}, nil
	}
	if settled, err := s.settle(ctx, tx, outcome); err != nil {
		// The webhook for this payout will settle it; the record is intact.
		log.Warn("synchronous payout status not applied", zap.String("outcome", string(outcome)), zap.Error(err))
	} else {
		status = settled
	}
	return &models.PayoutResponse{ID: tx.ID, Status: status}, nil
}

// ListTransactions returns the user's 50 most recent transactions.
func (s *TransactionService) ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error) {
	if userID == uuid.Nil {
		userID = s.defaultUser
	}
	txs, err := s.repo.ListTransactions(ctx, userID, recentTransactions)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return txs, nil
}

func (s *TransactionService) settle(ctx context.Context, tx *domain.Transaction, outcome domain.Outcome) (domain.Status, error) {
	ev := domain.WebhookEvent{
		Provider:      tx.Provider,
		TransactionID: tx.ID,
		Outcome:       outcome,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Direction:     tx.Direction,
		ReceivedAt:    time.Now().UTC(),
	}
	t, err := s.repo.Settle(ctx, tx.ID, func(locked domain.Transaction, balance money.Amount) (ledger.Transition, error) {
		return ledger.Apply(locked, balance, ev)
	})
	if err != nil {
		return "", err
	}
	return t.To, nil
}

// providerFailed marks tx FAILED only when the gateway provably did not act
// on it. Any other failure leaves it PENDING: the gateway may have accepted
// the request, and its webhook settles the record either way.
func (s *TransactionService) providerFailed(ctx context.Context, tx *domain.Transaction, cause error, log *zap.Logger) {
	if !provider.Rejected(cause) {
		log.Warn("provider call outcome unknown, left pending for webhook", zap.Error(cause))
		return
	}
	log.Error("provider rejected transaction", zap.Error(cause))
	if _, err := s.settle(context.WithoutCancel(ctx), tx, domain.OutcomeFailed); err != nil {
		log.Error("could not mark transaction failed", zap.Error(err))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
