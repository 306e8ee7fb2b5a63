package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger/ledgertest"
	"github.com/backendenjoyer/decard-scalable-integration/internal/models"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/provider"
)

type fakeGateway struct {
	payins       []provider.PayinRequest
	payouts      []provider.PayoutRequest
	payoutStatus string
	err          error
}

func (g *fakeGateway) CreatePayin(_ context.Context, req provider.PayinRequest) (*provider.PayinResponse, error) {
	g.payins = append(g.payins, req)
	if g.err != nil {
		return nil, g.err
	}
	return &provider.PayinResponse{RedirectURL: "https://pay.example/" + req.OrderNumber, OrderToken: "ot-1"}, nil
}

func (g *fakeGateway) CreatePayout(_ context.Context, req provider.PayoutRequest) (*provider.PayoutResponse, error) {
	g.payouts = append(g.payouts, req)
	if g.err != nil {
		return nil, g.err
	}
	return &provider.PayoutResponse{OrderToken: "ot-2", Status: g.payoutStatus}, nil
}

var defaultUser = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func newService(balance money.Amount) (*TransactionService, *ledgertest.Memory, *fakeGateway) {
	m := ledgertest.New()
	m.AddUser(domain.User{ID: defaultUser, Balance: balance, Currency: money.TRY})
	gw := &fakeGateway{payoutStatus: "progress"}
	urls := URLs{Callback: "https://ingress.example/webhook/decard", Success: "https://app.example/ok", Fail: "https://app.example/fail"}
	return NewTransactionService(m, gw, urls, defaultUser, nil), m, gw
}

func TestCreatePayinIsPendingUntilWebhook(t *testing.T) {
	svc, m, gw := newService(0)

	resp, err := svc.CreatePayin(context.Background(), models.PayinRequest{Provider: "decard", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, resp.Status)
	assert.Equal(t, "https://pay.example/"+resp.ID.String(), resp.RedirectURL)

	tx := m.Transaction(resp.ID)
	assert.Equal(t, domain.DirectionPayin, tx.Direction)
	assert.Equal(t, money.Amount(10000), tx.Amount)
	assert.Equal(t, "card", tx.PaymentMethod)
	assert.Equal(t, defaultUser, tx.UserID)
	assert.Equal(t, money.Amount(0), m.User(defaultUser).Balance, "the originator never credits")

	require.Len(t, gw.payins, 1)
	assert.Equal(t, resp.ID.String(), gw.payins[0].OrderNumber)
	assert.Equal(t, "https://ingress.example/webhook/decard", gw.payins[0].CallbackURL)
}

func TestCreatePayinProviderRejectionMarksFailed(t *testing.T) {
	svc, m, gw := newService(0)
	gw.err = fmt.Errorf("create payin: %w", &provider.APIError{StatusCode: 422, Message: "invalid amount"})

	_, err := svc.CreatePayin(context.Background(), models.PayinRequest{Provider: "decard", Amount: 500})
	require.ErrorIs(t, err, ErrProviderFailed)

	txs, err := svc.ListTransactions(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.StatusFailed, txs[0].Status)
	assert.Equal(t, 1, m.Settles)
}

func TestCreatePayinUnknownProviderOutcomeStaysPending(t *testing.T) {
	for _, cause := range []error{
		context.DeadlineExceeded,
		errors.New("read: connection reset by peer"),
		&provider.APIError{StatusCode: 503, Message: "unavailable"},
	} {
		t.Run(cause.Error(), func(t *testing.T) {
			svc, m, gw := newService(0)
			gw.err = fmt.Errorf("create payin: %w", cause)

			_, err := svc.CreatePayin(context.Background(), models.PayinRequest{Provider: "decard", Amount: 500})
			require.ErrorIs(t, err, ErrProviderFailed)

			txs, err := svc.ListTransactions(context.Background(), uuid.Nil)
			require.NoError(t, err)
			require.Len(t, txs, 1)
			assert.Equal(t, domain.StatusPending, txs[0].Status)
			assert.Zero(t, m.Settles)
		})
	}
}

func TestCreatePayoutTimeoutThenSuccessWebhookSettles(t *testing.T) {
	svc, m, gw := newService(10000)
	gw.err = fmt.Errorf("confirm payout: %w", context.DeadlineExceeded)

	_, err := svc.CreatePayout(context.Background(), models.PayoutRequest{
		Provider: "decard", Amount: 4000, PaymentAccount: "1234567",
	})
	require.ErrorIs(t, err, ErrProviderFailed)

	txs, err := svc.ListTransactions(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, domain.StatusPending, tx.Status)

	// The gateway executed the payout anyway and reports it.
	up := ledger.NewUpdater(m, nil)
	res, err := up.Process(context.Background(), domain.WebhookEvent{
		TransactionID: tx.ID, Outcome: domain.OutcomeSuccess,
		Amount: 4000, Currency: money.TRY, Direction: domain.DirectionPayout,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusCompleted, m.Transaction(tx.ID).Status)
	assert.Equal(t, money.Amount(6000), m.User(defaultUser).Balance)
}

func TestCreatePayoutStatuses(t *testing.T) {
	tests := []struct {
		name        string
		status      string
		wantStatus  domain.Status
		wantBalance money.Amount
	}{
		{"progress moves to progress", "progress", domain.StatusProgress, 10000},
		{"immediate success debits", "success", domain.StatusCompleted, 6000},
		{"immediate failure", "declined", domain.StatusFailed, 10000},
		{"unknown status waits for webhook", "queued", domain.StatusPending, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, m, gw := newService(10000)
			gw.payoutStatus = tt.status

			resp, err := svc.CreatePayout(context.Background(), models.PayoutRequest{
				Provider: "decard", Amount: 4000, PaymentAccount: "1234567",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantStatus, m.Transaction(resp.ID).Status)
			assert.Equal(t, tt.wantBalance, m.User(defaultUser).Balance)

			require.Len(t, gw.payouts, 1)
			assert.Equal(t, provider.MethodPapara, gw.payouts[0].Method)
			assert.Equal(t, "Test User", gw.payouts[0].RecipientName)
		})
	}
}

func TestCreatePayoutLateWebhookIsNoOp(t *testing.T) {
	svc, m, _ := newService(10000)
	resp, err := svc.CreatePayout(context.Background(), models.PayoutRequest{
		Provider: "decard", Amount: 4000, PaymentAccount: "1234567",
	})
	require.NoError(t, err)

	up := ledger.NewUpdater(m, nil)
	ev := domain.WebhookEvent{TransactionID: resp.ID, Outcome: domain.OutcomeSuccess, Amount: 4000, Currency: money.TRY, Direction: domain.DirectionPayout}
	for i := 0; i < 3; i++ {
		_, err := up.Process(context.Background(), ev)
		require.NoError(t, err)
	}
	assert.Equal(t, money.Amount(6000), m.User(defaultUser).Balance)
	assert.Equal(t, domain.StatusCompleted, m.Transaction(resp.ID).Status)
}

func TestCreatePayoutRejections(t *testing.T) {
	svc, _, gw := newService(1000)
	ctx := context.Background()

	_, err := svc.CreatePayout(ctx, models.PayoutRequest{Provider: "decard", Amount: 5000, PaymentAccount: "1"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = svc.CreatePayout(ctx, models.PayoutRequest{Provider: "paypal", Amount: 5, PaymentAccount: "1"})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	_, err = svc.CreatePayout(ctx, models.PayoutRequest{Provider: "decard", Amount: 5, PaymentAccount: "1", UserID: uuid.NewString()})
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)

	assert.Empty(t, gw.payouts)
}

func TestListTransactionsEmptyIsNotNil(t *testing.T) {
	svc, _, _ := newService(0)
	txs, err := svc.ListTransactions(context.Background(), uuid.Nil)
	require.NoError(t, err)
	assert.NotNil(t, txs)
	assert.Empty(t, txs)
}
