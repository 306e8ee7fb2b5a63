// Package provider is the outbound client for the DeCard payment gateway.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
)

const signHeader = "Api-sign"

// Payout methods the gateway supports for TRY.
const (
	MethodPapara       = "papara"
	MethodBankTransfer = "bank-transfer"
)

var (
	ErrNotConfigured      = errors.New("provider client not configured")
	ErrUnsupportedMethod  = errors.New("unsupported payout method")
	ErrInvalidRequest     = errors.New("invalid provider request")
	ErrUnexpectedResponse = errors.New("unexpected provider response")
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("decard: status %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether err proves the gateway did not act on the
// request: it was never sent, or the gateway refused it with a 4xx. Network
// failures, timeouts, 5xx and unreadable responses are not rejections; the
// gateway may have accepted the request and a webhook can still follow.
func Rejected(err error) bool {
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnsupportedMethod) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

type Options struct {
	BaseURL    string
	ShopKey    string
	Signer     *signature.Signer
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	baseURL string
	shopKey string
	signer  *signature.Signer
	http    *http.Client
	log     *zap.Logger
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		shopKey: opts.ShopKey,
		signer:  opts.Signer,
		http:    hc,
		log:     log,
	}
}

type PayinRequest struct {
	Amount        money.Amount
	Currency      money.Currency
	PaymentMethod string
	OrderNumber   string
	CallbackURL   string
	SuccessURL    string
	FailURL       string
	FirstName     string
	LastName      string
	UserID        string
}

type PayinResponse struct {
	RedirectURL string `json:"redirect_url"`
	OrderToken  string `json:"order_token"`
}

type payinBody struct {
	ShopKey              string       `json:"shop_key"`
	Amount               int64        `json:"amount"`
	OrderCurrency        string       `json:"order_currency"`
	PaymentCurrency      string       `json:"payment_currency"`
	PaymentMethod        string       `json:"payment_method"`
	OrderNumber          string       `json:"order_number"`
	PaymentDetails       string       `json:"payment_details"`
	CallbackURL          string       `json:"callback_url"`
	SuccessURL           string       `json:"success_url"`
	FailURL              string       `json:"fail_url"`
	PaymentMethodDetails payerDetails `json:"payment_method_details"`
	Lang                 string       `json:"lang"`
}

type payerDetails struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	UserID    string `json:"user_id"`
}

// CreatePayin opens a hosted payment page for the order. Amounts are sent
// in minor units.
func (c *Client) CreatePayin(ctx context.Context, req PayinRequest) (*PayinResponse, error) {
	switch {
	case !req.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	case strings.TrimSpace(req.OrderNumber) == "":
		return nil, fmt.Errorf("%w: order number is required", ErrInvalidRequest)
	case strings.TrimSpace(req.CallbackURL) == "":
		return nil, fmt.Errorf("%w: callback url is required", ErrInvalidRequest)
	case strings.TrimSpace(req.SuccessURL) == "" || strings.TrimSpace(req.FailURL) == "":
		return nil, fmt.Errorf("%w: success and fail urls are required", ErrInvalidRequest)
	}

	body := payinBody{
		ShopKey:         c.shopKey,
		Amount:          req.Amount.Int64(),
		OrderCurrency:   string(req.Currency),
		PaymentCurrency: string(req.Currency),
		PaymentMethod:   req.PaymentMethod,
		OrderNumber:     req.OrderNumber,
		PaymentDetails:  "Payment for order " + req.OrderNumber,
		CallbackURL:     req.CallbackURL,
		SuccessURL:      req.SuccessURL,
		FailURL:         req.FailURL,
		PaymentMethodDetails: payerDetails{
			FirstName: orDefault(req.FirstName, "Test"),
			LastName:  orDefault(req.LastName, "User"),
			UserID:    req.UserID,
		},
		Lang: "en",
	}

	var out PayinResponse
	if err := c.do(ctx, http.MethodPost, "/rest/paymentgate/simple/", body, &out); err != nil {
		return nil, fmt.Errorf("create payin: %w", err)
	}
	return &out, nil
}

type PayoutRequest struct {
	Amount        money.Amount
	Currency      money.Currency
	Method        string
	RecipientName string
	UserID        string
	Account       string
	OrderNumber   string
	CallbackURL   string
}

type PayoutResponse struct {
	OrderToken string `json:"order_token"`
	Status     string `json:"status"`
}

type payoutInitBody struct {
	ShopKey           string `json:"shop_key"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	OrderNumber       string `json:"order_number"`
	UserID            string `json:"user_id"`
	RecipientFullName string `json:"recipient_full_name"`
	Number            string `json:"number,omitempty"`
	AccountNumber     string `json:"account_number,omitempty"`
	CallbackURL       string `json:"callback_url"`
}

type payoutConfirmBody struct {
	ShopKey    string `json:"shop_key"`
	OrderToken string `json:"order_token"`
}

// CreatePayout runs the gateway's two-step payout: init on the method
// endpoint, then confirm with the returned order token. The status of the
// confirm step is returned as-is ("progress" when unspecified).
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	switch {
	case !req.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidRequest)
	case strings.TrimSpace(req.RecipientName) == "":
		return nil, fmt.Errorf("%w: recipient name is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Account) == "":
		return nil, fmt.Errorf("%w: account is required", ErrInvalidRequest)
	case strings.TrimSpace(req.OrderNumber) == "":
		return nil, fmt.Errorf("%w: order number is required", ErrInvalidRequest)
	}

	init := payoutInitBody{
		ShopKey:           c.shopKey,
		Amount:            req.Amount.Int64(),
		Currency:          string(req.Currency),
		OrderNumber:       req.OrderNumber,
		UserID:            req.UserID,
		RecipientFullName: req.RecipientName,
		CallbackURL:       req.CallbackURL,
	}
	var path string
	switch req.Method {
	case MethodPapara, "":
		path = "/rest/payoutgate/papara/"
		init.Number = req.Account
	case MethodBankTransfer:
		path = "/rest/payoutgate/bank-transfer/"
		init.AccountNumber = req.Account
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}

	var initResp struct {
		OrderToken string `json:"order_token"`
	}
	if err := c.do(ctx, http.MethodPost, path, init, &initResp); err != nil {
		return nil, fmt.Errorf("init payout: %w", err)
	}
	if initResp.OrderToken == "" {
		return nil, fmt.Errorf("init payout: %w: missing order_token", ErrUnexpectedResponse)
	}

	var confirmResp struct {
		Status string `json:"status"`
	}
	confirm := payoutConfirmBody{ShopKey: c.shopKey, OrderToken: initResp.OrderToken}
	if err := c.do(ctx, http.MethodPut, "/rest/payoutgate/confirm/", confirm, &confirmResp); err != nil {
		return nil, fmt.Errorf("confirm payout: %w", err)
	}

	status := strings.ToLower(strings.TrimSpace(confirmResp.Status))
	if status == "" {
		status = "progress"
	}
	return &PayoutResponse{OrderToken: initResp.OrderToken, Status: status}, nil
}

// Methods lists the payment methods the gateway offers for a currency.
func (c *Client) Methods(ctx context.Context, currency money.Currency) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/rest/paymentgate/methods/"+string(currency), nil, &out); err != nil {
		return nil, fmt.Errorf("get methods: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.baseURL == "" || !c.signer.Configured() {
		return ErrNotConfigured
	}

	var body io.Reader
	var sig string
	if in != nil {
		raw, digest, err := c.signer.SignedBody(in)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		body, sig = bytes.NewReader(raw), digest
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signHeader, sig)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("decard call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
