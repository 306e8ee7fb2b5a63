package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ledger"
	"github.com/backendenjoyer/decard-scalable-integration/internal/models"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/service"
)

// Users is the user and balance storage the handler reads.
type Users interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetBalance(ctx context.Context, id uuid.UUID) (money.Amount, error)
}

// Transactions is the originator. *service.TransactionService implements it.
type Transactions interface {
	CreatePayin(ctx context.Context, req models.PayinRequest) (*models.PayinResponse, error)
	CreatePayout(ctx context.Context, req models.PayoutRequest) (*models.PayoutResponse, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error)
}

// Methods lists provider payment methods for a currency.
type Methods interface {
	Methods(ctx context.Context, currency money.Currency) (json.RawMessage, error)
}

type Handler struct {
	users    Users
	txs      Transactions
	methods  Methods
	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(users Users, txs Transactions, methods Methods, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		users:    users,
		txs:      txs,
		methods:  methods,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Register mounts the originator API on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/transactions", h.CreatePayinHandler).Methods("POST")
	apiV1.HandleFunc("/payouts", h.CreatePayoutHandler).Methods("POST")
	apiV1.HandleFunc("/users", h.CreateUserHandler).Methods("POST")
	apiV1.HandleFunc("/users/{id}", h.GetUserHandler).Methods("GET")
	apiV1.HandleFunc("/users/{id}/balance", h.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/users/{id}/transactions", h.ListTransactionsHandler).Methods("GET")
	apiV1.HandleFunc("/currencies", h.CurrenciesHandler).Methods("GET")
	apiV1.HandleFunc("/providers/decard/methods/{currency}", h.MethodsHandler).Methods("GET")
}

func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, models.StatusResponse{Status: "ok"})
}

func (h *Handler) CreatePayinHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.PayinRequest
	if code, msg := h.decode(w, r, &req); code != 0 {
		respond(w, "POST", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}

	resp, err := h.txs.CreatePayin(r.Context(), req)
	if err != nil {
		code, msg := h.serviceError(err)
		respond(w, "POST", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}
	respond(w, "POST", endpoint, http.StatusCreated, resp)
}

func (h *Handler) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payouts"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req models.PayoutRequest
	if code, msg := h.decode(w, r, &req); code != 0 {
		respond(w, "POST", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}

	resp, err := h.txs.CreatePayout(r.Context(), req)
	if err != nil {
		code, msg := h.serviceError(err)
		respond(w, "POST", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}
	respond(w, "POST", endpoint, http.StatusCreated, resp)
}

func (h *Handler) CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users"
	var req models.CreateUserRequest
	if code, msg := h.decode(w, r, &req); code != 0 {
		respond(w, "POST", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}

	currency := money.TRY
	if req.Currency != "" {
		currency = money.Currency(req.Currency)
	}
	u := &domain.User{
		Balance:  money.Amount(req.Balance),
		Currency: currency,
		Country:  req.Country,
		City:     req.City,
		Timezone: req.Timezone,
	}
	if err := h.users.CreateUser(r.Context(), u); err != nil {
		h.log.Error("create user failed", zap.Error(err))
		respond(w, "POST", endpoint, http.StatusInternalServerError, models.ErrorResponse{Error: "System error creating user"})
		return
	}
	respond(w, "POST", endpoint, http.StatusCreated, u)
}

func (h *Handler) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}"
	id, ok := userID(w, r, endpoint)
	if !ok {
		return
	}

	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		code, msg := h.serviceError(err)
		respond(w, "GET", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}
	respond(w, "GET", endpoint, http.StatusOK, u)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/balance"
	id, ok := userID(w, r, endpoint)
	if !ok {
		return
	}

	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		code, msg := h.serviceError(err)
		respond(w, "GET", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}
	balance, err := h.users.GetBalance(r.Context(), id)
	if err != nil {
		code, msg := h.serviceError(err)
		respond(w, "GET", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}

	respond(w, "GET", endpoint, http.StatusOK, models.BalanceResponse{
		UserID:       id,
		Balance:      balance.Int64(),
		BalanceMajor: money.ToMajor(balance, u.Currency).StringFixed(2),
		Formatted:    money.Format(balance, u.Currency),
		Currency:     u.Currency,
	})
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/transactions"
	id, ok := userID(w, r, endpoint)
	if !ok {
		return
	}

	txs, err := h.txs.ListTransactions(r.Context(), id)
	if err != nil {
		code, msg := h.serviceError(err)
		respond(w, "GET", endpoint, code, models.ErrorResponse{Error: msg})
		return
	}
	respond(w, "GET", endpoint, http.StatusOK, txs)
}

func (h *Handler) CurrenciesHandler(w http.ResponseWriter, r *http.Request) {
	respond(w, "GET", "/currencies", http.StatusOK, models.CurrencyListResponse{
		Currencies: money.Currencies(),
		Timestamp:  time.Now().UTC(),
	})
}

// MethodsHandler degrades to an empty list when the provider is down.
func (h *Handler) MethodsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/providers/decard/methods/{currency}"
	currency, err := money.ParseCurrency(mux.Vars(r)["currency"])
	if err != nil {
		respond(w, "GET", endpoint, http.StatusBadRequest, models.ErrorResponse{Error: "Unsupported currency"})
		return
	}

	resp := models.MethodsResponse{
		Provider:  domain.ProviderDecard,
		Currency:  string(currency),
		Methods:   []any{},
		Timestamp: time.Now().UTC(),
	}
	if h.methods != nil {
		methods, err := h.methods.Methods(r.Context(), currency)
		if err != nil {
			h.log.Warn("payment methods unavailable", zap.String("currency", string(currency)), zap.Error(err))
		} else {
			resp.Methods = methods
		}
	}
	respond(w, "GET", endpoint, http.StatusOK, resp)
}

// decode reads a JSON body into dst and validates it. A zero code means
// success.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) (int, string) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return http.StatusBadRequest, "Malformed JSON body"
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return http.StatusUnprocessableEntity, "Invalid field: " + verrs[0].Field()
		}
		return http.StatusUnprocessableEntity, "Invalid request"
	}
	return 0, ""
}

func (h *Handler) serviceError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, service.ErrInvalidUserID):
		return http.StatusBadRequest, "Invalid user id"
	case errors.Is(err, service.ErrUnsupportedProvider):
		return http.StatusUnprocessableEntity, "Unsupported provider"
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, service.ErrProviderFailed):
		h.log.Warn("provider call failed", zap.Error(err))
		return http.StatusBadGateway, "Payment provider error"
	}
	h.log.Error("request failed", zap.Error(err))
	return http.StatusInternalServerError, "Internal Server Error"
}

func userID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respond(w, "GET", endpoint, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid user id"})
		return uuid.Nil, false
	}
	return id, true
}
