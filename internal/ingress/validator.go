package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
)

// Reason classifies why a webhook was turned away.
type Reason string

const (
	ReasonBadOrigin    Reason = "bad_origin"
	ReasonBadSignature Reason = "bad_signature"
	ReasonMalformed    Reason = "malformed_payload"
)

// Rejection is returned for every webhook that must not enter the pipeline.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("webhook rejected (%s): %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a
// rejection.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

var (
	errUnknownAddr   = errors.New("caller address is not in the allowlist")
	errBadAmount     = errors.New("amount must be a positive integer in minor units")
	errUnknownStatus = errors.New("unknown status")
)

// Options configures a Validator.
type Options struct {
	AllowedIPs []string
	// EnforceOrigin is false outside production so the pipeline can be
	// exercised from a developer machine.
	EnforceOrigin bool
	Signer        *signature.Signer
	Logger        *zap.Logger
	Now           func() time.Time
}

// Validator authenticates provider callbacks and turns them into canonical
// events. It holds no mutable state and is safe for concurrent use.
type Validator struct {
	allowed       map[netip.Addr]struct{}
	enforceOrigin bool
	signer        *signature.Signer
	validate      *validator.Validate
	log           *zap.Logger
	now           func() time.Time
}

func NewValidator(opts Options) (*Validator, error) {
	allowed := make(map[netip.Addr]struct{}, len(opts.AllowedIPs))
	for _, ip := range opts.AllowedIPs {
		addr, err := netip.ParseAddr(strings.TrimSpace(ip))
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", ip, err)
		}
		allowed[addr.Unmap()] = struct{}{}
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Validator{
		allowed:       allowed,
		enforceOrigin: opts.EnforceOrigin,
		signer:        opts.Signer,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		log:           log,
		now:           now,
	}, nil
}

// Validate runs the origin check, the signature check and canonicalization,
// stopping at the first failure. Every failure is a *Rejection.
func (v *Validator) Validate(body []byte, remoteAddr string) (*domain.WebhookEvent, error) {
	addr, err := ParseAddr(remoteAddr)
	if err != nil {
		if v.enforceOrigin {
			v.log.Warn("webhook from unparseable address", zap.String("remote_addr", remoteAddr))
			return nil, reject(ReasonBadOrigin, err)
		}
	}
	if !v.allowedAddr(addr) {
		if v.enforceOrigin {
			v.log.Warn("webhook from unauthorized address", zap.String("remote_addr", remoteAddr))
			return nil, reject(ReasonBadOrigin, errUnknownAddr)
		}
		v.log.Warn("origin check bypassed outside production", zap.String("remote_addr", remoteAddr))
	}

	fields, sig, err := signature.ParsePayload(body)
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}
	if err := v.signer.Verify(fields, sig); err != nil {
		v.log.Warn("webhook signature rejected", zap.Error(err), zap.String("remote_addr", remoteAddr))
		return nil, reject(ReasonBadSignature, err)
	}

	ev, err := v.canonicalize(body)
	if err != nil {
		v.log.Warn("malformed webhook payload", zap.Error(err))
		return nil, reject(ReasonMalformed, err)
	}
	if addr.IsValid() {
		ev.SourceAddr = addr.String()
	} else {
		ev.SourceAddr = remoteAddr
	}
	return ev, nil
}

func (v *Validator) allowedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	_, ok := v.allowed[addr]
	return ok
}

// ParseAddr accepts "ip:port", "[ipv6]:port" or a bare IP.
func ParseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse caller address %q: %w", s, err)
	}
	return addr.Unmap(), nil
}

// Payload is the provider's webhook body.
type Payload struct {
	Number       string      `json:"number" validate:"required,uuid"`
	Status       string      `json:"status" validate:"required"`
	Amount       json.Number `json:"amount" validate:"required"`
	Currency     string      `json:"currency" validate:"required,oneof=TRY USD EUR"`
	Type         string      `json:"type" validate:"required,oneof=payment payin payout"`
	Token        flexString  `json:"token"`
	ErrorCode    flexString  `json:"error_code"`
	ErrorMessage flexString  `json:"error_message"`
}

func (v *Validator) canonicalize(body []byte) (*domain.WebhookEvent, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))

	if err := v.validate.Struct(p); err != nil {
		return nil, err
	}

	outcome, err := OutcomeOf(p.Status)
	if err != nil {
		return nil, err
	}
	amount, err := strconv.ParseInt(p.Amount.String(), 10, 64)
	if err != nil || amount <= 0 {
		return nil, errBadAmount
	}
	id, err := uuid.Parse(p.Number)
	if err != nil {
		return nil, fmt.Errorf("number: %w", err)
	}

	direction := domain.DirectionPayin
	if p.Type == "payout" {
		direction = domain.DirectionPayout
	}

	return &domain.WebhookEvent{
		Provider:      domain.ProviderDecard,
		TransactionID: id,
		Outcome:       outcome,
		Amount:        money.Amount(amount),
		Currency:      money.Currency(p.Currency),
		Direction:     direction,
		Token:         string(p.Token),
		ErrorCode:     string(p.ErrorCode),
		ErrorMessage:  string(p.ErrorMessage),
		RawPayload:    json.RawMessage(append([]byte(nil), body...)),
		ReceivedAt:    v.now().UTC(),
	}, nil
}

// OutcomeOf maps a provider status code onto a canonical outcome.
func OutcomeOf(status string) (domain.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed", "paid":
		return domain.OutcomeSuccess, nil
	case "failed", "fail", "error", "declined", "canceled", "cancelled", "expired", "rejected":
		return domain.OutcomeFailed, nil
	case "pending", "progress", "processing":
		return domain.OutcomeProgress, nil
	}
	return "", fmt.Errorf("%w %q", errUnknownStatus, status)
}

// flexString accepts a JSON string or number; the provider is not consistent
// about error codes.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
