package ingress

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/money"
	"github.com/backendenjoyer/decard-scalable-integration/internal/signature"
)

const (
	testSecret   = "shop-secret"
	providerAddr = "13.49.167.214"
)

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, enforce bool, secret string) *Validator {
	t.Helper()
	v, err := NewValidator(Options{
		AllowedIPs:    []string{providerAddr, "2001:db8::1"},
		EnforceOrigin: enforce,
		Signer:        signature.NewSigner(secret),
		Now:           func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return v
}

func signedBody(t *testing.T, secret string, payload map[string]any) []byte {
	t.Helper()
	sig, err := signature.NewSigner(secret).SignStruct(payload)
	require.NoError(t, err)
	withSig := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		withSig[k] = v
	}
	withSig["sign"] = sig
	body, err := json.Marshal(withSig)
	require.NoError(t, err)
	return body
}

func basePayload(id uuid.UUID) map[string]any {
	return map[string]any{
		"number":   id.String(),
		"status":   "success",
		"amount":   10000,
		"currency": "TRY",
		"type":     "payment",
		"token":    "tok-123",
	}
}

func TestValidateAcceptsSignedWebhook(t *testing.T) {
	v := newTestValidator(t, true, testSecret)
	id := uuid.New()
	body := signedBody(t, testSecret, basePayload(id))

	ev, err := v.Validate(body, providerAddr+":443")
	require.NoError(t, err)

	assert.Equal(t, domain.ProviderDecard, ev.Provider)
	assert.Equal(t, id, ev.TransactionID)
	assert.Equal(t, domain.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, money.Amount(10000), ev.Amount)
	assert.Equal(t, money.TRY, ev.Currency)
	assert.Equal(t, domain.DirectionPayin, ev.Direction)
	assert.Equal(t, "tok-123", ev.Token)
	assert.Equal(t, providerAddr, ev.SourceAddr)
	assert.Equal(t, fixedNow, ev.ReceivedAt)
	assert.JSONEq(t, string(body), string(ev.RawPayload))
}

func TestValidateOrigin(t *testing.T) {
	id := uuid.New()
	body := signedBody(t, testSecret, basePayload(id))

	tests := []struct {
		name    string
		enforce bool
		addr    string
		wantErr bool
	}{
		{"allowlisted with port", true, providerAddr + ":5555", false},
		{"allowlisted bare", true, providerAddr, false},
		{"allowlisted ipv6", true, "[2001:db8::1]:443", false},
		{"ipv4 mapped ipv6", true, "[::ffff:13.49.167.214]:80", false},
		{"unknown address", true, "10.0.0.8:1234", true},
		{"garbage address", true, "not-an-ip", true},
		{"unknown address bypassed outside production", false, "10.0.0.8:1234", false},
		{"garbage address bypassed outside production", false, "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, tt.enforce, testSecret)
			_, err := v.Validate(body, tt.addr)
			if tt.wantErr {
				assert.Equal(t, ReasonBadOrigin, ReasonOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateSignature(t *testing.T) {
	id := uuid.New()

	t.Run("wrong secret", func(t *testing.T) {
		v := newTestValidator(t, true, testSecret)
		body := signedBody(t, "not-the-secret", basePayload(id))
		_, err := v.Validate(body, providerAddr)
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
		assert.ErrorIs(t, err, signature.ErrSignatureMismatch)
	})

	t.Run("missing signature", func(t *testing.T) {
		v := newTestValidator(t, true, testSecret)
		body, err := json.Marshal(basePayload(id))
		require.NoError(t, err)
		_, err = v.Validate(body, providerAddr)
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
		assert.ErrorIs(t, err, signature.ErrMissingSignature)
	})

	t.Run("secret not configured", func(t *testing.T) {
		v := newTestValidator(t, true, "")
		body := signedBody(t, testSecret, basePayload(id))
		_, err := v.Validate(body, providerAddr)
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
		assert.ErrorIs(t, err, signature.ErrMissingSecret)
	})

	t.Run("tampered amount", func(t *testing.T) {
		v := newTestValidator(t, true, testSecret)
		body := signedBody(t, testSecret, basePayload(id))
		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))
		m["amount"] = 999999
		tampered, err := json.Marshal(m)
		require.NoError(t, err)
		_, err = v.Validate(tampered, providerAddr)
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
	})

	t.Run("origin checked before signature", func(t *testing.T) {
		v := newTestValidator(t, true, testSecret)
		body := signedBody(t, "not-the-secret", basePayload(id))
		_, err := v.Validate(body, "10.1.1.1:80")
		assert.Equal(t, ReasonBadOrigin, ReasonOf(err))
	})
}

func TestValidateMalformed(t *testing.T) {
	id := uuid.New()
	mutate := func(f func(map[string]any)) map[string]any {
		p := basePayload(id)
		f(p)
		return p
	}

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing number", mutate(func(p map[string]any) { delete(p, "number") })},
		{"number not a uuid", mutate(func(p map[string]any) { p["number"] = "order-1" })},
		{"unknown status", mutate(func(p map[string]any) { p["status"] = "weird" })},
		{"zero amount", mutate(func(p map[string]any) { p["amount"] = 0 })},
		{"negative amount", mutate(func(p map[string]any) { p["amount"] = -5 })},
		{"fractional amount", mutate(func(p map[string]any) { p["amount"] = 10.5 })},
		{"amount not numeric", mutate(func(p map[string]any) { p["amount"] = "ten" })},
		{"unsupported currency", mutate(func(p map[string]any) { p["currency"] = "GBP" })},
		{"unknown type", mutate(func(p map[string]any) { p["type"] = "refund" })},
		{"amount wrong shape", mutate(func(p map[string]any) { p["amount"] = map[string]any{"v": 1} })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, true, testSecret)
			_, err := v.Validate(signedBody(t, testSecret, tt.payload), providerAddr)
			assert.Equal(t, ReasonMalformed, ReasonOf(err), "err=%v", err)
		})
	}

	t.Run("not json", func(t *testing.T) {
		v := newTestValidator(t, true, testSecret)
		_, err := v.Validate([]byte("status=success"), providerAddr)
		assert.Equal(t, ReasonMalformed, ReasonOf(err))
	})
}

func TestValidateNormalizesFields(t *testing.T) {
	v := newTestValidator(t, true, testSecret)
	id := uuid.New()
	p := basePayload(id)
	p["status"] = "FAILED"
	p["type"] = "payout"
	p["currency"] = "usd"
	p["amount"] = "7000"
	p["error_code"] = 51
	p["error_message"] = "insufficient funds on card"

	ev, err := v.Validate(signedBody(t, testSecret, p), providerAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, ev.Outcome)
	assert.Equal(t, domain.DirectionPayout, ev.Direction)
	assert.Equal(t, money.USD, ev.Currency)
	assert.Equal(t, money.Amount(7000), ev.Amount)
	assert.Equal(t, "51", ev.ErrorCode)
	assert.Equal(t, "insufficient funds on card", ev.ErrorMessage)
}

func TestOutcomeOf(t *testing.T) {
	tests := map[string]domain.Outcome{
		"success":    domain.OutcomeSuccess,
		"Completed":  domain.OutcomeSuccess,
		"failed":     domain.OutcomeFailed,
		"declined":   domain.OutcomeFailed,
		"cancelled":  domain.OutcomeFailed,
		"progress":   domain.OutcomeProgress,
		" pending ":  domain.OutcomeProgress,
		"processing": domain.OutcomeProgress,
	}
	for in, want := range tests {
		got, err := OutcomeOf(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := OutcomeOf("refunded")
	assert.Error(t, err)
}

func TestNewValidatorRejectsBadAllowlist(t *testing.T) {
	_, err := NewValidator(Options{AllowedIPs: []string{"13.49.167.214", "nope"}})
	assert.Error(t, err)
}
