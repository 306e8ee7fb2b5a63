// Package signature implements the provider's HMAC-SHA256 signing scheme.
//
// The signed string is built from the payload's top-level fields: names are
// sorted, each value is rendered as text (strings unquoted, numbers and
// literals verbatim, objects and arrays as compact JSON) and the pieces are
// concatenated with no separator. The digest is rendered as lowercase hex.
// Inbound webhooks and outbound provider requests go through the same code.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Field is the payload member that carries the signature.
const Field = "sign"

var (
	ErrMissingSecret     = errors.New("signing secret is not configured")
	ErrMissingSignature  = errors.New("payload has no signature")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrMalformedPayload  = errors.New("payload is not a JSON object")
)

// Fields is a payload's top-level members, kept as raw JSON so that nested
// values keep their original member order and number text.
type Fields map[string]json.RawMessage

// ParsePayload splits a JSON object body into its unsigned fields and the
// signature value. A missing signature is returned as "" without error.
func ParsePayload(body []byte) (Fields, string, error) {
	var fields Fields
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return nil, "", ErrMalformedPayload
	}

	raw, ok := fields[Field]
	if !ok {
		return fields, "", nil
	}
	delete(fields, Field)

	var sig string
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, "", fmt.Errorf("%w: %s must be a string", ErrMalformedPayload, Field)
	}
	return fields, sig, nil
}

// Marshal encodes v as a wire payload. Unlike json.Marshal it leaves &, <
// and > unescaped, so nested values sign as the provider sees them.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// FieldsOf marshals v (a struct or map) and returns its top-level fields.
func FieldsOf(v any) (Fields, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	fields, _, err := ParsePayload(body)
	return fields, err
}

// Canonical builds the byte string that gets signed.
func Canonical(fields Fields) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == Field {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		if err := writeValue(&buf, fields[k]); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, raw json.RawMessage) error {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return ErrMalformedPayload
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		buf.WriteString(s)
		return nil
	case '{', '[':
		return json.Compact(buf, v)
	default:
		buf.Write(v)
		return nil
	}
}

// Signer signs and verifies payloads with one shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(strings.TrimSpace(secret))}
}

// Configured reports whether a secret is present.
func (s *Signer) Configured() bool {
	return s != nil && len(s.secret) > 0
}

// Sign returns the hex digest of fields.
func (s *Signer) Sign(fields Fields) (string, error) {
	if !s.Configured() {
		return "", ErrMissingSecret
	}
	msg, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignedBody encodes v and signs the encoded bytes' fields, so the body
// sent and the digest always describe the same text.
func (s *Signer) SignedBody(v any) ([]byte, string, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, "", err
	}
	fields, _, err := ParsePayload(body)
	if err != nil {
		return nil, "", err
	}
	sig, err := s.Sign(fields)
	if err != nil {
		return nil, "", err
	}
	return body, sig, nil
}

// SignStruct signs the JSON form of v, as sent on the wire.
func (s *Signer) SignStruct(v any) (string, error) {
	fields, err := FieldsOf(v)
	if err != nil {
		return "", err
	}
	return s.Sign(fields)
}

// Verify recomputes the digest of fields and compares it in constant time.
func (s *Signer) Verify(fields Fields, signature string) error {
	if !s.Configured() {
		return ErrMissingSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	expected, err := s.Sign(fields)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyPayload parses body and verifies its embedded signature.
func (s *Signer) VerifyPayload(body []byte) (Fields, error) {
	fields, sig, err := ParsePayload(body)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(fields, sig); err != nil {
		return nil, err
	}
	return fields, nil
}
