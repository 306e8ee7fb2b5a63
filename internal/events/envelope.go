// Package events carries canonical webhook events from the ingress to the
// ledger consumer over a keyed, partitioned, at-least-once transport.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the wire form of a published event.
type Envelope struct {
	domain.WebhookEvent
	PublishedAt time.Time `json:"published_at"`
}

func NewEnvelope(ev domain.WebhookEvent, now time.Time) Envelope {
	return Envelope{WebhookEvent: ev, PublishedAt: now.UTC()}
}

// Key is the partitioning key. Every event for one transaction shares it.
func (e Envelope) Key() string {
	return e.TransactionID.String()
}

func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if e.TransactionID == uuid.Nil {
		return Envelope{}, fmt.Errorf("%w: missing transaction_id", ErrMalformedEnvelope)
	}
	if e.Outcome == "" {
		return Envelope{}, fmt.Errorf("%w: missing outcome", ErrMalformedEnvelope)
	}
	return e, nil
}
