package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/backendenjoyer/decard-scalable-integration/internal/domain"
	"github.com/backendenjoyer/decard-scalable-integration/internal/ingress"
	"github.com/backendenjoyer/decard-scalable-integration/internal/models"
)

// Publisher hands a canonical event to the transport. *events.Publisher
// implements it.
type Publisher interface {
	Publish(ctx context.Context, ev domain.WebhookEvent) (string, error)
}

// WebhookHandler is the provider-facing ingress. It answers 200 only once
// the event is durable on the transport; anything else makes the provider
// retry.
type WebhookHandler struct {
	validator  *ingress.Validator
	publisher  Publisher
	trustProxy bool
	log        *zap.Logger
}

func NewWebhookHandler(v *ingress.Validator, p Publisher, trustProxy bool, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{validator: v, publisher: p, trustProxy: trustProxy, log: log}
}

func (h *WebhookHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", HealthCheckHandler).Methods("GET")
	r.HandleFunc("/webhook/decard", h.DecardWebhookHandler).Methods("POST")
}

func (h *WebhookHandler) DecardWebhookHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/webhook/decard"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		webhooksTotal.WithLabelValues(string(ingress.ReasonMalformed)).Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond(w, "POST", endpoint, http.StatusRequestEntityTooLarge, models.ErrorResponse{Error: "Payload too large"})
			return
		}
		respond(w, "POST", endpoint, http.StatusBadRequest, models.ErrorResponse{Error: "Stream read error"})
		return
	}

	addr := h.clientAddr(r)
	ev, err := h.validator.Validate(body, addr)
	if err != nil {
		reason := ingress.ReasonOf(err)
		webhooksTotal.WithLabelValues(string(reason)).Inc()
		switch reason {
		case ingress.ReasonBadOrigin, ingress.ReasonBadSignature:
			respond(w, "POST", endpoint, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
		default:
			respond(w, "POST", endpoint, http.StatusBadRequest, models.ErrorResponse{Error: "Malformed payload"})
		}
		return
	}

	log := h.log.With(zap.Stringer("tx_id", ev.TransactionID), zap.String("outcome", string(ev.Outcome)))
	streamID, err := h.publisher.Publish(r.Context(), *ev)
	if err != nil {
		webhooksTotal.WithLabelValues("publish_failed").Inc()
		log.Error("webhook not published, provider will retry", zap.Error(err))
		respond(w, "POST", endpoint, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Temporarily unavailable"})
		return
	}

	webhooksTotal.WithLabelValues("accepted").Inc()
	log.Info("webhook accepted", zap.String("stream_id", streamID), zap.String("source_addr", ev.SourceAddr))
	respond(w, "POST", endpoint, http.StatusOK, models.StatusResponse{Status: "ok"})
}

// clientAddr is the caller as seen by the origin check. Forwarding headers
// are only honoured behind a trusted proxy.
func (h *WebhookHandler) clientAddr(r *http.Request) string {
	if h.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
