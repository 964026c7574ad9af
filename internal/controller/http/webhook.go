package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/webhook"
	"github.com/vadim/neo-crm/internal/httpx/response"
)

// maxWebhookBody bounds provider webhook payloads
const maxWebhookBody = 1 << 20

// WebhookService defines the interface for applying provider webhooks
type WebhookService interface {
	ReceiveInbound(ctx context.Context, in webhook.InboundMessage) (*entity.Message, error)
	HandleStatusCallback(ctx context.Context, upd webhook.StatusUpdate) (*entity.Message, error)
}

// WebhookHandler handles provider webhooks. Once a payload is structurally valid
// the provider always gets a 200 acknowledgment; only malformed payloads get a 4xx.
type WebhookHandler struct {
	svc       WebhookService
	decoder   *webhook.Decoder
	validator *webhook.SignatureValidator
	baseURL   string
	logger    *slog.Logger
}

// WebhookConfig configures signature checking. A nil Validator disables it.
type WebhookConfig struct {
	Validator *webhook.SignatureValidator
	// PublicBaseURL is the externally visible origin the provider signs against.
	// When empty it is derived from the request.
	PublicBaseURL string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(svc WebhookService, decoder *webhook.Decoder, cfg WebhookConfig, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		svc:       svc,
		decoder:   decoder,
		validator: cfg.Validator,
		baseURL:   strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:    logger,
	}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks/twilio", func(r chi.Router) {
		r.Post("/inbound", h.Inbound())
		r.Post("/status", h.Status())
	})
}

// Inbound handles POST /webhooks/twilio/inbound
func (h *WebhookHandler) Inbound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.accept(w, r) {
			return
		}

		in, err := h.decoder.DecodeInbound(r.PostForm)
		if err != nil {
			h.logger.Warn("rejected inbound webhook", "error", err)
			response.BadRequest(w, err.Error())
			return
		}

		msg, err := h.svc.ReceiveInbound(r.Context(), *in)
		switch {
		case err == nil:
		case errors.Is(err, entity.ErrDuplicateWebhook):
			h.logger.Info("duplicate inbound webhook", "provider_id", in.ProviderID)
		case msg != nil:
			h.logger.Warn("inbound message recorded with errors", "provider_id", in.ProviderID, "message_id", msg.ID, "error", err)
		default:
			h.logger.Error("failed to process inbound webhook", "provider_id", in.ProviderID, "error", err)
		}

		response.TwiML(w)
	}
}

// Status handles POST /webhooks/twilio/status
func (h *WebhookHandler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.accept(w, r) {
			return
		}

		upd, err := h.decoder.DecodeStatus(r.PostForm)
		if err != nil {
			h.logger.Warn("rejected status webhook", "error", err)
			response.BadRequest(w, err.Error())
			return
		}

		_, err = h.svc.HandleStatusCallback(r.Context(), *upd)
		switch {
		case err == nil:
		case errors.Is(err, entity.ErrMessageNotFound):
			h.logger.Info("status callback for unknown message", "provider_id", upd.ProviderID, "status", upd.Status)
		case errors.Is(err, entity.ErrUnknownStatus):
			h.logger.Warn("status callback with unknown status", "provider_id", upd.ProviderID, "status", upd.Status)
		default:
			h.logger.Error("failed to apply status callback", "provider_id", upd.ProviderID, "status", upd.Status, "error", err)
		}

		response.TwiML(w)
	}
}

// accept parses the form and checks the provider signature. It writes the
// rejection itself and reports whether processing may continue.
func (h *WebhookHandler) accept(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		response.BadRequest(w, "invalid form body")
		return false
	}

	if h.validator == nil {
		return true
	}

	if !h.validator.Valid(h.requestURL(r), r.PostForm, r.Header.Get(webhook.SignatureHeader)) {
		h.logger.Warn("webhook signature mismatch", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		response.Forbidden(w, "invalid signature")
		return false
	}
	return true
}

// requestURL rebuilds the URL the provider signed
func (h *WebhookHandler) requestURL(r *http.Request) string {
	if h.baseURL != "" {
		return h.baseURL + r.URL.RequestURI()
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
