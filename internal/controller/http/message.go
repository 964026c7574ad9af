package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/service"
	"github.com/vadim/neo-crm/internal/httpx/response"
)

// MessageHandler handles per-channel send and inbox requests
type MessageHandler struct {
	policy MessagingPolicy
	logger *slog.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(p MessagingPolicy, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{policy: p, logger: logger}
}

// RegisterRoutes registers message routes
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	for _, channel := range []entity.Channel{entity.ChannelSMS, entity.ChannelWhatsApp} {
		r.Post("/"+string(channel)+"/send", h.Send(channel))
		r.Get("/"+string(channel)+"/messages", h.Inbox(channel))
	}

	r.Post("/messages/{messageId}/read", h.MarkRead())
}

// SendRequest represents the request body for sending a message
type SendRequest struct {
	To        string     `json:"to"`
	Body      string     `json:"body"`
	MediaURLs []string   `json:"media_urls"`
	LeadID    string     `json:"lead_id"`
	SendAt    *time.Time `json:"send_at"`
}

// SendResponse represents a recorded send
type SendResponse struct {
	Message      *entity.Message      `json:"message"`
	Conversation *entity.Conversation `json:"conversation"`
	ProviderID   string               `json:"provider_id,omitempty"`
}

func newSendResponse(out *service.SendOutput) SendResponse {
	return SendResponse{
		Message:      out.Message,
		Conversation: out.Conversation,
		ProviderID:   out.Message.ProviderID,
	}
}

// Send handles POST /{channel}/send
func (h *MessageHandler) Send(channel entity.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}

		if req.To == "" {
			response.BadRequest(w, "to is required")
			return
		}

		out, err := h.policy.Send(r.Context(), service.SendInput{
			Channel:   channel,
			To:        req.To,
			Body:      req.Body,
			MediaURLs: req.MediaURLs,
			LeadID:    req.LeadID,
			SendAt:    req.SendAt,
		})
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		response.Created(w, newSendResponse(out))
	}
}

// InboxResponse represents one page of the flat inbox
type InboxResponse struct {
	Messages   []entity.LegacyMessage `json:"messages"`
	Pagination entity.Pagination      `json:"pagination"`
}

// Inbox handles GET /{channel}/messages
func (h *MessageHandler) Inbox(channel entity.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := service.ListInboxInput{Channel: channel}
		in.Page, in.PageSize = pageParams(r)

		out, err := h.policy.ListInbox(r.Context(), in)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		messages := out.Messages
		if messages == nil {
			messages = []entity.LegacyMessage{}
		}
		response.OK(w, InboxResponse{Messages: messages, Pagination: out.Pagination})
	}
}

// MarkRead handles POST /messages/{messageId}/read
func (h *MessageHandler) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.policy.MarkRead(r.Context(), chi.URLParam(r, "messageId")); err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.NoContent(w)
	}
}
