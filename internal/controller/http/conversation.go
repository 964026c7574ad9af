package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/service"
	"github.com/vadim/neo-crm/internal/httpx/response"
)

// MessagingPolicy defines the interface for agent-facing messaging operations
type MessagingPolicy interface {
	Send(ctx context.Context, in service.SendInput) (*service.SendOutput, error)
	Reply(ctx context.Context, in service.ReplyInput) (*service.SendOutput, error)
	StartConversation(ctx context.Context, in service.StartConversationInput) (*service.StartConversationOutput, error)
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error)
	UpdateConversation(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error)
	ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error)
	ListInbox(ctx context.Context, in service.ListInboxInput) (*service.ListInboxOutput, error)
	MarkRead(ctx context.Context, messageID string) error
	MarkAllRead(ctx context.Context, conversationID string) (int, error)
	UnreadCount(ctx context.Context, conversationID string) (int, error)
	SetTyping(ctx context.Context, conversationID string) error
	Typing(ctx context.Context, conversationID string) ([]entity.Typist, error)
}

// ConversationHandler handles HTTP requests for conversations
type ConversationHandler struct {
	policy MessagingPolicy
	logger *slog.Logger
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(p MessagingPolicy, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{policy: p, logger: logger}
}

// RegisterRoutes registers conversation routes
func (h *ConversationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.Start())
		r.Get("/", h.List())

		r.Route("/{conversationId}", func(r chi.Router) {
			r.Get("/", h.Get())
			r.Patch("/", h.Update())

			r.Get("/messages", h.Messages())
			r.Post("/messages", h.Reply())

			r.Post("/read", h.MarkAllRead())
			r.Get("/unread", h.Unread())

			r.Post("/typing", h.SetTyping())
			r.Get("/typing", h.Typing())
		})
	})
}

// StartConversationRequest represents the request body for starting a conversation
type StartConversationRequest struct {
	Channel      string `json:"channel"`
	Phone        string `json:"phone"`
	CustomerName string `json:"customer_name"`
	LeadID       string `json:"lead_id"`
}

// StartConversationResponse represents the response for starting a conversation
type StartConversationResponse struct {
	Conversation *entity.Conversation `json:"conversation"`
	Created      bool                 `json:"created"`
}

// Start handles POST /conversations
func (h *ConversationHandler) Start() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}

		channel, err := entity.ParseChannel(req.Channel)
		if err != nil {
			response.BadRequest(w, "channel must be sms or whatsapp")
			return
		}
		if req.Phone == "" {
			response.BadRequest(w, "phone is required")
			return
		}

		out, err := h.policy.StartConversation(r.Context(), service.StartConversationInput{
			Channel:      channel,
			Phone:        req.Phone,
			CustomerName: req.CustomerName,
			LeadID:       req.LeadID,
		})
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		resp := StartConversationResponse{Conversation: out.Conversation, Created: out.Created}
		if out.Created {
			response.Created(w, resp)
			return
		}
		response.OK(w, resp)
	}
}

// ListConversationsResponse represents one page of conversations
type ListConversationsResponse struct {
	Conversations []entity.Conversation `json:"conversations"`
	Pagination    entity.Pagination     `json:"pagination"`
}

// List handles GET /conversations
func (h *ConversationHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		in := service.ListConversationsInput{Query: q.Get("q")}
		in.Page, in.PageSize = pageParams(r)

		if c := q.Get("channel"); c != "" {
			channel, err := entity.ParseChannel(c)
			if err != nil {
				response.BadRequest(w, "channel must be sms or whatsapp")
				return
			}
			in.Channel = channel
		}

		if s := q.Get("status"); s != "" {
			status, err := entity.ParseConversationStatus(s)
			if err != nil {
				response.BadRequest(w, "status must be active, archived or closed")
				return
			}
			in.Status = status
		}

		sort, err := entity.ParseConversationSort(q.Get("sort"))
		if err != nil {
			response.BadRequest(w, "sort must be recent, oldest or unread")
			return
		}
		in.Sort = sort

		if u := q.Get("unread_only"); u != "" {
			unreadOnly, err := strconv.ParseBool(u)
			if err != nil {
				response.BadRequest(w, "unread_only must be a boolean")
				return
			}
			in.UnreadOnly = unreadOnly
		}

		out, err := h.policy.ListConversations(r.Context(), in)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		conversations := out.Conversations
		if conversations == nil {
			conversations = []entity.Conversation{}
		}
		response.OK(w, ListConversationsResponse{Conversations: conversations, Pagination: out.Pagination})
	}
}

// Get handles GET /conversations/{conversationId}
func (h *ConversationHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := h.policy.GetConversation(r.Context(), chi.URLParam(r, "conversationId"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.OK(w, conv)
	}
}

// UpdateConversationRequest represents the request body for updating a conversation.
// Absent fields are left unchanged.
type UpdateConversationRequest struct {
	Status       *string   `json:"status"`
	Tags         *[]string `json:"tags"`
	Notes        *string   `json:"notes"`
	CustomerName *string   `json:"customer_name"`
	LeadID       *string   `json:"lead_id"`
}

// Update handles PATCH /conversations/{conversationId}
func (h *ConversationHandler) Update() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}

		upd := entity.ConversationUpdate{
			Tags:         req.Tags,
			Notes:        req.Notes,
			CustomerName: req.CustomerName,
			LeadID:       req.LeadID,
		}
		if req.Status != nil {
			status, err := entity.ParseConversationStatus(*req.Status)
			if err != nil {
				response.BadRequest(w, "status must be active, archived or closed")
				return
			}
			upd.Status = &status
		}

		conv, err := h.policy.UpdateConversation(r.Context(), chi.URLParam(r, "conversationId"), upd)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.OK(w, conv)
	}
}

// ListMessagesResponse represents one page of ledger entries
type ListMessagesResponse struct {
	Messages   []entity.Message  `json:"messages"`
	Pagination entity.Pagination `json:"pagination"`
}

// Messages handles GET /conversations/{conversationId}/messages
func (h *ConversationHandler) Messages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := entity.ParseSortOrder(r.URL.Query().Get("order"), entity.SortAsc)
		if err != nil {
			response.BadRequest(w, "order must be asc or desc")
			return
		}

		in := service.ListMessagesInput{
			ConversationID: chi.URLParam(r, "conversationId"),
			Order:          order,
		}
		in.Page, in.PageSize = pageParams(r)

		out, err := h.policy.ListMessages(r.Context(), in)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		messages := out.Messages
		if messages == nil {
			messages = []entity.Message{}
		}
		response.OK(w, ListMessagesResponse{Messages: messages, Pagination: out.Pagination})
	}
}

// ReplyRequest represents the request body for replying in a conversation
type ReplyRequest struct {
	Body      string     `json:"body"`
	MediaURLs []string   `json:"media_urls"`
	SendAt    *time.Time `json:"send_at"`
}

// Reply handles POST /conversations/{conversationId}/messages
func (h *ConversationHandler) Reply() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReplyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}

		out, err := h.policy.Reply(r.Context(), service.ReplyInput{
			ConversationID: chi.URLParam(r, "conversationId"),
			Body:           req.Body,
			MediaURLs:      req.MediaURLs,
			SendAt:         req.SendAt,
		})
		if err != nil {
			writeError(w, h.logger, err)
			return
		}

		response.Created(w, newSendResponse(out))
	}
}

// UnreadResponse carries an unread counter
type UnreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

// MarkAllRead handles POST /conversations/{conversationId}/read
func (h *ConversationHandler) MarkAllRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unread, err := h.policy.MarkAllRead(r.Context(), chi.URLParam(r, "conversationId"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.OK(w, UnreadResponse{UnreadCount: unread})
	}
}

// Unread handles GET /conversations/{conversationId}/unread
func (h *ConversationHandler) Unread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unread, err := h.policy.UnreadCount(r.Context(), chi.URLParam(r, "conversationId"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.OK(w, UnreadResponse{UnreadCount: unread})
	}
}

// SetTyping handles POST /conversations/{conversationId}/typing
func (h *ConversationHandler) SetTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.policy.SetTyping(r.Context(), chi.URLParam(r, "conversationId")); err != nil {
			writeError(w, h.logger, err)
			return
		}
		response.NoContent(w)
	}
}

// TypingResponse lists who is typing
type TypingResponse struct {
	Typists []entity.Typist `json:"typists"`
}

// Typing handles GET /conversations/{conversationId}/typing
func (h *ConversationHandler) Typing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		typists, err := h.policy.Typing(r.Context(), chi.URLParam(r, "conversationId"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if typists == nil {
			typists = []entity.Typist{}
		}
		response.OK(w, TypingResponse{Typists: typists})
	}
}
