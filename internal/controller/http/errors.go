package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/httpx/response"
)

// writeError maps messaging errors to HTTP responses
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		cfgErr      *entity.ConfigurationError
		providerErr *entity.ProviderError
		partialErr  *entity.PartialWriteError
	)

	switch {
	case errors.Is(err, entity.ErrConversationNotFound),
		errors.Is(err, entity.ErrMessageNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, entity.ErrEmptyMessage),
		errors.Is(err, entity.ErrMessageTooLong),
		errors.Is(err, entity.ErrTooManyMedia),
		errors.Is(err, entity.ErrInvalidChannel),
		errors.Is(err, entity.ErrInvalidAddress),
		errors.Is(err, entity.ErrInvalidSortOrder),
		errors.Is(err, entity.ErrInvalidSort),
		errors.Is(err, entity.ErrInvalidConvStatus),
		errors.Is(err, entity.ErrUnknownStatus):
		response.BadRequest(w, err.Error())
	case errors.Is(err, entity.ErrUnauthorized):
		response.Unauthorized(w, err.Error())
	case errors.Is(err, entity.ErrForbidden):
		response.Forbidden(w, err.Error())
	case errors.As(err, &cfgErr):
		response.Unprocessable(w, err.Error())
	case errors.As(err, &providerErr):
		response.FailedDependency(w, err.Error())
	case errors.As(err, &partialErr):
		logger.Warn("partial write surfaced to caller", "message_id", partialErr.MessageID, "error", err)
		response.ServiceUnavailable(w, "message stored but not yet consistent, retry shortly")
	default:
		logger.Error("request failed", "error", err)
		response.InternalError(w, "internal error")
	}
}

// pageParams reads page and page_size, leaving zero for the service defaults
func pageParams(r *http.Request) (page, size int) {
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if s, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && s > 0 {
		size = s
	}
	return page, size
}
