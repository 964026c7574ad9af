package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-crm/internal/httpx/response"
	"github.com/vadim/neo-crm/internal/storage"
)

// MaxUploadSize is the largest attachment the provider accepts (5MB)
const MaxUploadSize = 5 << 20

// MediaUploader defines the interface for storing message attachments
type MediaUploader interface {
	Upload(ctx context.Context, in storage.UploadInput) (*storage.UploadOutput, error)
}

// MediaHandler handles attachment uploads. The returned URL is passed as a
// media_urls entry when sending.
type MediaHandler struct {
	uploader MediaUploader
	logger   *slog.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(uploader MediaUploader, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{uploader: uploader, logger: logger}
}

// RegisterRoutes registers media routes
func (h *MediaHandler) RegisterRoutes(r chi.Router) {
	r.Post("/media/upload", h.Upload())
}

// UploadResponse represents the response from upload endpoint
type UploadResponse struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Upload handles POST /media/upload
func (h *MediaHandler) Upload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+(1<<20))

		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			response.BadRequest(w, "file too large or invalid multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.BadRequest(w, "missing file in request")
			return
		}
		defer file.Close()

		if header.Size > MaxUploadSize {
			response.BadRequest(w, "file exceeds 5MB")
			return
		}

		contentType := header.Header.Get("Content-Type")
		if !storage.Supported(contentType) {
			response.BadRequest(w, "unsupported media type: "+contentType)
			return
		}

		result, err := h.uploader.Upload(r.Context(), storage.UploadInput{
			Reader:      file,
			ContentType: contentType,
			Size:        header.Size,
			Filename:    header.Filename,
		})
		if errors.Is(err, storage.ErrUnsupportedMedia) {
			response.BadRequest(w, err.Error())
			return
		}
		if err != nil {
			h.logger.Error("failed to upload attachment", "filename", header.Filename, "error", err)
			response.InternalError(w, "failed to upload file")
			return
		}

		response.Created(w, UploadResponse{
			URL:  result.URL,
			Key:  result.Key,
			Size: result.Size,
		})
	}
}
