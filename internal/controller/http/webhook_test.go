package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/webhook"
)

type stubWebhookService struct {
	inbound   []webhook.InboundMessage
	statuses  []webhook.StatusUpdate
	inboundFn func(webhook.InboundMessage) (*entity.Message, error)
	statusErr error
}

func (s *stubWebhookService) ReceiveInbound(ctx context.Context, in webhook.InboundMessage) (*entity.Message, error) {
	s.inbound = append(s.inbound, in)
	if s.inboundFn != nil {
		return s.inboundFn(in)
	}
	return &entity.Message{ID: "m1"}, nil
}

func (s *stubWebhookService) HandleStatusCallback(ctx context.Context, upd webhook.StatusUpdate) (*entity.Message, error) {
	s.statuses = append(s.statuses, upd)
	return nil, s.statusErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebhookRouter(t *testing.T, svc WebhookService, cfg WebhookConfig) http.Handler {
	t.Helper()

	dec, err := webhook.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	r := chi.NewRouter()
	NewWebhookHandler(svc, dec, cfg, discardLogger()).RegisterRoutes(r)
	return r
}

func postForm(h http.Handler, path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func inboundForm() url.Values {
	return url.Values{
		"MessageSid": {"SM123"},
		"From":       {"+15551234567"},
		"To":         {"+15550000000"},
		"Body":       {"Hi"},
		"NumMedia":   {"0"},
	}
}

func TestInboundWebhook_Acknowledges(t *testing.T) {
	svc := &stubWebhookService{}
	h := newWebhookRouter(t, svc, WebhookConfig{})

	rec := postForm(h, "/webhooks/twilio/inbound", inboundForm(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<Response></Response>") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if len(svc.inbound) != 1 || svc.inbound[0].ProviderID != "SM123" {
		t.Errorf("service got %+v", svc.inbound)
	}
}

func TestInboundWebhook_ErrorsStillAcknowledge(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  *entity.Message
	}{
		{name: "duplicate", err: entity.ErrDuplicateWebhook},
		{name: "partial write", err: &entity.PartialWriteError{MessageID: "m1"}, msg: &entity.Message{ID: "m1"}},
		{name: "storage failure", err: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubWebhookService{inboundFn: func(webhook.InboundMessage) (*entity.Message, error) {
				return tt.msg, tt.err
			}}
			h := newWebhookRouter(t, svc, WebhookConfig{})

			rec := postForm(h, "/webhooks/twilio/inbound", inboundForm(), nil)
			if rec.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", rec.Code)
			}
		})
	}
}

func TestInboundWebhook_MissingFields(t *testing.T) {
	svc := &stubWebhookService{}
	h := newWebhookRouter(t, svc, WebhookConfig{})

	form := inboundForm()
	form.Del("MessageSid")

	rec := postForm(h, "/webhooks/twilio/inbound", form, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(svc.inbound) != 0 {
		t.Error("service must not be called for malformed payloads")
	}
}

func TestStatusWebhook(t *testing.T) {
	svc := &stubWebhookService{statusErr: entity.ErrMessageNotFound}
	h := newWebhookRouter(t, svc, WebhookConfig{})

	rec := postForm(h, "/webhooks/twilio/status", url.Values{
		"MessageSid":    {"SM404"},
		"MessageStatus": {"delivered"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown message: expected 200, got %d", rec.Code)
	}
	if len(svc.statuses) != 1 || svc.statuses[0].Status != "delivered" {
		t.Errorf("service got %+v", svc.statuses)
	}

	rec = postForm(h, "/webhooks/twilio/status", url.Values{"MessageStatus": {"sent"}}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing sid: expected 400, got %d", rec.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	validator := webhook.NewSignatureValidator("secret-token")
	svc := &stubWebhookService{}
	h := newWebhookRouter(t, svc, WebhookConfig{
		Validator:     validator,
		PublicBaseURL: "https://crm.example.com/",
	})

	form := inboundForm()
	signed := validator.Sign("https://crm.example.com/webhooks/twilio/inbound", form)

	rec := postForm(h, "/webhooks/twilio/inbound", form, http.Header{webhook.SignatureHeader: {signed}})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature: expected 200, got %d", rec.Code)
	}

	rec = postForm(h, "/webhooks/twilio/inbound", form, http.Header{webhook.SignatureHeader: {"bogus"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad signature: expected 403, got %d", rec.Code)
	}

	rec = postForm(h, "/webhooks/twilio/inbound", form, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing signature: expected 403, got %d", rec.Code)
	}

	if len(svc.inbound) != 1 {
		t.Errorf("service called %d times, want 1", len(svc.inbound))
	}
}
