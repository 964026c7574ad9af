package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/httpx/upstream/twilio"
)

// ProviderClient is the provider's send API
type ProviderClient interface {
	CreateMessage(ctx context.Context, in twilio.CreateMessageInput) (*twilio.MessageResource, error)
}

// Config holds the provisioned sender lines and send settings
type Config struct {
	SMSFrom            string
	WhatsAppFrom       string
	StatusCallbackURL  string
	DefaultCountryCode string
	SendTimeout        time.Duration
}

// SendResult is the provider's acknowledgment of a send
type SendResult struct {
	ProviderID    string
	InitialStatus entity.Status
}

// Gateway adapts the provider's send API to the messaging domain
type Gateway struct {
	client ProviderClient
	cfg    Config
	logger *slog.Logger
}

// New creates a new provider gateway
func New(client ProviderClient, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	return &Gateway{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// FormatAddress canonicalizes a phone number with the configured default country code
func (g *Gateway) FormatAddress(raw string) (string, error) {
	return FormatAddress(raw, g.cfg.DefaultCountryCode)
}

// LookupSenderAddress returns the outbound line provisioned for channel
func (g *Gateway) LookupSenderAddress(channel entity.Channel) (string, error) {
	var from string
	switch channel {
	case entity.ChannelSMS:
		from = g.cfg.SMSFrom
	case entity.ChannelWhatsApp:
		from = g.cfg.WhatsAppFrom
	default:
		return "", &entity.ConfigurationError{Channel: channel, Reason: "unsupported channel"}
	}

	if from == "" {
		return "", &entity.ConfigurationError{Channel: channel, Reason: "no sender line provisioned"}
	}

	_, bare := SplitAddress(from)
	return bare, nil
}

// Send dispatches a message. Every failure is returned as *entity.ProviderError.
func (g *Gateway) Send(ctx context.Context, channel entity.Channel, to, body string, media []string) (*SendResult, error) {
	from, err := g.LookupSenderAddress(channel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
	defer cancel()

	res, err := g.client.CreateMessage(ctx, twilio.CreateMessageInput{
		From:           ChannelAddress(channel, from),
		To:             ChannelAddress(channel, to),
		Body:           body,
		MediaURLs:      media,
		StatusCallback: g.cfg.StatusCallbackURL,
	})
	if err != nil {
		return nil, toProviderError(ctx, err)
	}

	if res.SID == "" {
		return nil, &entity.ProviderError{Code: "invalid_response", Message: "provider returned no message id"}
	}

	status, err := entity.ParseStatus(res.Status)
	if err != nil {
		g.logger.Warn("unrecognized initial status from provider", "provider_id", res.SID, "status", res.Status)
		status = entity.StatusQueued
	}

	return &SendResult{ProviderID: res.SID, InitialStatus: status}, nil
}

func toProviderError(ctx context.Context, err error) *entity.ProviderError {
	var apiErr *twilio.APIError
	switch {
	case errors.As(err, &apiErr):
		return &entity.ProviderError{Code: twilio.CodeString(apiErr.Code), Message: apiErr.Message, Err: err}
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &entity.ProviderError{Code: "timeout", Message: "provider did not respond in time", Err: err}
	case errors.Is(err, context.Canceled):
		return &entity.ProviderError{Code: "canceled", Message: "send canceled", Err: err}
	default:
		return &entity.ProviderError{Code: "transport", Message: fmt.Sprintf("provider unreachable: %v", err), Err: err}
	}
}
