package webhook

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/gateway"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidPayload is returned for webhooks missing required fields
var ErrInvalidPayload = errors.New("invalid webhook payload")

// InboundMessage is a decoded "message received" webhook
type InboundMessage struct {
	ProviderID  string
	Channel     entity.Channel
	From        string
	To          string
	Body        string
	MediaURLs   []string
	NumSegments int
	ProfileName string
}

// StatusUpdate is a decoded status callback
type StatusUpdate struct {
	ProviderID   string
	Status       string
	ErrorCode    string
	ErrorMessage string
}

// Decoder validates form-encoded provider webhooks against JSON schemas.
// Missing required fields fail; unknown fields are ignored.
type Decoder struct {
	inbound *jsonschema.Schema
	status  *jsonschema.Schema
}

// NewDecoder compiles the embedded webhook schemas
func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()

	for _, name := range []string{"inbound.json", "status.json"} {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("adding schema %s: %w", name, err)
		}
	}

	inbound, err := c.Compile("inbound.json")
	if err != nil {
		return nil, fmt.Errorf("compiling inbound schema: %w", err)
	}
	status, err := c.Compile("status.json")
	if err != nil {
		return nil, fmt.Errorf("compiling status schema: %w", err)
	}

	return &Decoder{inbound: inbound, status: status}, nil
}

// DecodeInbound validates and decodes an inbound message webhook
func (d *Decoder) DecodeInbound(form url.Values) (*InboundMessage, error) {
	doc := formDocument(form)
	if err := d.inbound.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	channel, from := gateway.SplitAddress(form.Get("From"))
	_, to := gateway.SplitAddress(form.Get("To"))

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	media := make([]string, 0, numMedia)
	for i := 0; i < numMedia && i < entity.MaxMediaPerMessage; i++ {
		if u := strings.TrimSpace(form.Get("MediaUrl" + strconv.Itoa(i))); u != "" {
			media = append(media, u)
		}
	}
	if len(media) == 0 && strings.TrimSpace(form.Get("Body")) == "" {
		return nil, fmt.Errorf("%w: media count set but no media urls", ErrInvalidPayload)
	}

	segments, _ := strconv.Atoi(form.Get("NumSegments"))

	return &InboundMessage{
		ProviderID:  doc["MessageSid"].(string),
		Channel:     channel,
		From:        from,
		To:          to,
		Body:        form.Get("Body"),
		MediaURLs:   media,
		NumSegments: segments,
		ProfileName: strings.TrimSpace(form.Get("ProfileName")),
	}, nil
}

// DecodeStatus validates and decodes a status callback
func (d *Decoder) DecodeStatus(form url.Values) (*StatusUpdate, error) {
	doc := formDocument(form)
	if err := d.status.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	status := form.Get("MessageStatus")
	if status == "" {
		status = form.Get("SmsStatus")
	}

	return &StatusUpdate{
		ProviderID:   doc["MessageSid"].(string),
		Status:       status,
		ErrorCode:    form.Get("ErrorCode"),
		ErrorMessage: form.Get("ErrorMessage"),
	}, nil
}

// formDocument turns form values into a schema instance, keeping the first value
// of each field. The legacy SmsSid field stands in for a missing MessageSid.
func formDocument(form url.Values) map[string]any {
	doc := make(map[string]any, len(form))
	for k, v := range form {
		if len(v) > 0 {
			doc[k] = v[0]
		}
	}
	if sid, ok := doc["MessageSid"].(string); !ok || sid == "" {
		if legacy, ok := doc["SmsSid"].(string); ok && legacy != "" {
			doc["MessageSid"] = legacy
		}
	}
	return doc
}
