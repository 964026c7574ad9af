package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.twilio.com"
	defaultAPIVersion = "2010-04-01"
	defaultTimeout    = 30 * time.Second
)

// Client is a messaging API client for a Twilio-compatible provider
type Client struct {
	baseURL    string
	apiVersion string
	accountSID string
	authToken  string
	httpClient *http.Client
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new provider client authenticated as accountSID
func New(accountSID, authToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an error from the provider API
type APIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio API error: %s (code: %d, status: %d)", e.Message, e.Code, e.Status)
}

// CreateMessageInput represents input for sending a message
type CreateMessageInput struct {
	From           string
	To             string
	Body           string
	MediaURLs      []string
	StatusCallback string
}

// MessageResource is the provider's view of a message
type MessageResource struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	Body         string  `json:"body"`
	NumSegments  string  `json:"num_segments"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

// CreateMessage sends a message through the provider
func (c *Client) CreateMessage(ctx context.Context, in CreateMessageInput) (*MessageResource, error) {
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/Messages.json", c.baseURL, c.apiVersion, c.accountSID)

	params := url.Values{}
	params.Set("From", in.From)
	params.Set("To", in.To)
	if in.Body != "" {
		params.Set("Body", in.Body)
	}
	for _, mediaURL := range in.MediaURLs {
		params.Add("MediaUrl", mediaURL)
	}
	if in.StatusCallback != "" {
		params.Set("StatusCallback", in.StatusCallback)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out MessageResource
	if err := c.do(req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return &APIError{
				Code:    resp.StatusCode,
				Message: strings.TrimSpace(string(body)),
				Status:  resp.StatusCode,
			}
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return &apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// CodeString formats a numeric provider error code for storage
func CodeString(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}
