package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	defaultProviderURL     = "https://exp.host/--/api/v2"
	defaultProviderTimeout = 10 * time.Second

	// ErrorDeviceNotRegistered is the provider signal that an endpoint is gone for good.
	ErrorDeviceNotRegistered = "DeviceNotRegistered"
	// ErrorMessageRateExceeded reports provider throttling for a device.
	ErrorMessageRateExceeded = "MessageRateExceeded"

	statusOK    = "ok"
	statusError = "error"
)

// ErrProviderUnavailable wraps transport and non-2xx provider failures.
var ErrProviderUnavailable = errors.New("push: provider unavailable")

var expoTokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[A-Za-z0-9_\-]+\]$`)

// ValidateToken checks the provider token shape.
func ValidateToken(token string) error {
	if !expoTokenPattern.MatchString(strings.TrimSpace(token)) {
		return ErrInvalidToken
	}
	return nil
}

// Message is one provider message addressed to a single endpoint token.
type Message struct {
	To        string          `json:"to"`
	Title     string          `json:"title,omitempty"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Sound     string          `json:"sound,omitempty"`
	Badge     *int            `json:"badge,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	Priority  string          `json:"priority,omitempty"`
}

// ErrorDetails carries the provider error code for a ticket or receipt.
type ErrorDetails struct {
	Error string `json:"error,omitempty"`
}

// TicketResult is the provider's immediate answer for one message.
type TicketResult struct {
	Status  string       `json:"status"`
	ID      string       `json:"id,omitempty"`
	Message string       `json:"message,omitempty"`
	Details ErrorDetails `json:"details,omitempty"`
}

// Receipt is the deferred delivery outcome for a ticket.
type Receipt struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Details ErrorDetails `json:"details,omitempty"`
}

// Provider sends message batches and resolves receipts.
type Provider interface {
	Send(ctx context.Context, messages []Message) ([]TicketResult, error)
	Receipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error)
}

// ExpoProviderConfig configures the HTTP provider client.
type ExpoProviderConfig struct {
	BaseURL     string
	AccessToken string
	Client      *http.Client
}

// ExpoProvider talks to an Expo-compatible push service.
type ExpoProvider struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewExpoProvider builds the HTTP provider.
func NewExpoProvider(cfg ExpoProviderConfig) *ExpoProvider {
	provider := &ExpoProvider{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		httpClient:  cfg.Client,
	}
	if provider.baseURL == "" {
		provider.baseURL = defaultProviderURL
	}
	if provider.httpClient == nil {
		provider.httpClient = &http.Client{Timeout: defaultProviderTimeout}
	}
	return provider
}

// Send posts the batch to /push/send. Tickets come back in message order.
func (p *ExpoProvider) Send(ctx context.Context, messages []Message) ([]TicketResult, error) {
	var response struct {
		Data   []TicketResult `json:"data"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := p.post(ctx, "/push/send", messages, &response); err != nil {
		return nil, err
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrProviderUnavailable, response.Errors[0].Code, response.Errors[0].Message)
	}
	if len(response.Data) != len(messages) {
		return nil, fmt.Errorf("%w: expected %d tickets, got %d", ErrProviderUnavailable, len(messages), len(response.Data))
	}
	return response.Data, nil
}

// Receipts posts ticket ids to /push/getReceipts. Unknown ids are absent from the result.
func (p *ExpoProvider) Receipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error) {
	var response struct {
		Data map[string]Receipt `json:"data"`
	}
	if err := p.post(ctx, "/push/getReceipts", map[string][]string{"ids": ticketIDs}, &response); err != nil {
		return nil, err
	}
	if response.Data == nil {
		response.Data = map[string]Receipt{}
	}
	return response.Data, nil
}

func (p *ExpoProvider) post(ctx context.Context, path string, body any, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if p.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+p.accessToken)
	}

	response, err := p.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("%w: http %d: %s", ErrProviderUnavailable, response.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrProviderUnavailable, err)
	}
	return nil
}
