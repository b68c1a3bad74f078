package mutations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request carries one mutation to the entity mutation API.
type Request struct {
	MutationID      string
	EntityType      string
	EntityID        string
	Payload         json.RawMessage
	ClientTimestamp time.Time
}

// Response is the decoded success body.
type Response struct {
	Status   int
	EntityID string
	Body     json.RawMessage
}

// EntityAPI is the remote CRUD contract the dispatcher drives.
type EntityAPI interface {
	Create(ctx context.Context, request Request) (Response, error)
	Patch(ctx context.Context, request Request) (Response, error)
	Delete(ctx context.Context, request Request) (Response, error)
	Get(ctx context.Context, entityType, entityID string) (Response, error)
}

// TokenRefresher obtains a new credential after an auth rejection.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

const (
	headerDeviceID        = "X-Device-ID"
	headerClientTimestamp = "X-Client-Timestamp"
	headerMutationID      = "X-Mutation-ID"
	headerQueuePending    = "X-Queue-Pending"
	headerQueueFailed     = "X-Queue-Failed"
)

// HTTPEntityAPIConfig wires HTTPEntityAPI.
type HTTPEntityAPIConfig struct {
	BaseURL  string
	Token    string
	DeviceID string
	Client   *http.Client
	// Refresh, when set, is called to mint a replacement bearer token.
	Refresh func(ctx context.Context) (string, error)
	// QueueDepth, when set, is reported to the server on every request.
	QueueDepth func() (pending, failed int)
}

// HTTPEntityAPI talks to /api/entities over HTTP with bearer auth.
type HTTPEntityAPI struct {
	base     *url.URL
	client   *http.Client
	deviceID string
	refresh  func(ctx context.Context) (string, error)
	depth    func() (pending, failed int)

	mu    sync.RWMutex
	token string
}

// NewHTTPEntityAPI validates the base URL and returns a client.
func NewHTTPEntityAPI(cfg HTTPEntityAPIConfig) (*HTTPEntityAPI, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("mutations: invalid api base url %q", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEntityAPI{
		base:     base,
		client:   client,
		deviceID: cfg.DeviceID,
		refresh:  cfg.Refresh,
		depth:    cfg.QueueDepth,
		token:    cfg.Token,
	}, nil
}

// Refresh implements TokenRefresher.
func (a *HTTPEntityAPI) Refresh(ctx context.Context) error {
	if a.refresh == nil {
		return errors.New("mutations: token refresh not configured")
	}
	token, err := a.refresh(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return nil
}

func (a *HTTPEntityAPI) Create(ctx context.Context, request Request) (Response, error) {
	return a.do(ctx, http.MethodPost, a.path(request.EntityType, ""), request)
}

func (a *HTTPEntityAPI) Patch(ctx context.Context, request Request) (Response, error) {
	return a.do(ctx, http.MethodPatch, a.path(request.EntityType, request.EntityID), request)
}

func (a *HTTPEntityAPI) Delete(ctx context.Context, request Request) (Response, error) {
	return a.do(ctx, http.MethodDelete, a.path(request.EntityType, request.EntityID), request)
}

func (a *HTTPEntityAPI) Get(ctx context.Context, entityType, entityID string) (Response, error) {
	return a.do(ctx, http.MethodGet, a.path(entityType, entityID), Request{EntityType: entityType, EntityID: entityID})
}

func (a *HTTPEntityAPI) path(entityType, entityID string) string {
	target := *a.base
	target.Path = a.base.Path + "/api/entities/" + url.PathEscape(entityType)
	if entityID != "" {
		target.Path += "/" + url.PathEscape(entityID)
	}
	return target.String()
}

type responseEnvelope struct {
	Error      string          `json:"error"`
	ConflictID string          `json:"conflict_id"`
	Entity     json.RawMessage `json:"entity"`
	EntityID   string          `json:"entity_id"`
}

func (a *HTTPEntityAPI) do(ctx context.Context, method, target string, request Request) (Response, error) {
	var body io.Reader
	if len(request.Payload) > 0 && (method == http.MethodPost || method == http.MethodPatch) {
		body = bytes.NewReader(request.Payload)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, &RemoteError{Kind: KindValidation, Err: err}
	}
	if body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()
	if token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+token)
	}
	if a.deviceID != "" {
		httpRequest.Header.Set(headerDeviceID, a.deviceID)
	}
	if !request.ClientTimestamp.IsZero() {
		httpRequest.Header.Set(headerClientTimestamp, strconv.FormatInt(request.ClientTimestamp.UnixMilli(), 10))
	}
	if request.MutationID != "" {
		httpRequest.Header.Set(headerMutationID, request.MutationID)
	}
	if a.depth != nil {
		pending, failed := a.depth()
		httpRequest.Header.Set(headerQueuePending, strconv.Itoa(pending))
		httpRequest.Header.Set(headerQueueFailed, strconv.Itoa(failed))
	}

	httpResponse, err := a.client.Do(httpRequest)
	if err != nil {
		return Response{}, &RemoteError{Kind: KindTransient, Err: err}
	}
	defer httpResponse.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, 1<<20))
	if err != nil {
		return Response{}, &RemoteError{Kind: KindTransient, Status: httpResponse.StatusCode, Err: err}
	}

	var envelope responseEnvelope
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &envelope)
	}
	if httpResponse.StatusCode >= 300 {
		return Response{}, &RemoteError{
			Kind:       ClassifyStatus(httpResponse.StatusCode),
			Status:     httpResponse.StatusCode,
			Code:       envelope.Error,
			ConflictID: envelope.ConflictID,
		}
	}
	return Response{Status: httpResponse.StatusCode, EntityID: envelope.EntityID, Body: envelope.Entity}, nil
}
