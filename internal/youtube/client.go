// Package youtube implements the narrow slice of the YouTube Live Streaming
// API that the stream orchestrator depends on: creating ingest streams and
// broadcasts, binding them, reading ingest status, and transitioning
// broadcast lifecycle states.
package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultBaseURL is the production Data API v3 endpoint.
const DefaultBaseURL = "https://www.googleapis.com/youtube/v3"

// BroadcastState is a remote broadcast lifecycle target.
type BroadcastState string

const (
	BroadcastLive     BroadcastState = "live"
	BroadcastComplete BroadcastState = "complete"
)

// LiveStream holds the ingest coordinates returned when a live stream
// resource is created.
type LiveStream struct {
	ID        string
	IngestURL string
	IngestKey string
}

// IngestStatus reports whether the remote service sees media arriving on an
// ingest stream.
type IngestStatus struct {
	Active bool
	Health string
}

// BroadcastRequest carries the metadata for a new broadcast resource.
type BroadcastRequest struct {
	Title          string
	Description    string
	ScheduledStart time.Time
	PrivacyStatus  string
}

// TokenSource supplies a bearer token for each API call, refreshing it when
// necessary.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the remote-service surface consumed by the broadcast binder.
type Client interface {
	CreateLiveStream(ctx context.Context, title, resolution, frameRate string) (LiveStream, error)
	CreateBroadcast(ctx context.Context, req BroadcastRequest) (string, error)
	BindBroadcast(ctx context.Context, broadcastID, streamID string) error
	StreamStatus(ctx context.Context, streamID string) (IngestStatus, error)
	Transition(ctx context.Context, broadcastID string, target BroadcastState) error
}

// HTTPClient talks to the Data API v3 over HTTP. The base URL is injectable
// so tests can point it at a local stub.
type HTTPClient struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// Option mutates client configuration.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger installs a logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPClient constructs a client against the provided base URL, falling
// back to the production endpoint when baseURL is empty.
func NewHTTPClient(baseURL string, tokens TokenSource, opts ...Option) *HTTPClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type liveStreamResource struct {
	ID  string `json:"id"`
	CDN struct {
		IngestionInfo struct {
			StreamName       string `json:"streamName"`
			IngestionAddress string `json:"ingestionAddress"`
		} `json:"ingestionInfo"`
	} `json:"cdn"`
	Status struct {
		StreamStatus string `json:"streamStatus"`
		HealthStatus struct {
			Status string `json:"status"`
		} `json:"healthStatus"`
	} `json:"status"`
}

type liveStreamList struct {
	Items []liveStreamResource `json:"items"`
}

type broadcastResource struct {
	ID string `json:"id"`
}

func (c *HTTPClient) CreateLiveStream(ctx context.Context, title, resolution, frameRate string) (LiveStream, error) {
	payload := map[string]any{
		"snippet": map[string]any{"title": normalizeTitle(title)},
		"cdn": map[string]any{
			"resolution":    resolution,
			"frameRate":     frameRate,
			"ingestionType": "rtmp",
		},
	}
	var resource liveStreamResource
	if err := c.post(ctx, "liveStreams", url.Values{"part": {"snippet,cdn,status"}}, payload, &resource); err != nil {
		return LiveStream{}, wrapOp("create-stream", err)
	}
	stream := LiveStream{
		ID:        resource.ID,
		IngestURL: resource.CDN.IngestionInfo.IngestionAddress,
		IngestKey: resource.CDN.IngestionInfo.StreamName,
	}
	if stream.ID == "" || stream.IngestURL == "" || stream.IngestKey == "" {
		return LiveStream{}, &APIError{Op: "create-stream", Message: "response missing ingest coordinates"}
	}
	return stream, nil
}

func (c *HTTPClient) CreateBroadcast(ctx context.Context, req BroadcastRequest) (string, error) {
	payload := map[string]any{
		"snippet": map[string]any{
			"title":              normalizeTitle(req.Title),
			"description":        req.Description,
			"scheduledStartTime": req.ScheduledStart.UTC().Format(time.RFC3339),
		},
		"status": map[string]any{"privacyStatus": req.PrivacyStatus},
	}
	var resource broadcastResource
	if err := c.post(ctx, "liveBroadcasts", url.Values{"part": {"snippet,status"}}, payload, &resource); err != nil {
		return "", wrapOp("create-broadcast", err)
	}
	if resource.ID == "" {
		return "", &APIError{Op: "create-broadcast", Message: "response missing broadcast id"}
	}
	return resource.ID, nil
}

func (c *HTTPClient) BindBroadcast(ctx context.Context, broadcastID, streamID string) error {
	query := url.Values{
		"part":     {"id,contentDetails"},
		"id":       {broadcastID},
		"streamId": {streamID},
	}
	if err := c.post(ctx, "liveBroadcasts/bind", query, nil, nil); err != nil {
		return wrapOp("bind", err)
	}
	return nil
}

func (c *HTTPClient) StreamStatus(ctx context.Context, streamID string) (IngestStatus, error) {
	query := url.Values{"part": {"status"}, "id": {streamID}}
	var list liveStreamList
	if err := c.get(ctx, "liveStreams", query, &list); err != nil {
		return IngestStatus{}, wrapOp("stream-status", err)
	}
	if len(list.Items) == 0 {
		return IngestStatus{}, &APIError{Op: "stream-status", Message: fmt.Sprintf("stream %s not found", streamID)}
	}
	status := list.Items[0].Status
	return IngestStatus{
		Active: strings.EqualFold(status.StreamStatus, "active"),
		Health: status.HealthStatus.Status,
	}, nil
}

func (c *HTTPClient) Transition(ctx context.Context, broadcastID string, target BroadcastState) error {
	query := url.Values{
		"part":            {"status"},
		"id":              {broadcastID},
		"broadcastStatus": {string(target)},
	}
	if err := c.post(ctx, "liveBroadcasts/transition", query, nil, nil); err != nil {
		return wrapOp("transition-"+string(target), err)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, query url.Values, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, query, body, dest)
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, dest any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, dest)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, dest any) error {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, path)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("youtube API call failed", "method", method, "path", path, "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// normalizeTitle canonicalises user-entered titles to NFC before submission
// so equality checks against the remote resource are stable.
func normalizeTitle(title string) string {
	return norm.NFC.String(strings.TrimSpace(title))
}
