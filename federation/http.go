// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/signing"
)

// MaxResponseSize bounds every federation response body: 32 MB. The
// largest legitimate answers are /state_ids and /backfill for big
// rooms, which stay well below it.
const MaxResponseSize int64 = 32 << 20

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	// ServerName and KeyPair identify this server in X-Matrix headers.
	ServerName ref.ServerName
	KeyPair    signing.KeyPair

	// HTTPClient performs the requests. Nil means a client with
	// RequestTimeout as its timeout.
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// Resolve maps a server name to the base URL of its federation
	// API. Nil means "https://" + server name.
	Resolve func(ref.ServerName) string

	// RequestsPerSecond and Burst configure the per-destination
	// limiter. Zero RequestsPerSecond disables limiting.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// HTTPClient is the production Client.
type HTTPClient struct {
	serverName ref.ServerName
	keyPair    signing.KeyPair
	httpClient *http.Client
	resolve    func(ref.ServerName) string
	logger     *slog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[ref.ServerName]*rate.Limiter

	eventFetches singleflight.Group
}

var (
	_ Client             = (*HTTPClient)(nil)
	_ signing.KeyFetcher = (*HTTPClient)(nil)
)

// NewHTTPClient creates a federation client.
func NewHTTPClient(config HTTPClientConfig) (*HTTPClient, error) {
	if config.ServerName.IsZero() {
		return nil, fmt.Errorf("federation: ServerName is required")
	}
	if config.KeyPair.Private == nil {
		return nil, fmt.Errorf("federation: KeyPair is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	resolve := config.Resolve
	if resolve == nil {
		resolve = func(server ref.ServerName) string { return "https://" + server.String() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		serverName: config.ServerName,
		keyPair:    config.KeyPair,
		httpClient: httpClient,
		resolve:    resolve,
		logger:     logger,
		limit:      limit,
		burst:      burst,
		limiters:   make(map[ref.ServerName]*rate.Limiter),
	}, nil
}

// CloseIdleConnections drops pooled connections.
func (c *HTTPClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// GetEvent fetches one event. Concurrent calls for the same event and
// destination share a request.
func (c *HTTPClient) GetEvent(ctx context.Context, destination ref.ServerName, eventID ref.EventID) (json.RawMessage, error) {
	key := destination.String() + "|" + eventID.String()
	result, err, shared := c.eventFetches.Do(key, func() (any, error) {
		var transaction Transaction
		path := "/_matrix/federation/v1/event/" + url.PathEscape(eventID.String())
		if err := c.doJSON(ctx, destination, http.MethodGet, path, nil, nil, &transaction); err != nil {
			return nil, err
		}
		if len(transaction.PDUs) == 0 {
			return nil, &Error{Code: ErrCodeNotFound, Message: "empty pdus", StatusCode: http.StatusOK, Destination: destination.String()}
		}
		return transaction.PDUs[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching event %s from %s: %w", eventID, destination, err)
	}
	if shared {
		c.logger.Debug("shared in-flight event fetch", "event_id", eventID, "destination", destination)
	}
	return result.(json.RawMessage), nil
}

// GetStateIDs fetches the state IDs before an event.
func (c *HTTPClient) GetStateIDs(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, eventID ref.EventID) (*StateIDsResponse, error) {
	var response StateIDsResponse
	path := "/_matrix/federation/v1/state_ids/" + url.PathEscape(roomID.String())
	query := url.Values{"event_id": {eventID.String()}}
	if err := c.doJSON(ctx, destination, http.MethodGet, path, query, nil, &response); err != nil {
		return nil, fmt.Errorf("fetching state IDs at %s from %s: %w", eventID, destination, err)
	}
	return &response, nil
}

// Backfill fetches history preceding from.
func (c *HTTPClient) Backfill(ctx context.Context, destination ref.ServerName, roomID ref.RoomID, from []ref.EventID, limit int) (*Transaction, error) {
	var response Transaction
	path := "/_matrix/federation/v1/backfill/" + url.PathEscape(roomID.String())
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	for _, eventID := range from {
		query.Add("v", eventID.String())
	}
	if err := c.doJSON(ctx, destination, http.MethodGet, path, query, nil, &response); err != nil {
		return nil, fmt.Errorf("backfilling %s from %s: %w", roomID, destination, err)
	}
	return &response, nil
}

// GetServerKeys fetches the destination's key document.
func (c *HTTPClient) GetServerKeys(ctx context.Context, destination ref.ServerName) (json.RawMessage, error) {
	var document json.RawMessage
	if err := c.doJSON(ctx, destination, http.MethodGet, "/_matrix/key/v2/server", nil, nil, &document); err != nil {
		return nil, fmt.Errorf("fetching keys of %s: %w", destination, err)
	}
	return document, nil
}

// FetchServerKeys lets the key ring fetch through this client.
func (c *HTTPClient) FetchServerKeys(ctx context.Context, server ref.ServerName) (json.RawMessage, error) {
	return c.GetServerKeys(ctx, server)
}

func (c *HTTPClient) limiter(destination ref.ServerName) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[destination]
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.limiters[destination] = limiter
	}
	return limiter
}

// doJSON performs a signed request and decodes a 2xx body into
// response. Other statuses become *Error.
func (c *HTTPClient) doJSON(ctx context.Context, destination ref.ServerName, method, path string, query url.Values, requestBody any, response any) error {
	if err := c.limiter(destination).Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit: %w", err)
	}

	requestURI := path
	if len(query) > 0 {
		requestURI += "?" + query.Encode()
	}

	var content json.RawMessage
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		content = encoded
		bodyReader = bytes.NewReader(encoded)
	}

	authorization, err := SignRequest(c.serverName, destination, c.keyPair, method, requestURI, content)
	if err != nil {
		return err
	}

	baseURL := strings.TrimRight(c.resolve(destination), "/")
	request, err := http.NewRequestWithContext(ctx, method, baseURL+requestURI, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	request.Header.Set("Authorization", authorization)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer httpResponse.Body.Close()

	body, err := readResponse(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	if httpResponse.StatusCode >= 200 && httpResponse.StatusCode < 300 {
		if err := json.Unmarshal(body, response); err != nil {
			return &Error{Code: ErrCodeBadJSON, Message: err.Error(), StatusCode: httpResponse.StatusCode, Destination: destination.String()}
		}
		return nil
	}

	remoteErr := &Error{StatusCode: httpResponse.StatusCode, Destination: destination.String()}
	if json.Unmarshal(body, remoteErr) != nil || remoteErr.Code == "" {
		remoteErr.Code = ErrCodeUnknown
		remoteErr.Message = strings.TrimSpace(string(body))
	}
	c.logger.Debug("federation request failed",
		"destination", destination,
		"method", method,
		"path", path,
		"status", httpResponse.StatusCode,
		"errcode", remoteErr.Code,
	)
	return remoteErr
}

// readResponse reads at most MaxResponseSize bytes and fails when the
// body is longer.
func readResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
