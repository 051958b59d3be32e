package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/threadsync/internal/threaddb"
)

const defaultPageLimit = 100

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// MaxRetries bounds transparent retries of idempotent reads. Mutations
	// are always sent once.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RequestsPerSecond paces outgoing requests; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// HTTPClient talks to the threads backend over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	return NewHTTPClientWithOptions(ClientOptions{BaseURL: baseURL, Token: token, HTTPClient: httpClient, MaxRetries: 3})
}

func NewHTTPClientWithOptions(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		limiter:    limiter,
		logger:     logger,
	}
}

// BaseURL is exposed for the change feed, which dials the same host.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) Token() string {
	return c.token
}

func (c *HTTPClient) GetThreads(ctx context.Context, req ThreadsRequest) (ThreadsPage, error) {
	q := url.Values{}
	if req.RoomID != "" {
		q.Set("roomId", req.RoomID)
	}
	if !req.Query.IsEmpty() {
		raw, err := json.Marshal(req.Query)
		if err != nil {
			return ThreadsPage{}, err
		}
		q.Set("query", string(raw))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))
	var out ThreadsPage
	err := c.doJSON(ctx, http.MethodGet, "/v1/threads?"+q.Encode(), "", nil, &out, true)
	return out, err
}

// GetAllThreads follows next cursors until the result set is exhausted.
func (c *HTTPClient) GetAllThreads(ctx context.Context, roomID string, query threaddb.Query) (ThreadsPage, error) {
	var merged ThreadsPage
	seenNotifications := map[string]struct{}{}
	seenSubscriptions := map[string]struct{}{}
	cursor := ""
	for {
		page, err := c.GetThreads(ctx, ThreadsRequest{RoomID: roomID, Query: query, Cursor: cursor})
		if err != nil {
			return ThreadsPage{}, err
		}
		if merged.RequestedAt.IsZero() {
			merged.RequestedAt = page.RequestedAt
		}
		merged.Threads = append(merged.Threads, page.Threads...)
		for _, n := range page.InboxNotifications {
			if _, ok := seenNotifications[n.ID]; ok {
				continue
			}
			seenNotifications[n.ID] = struct{}{}
			merged.InboxNotifications = append(merged.InboxNotifications, n)
		}
		for _, s := range page.Subscriptions {
			if _, ok := seenSubscriptions[s.ThreadID]; ok {
				continue
			}
			seenSubscriptions[s.ThreadID] = struct{}{}
			merged.Subscriptions = append(merged.Subscriptions, s)
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			return merged, nil
		}
		cursor = *page.NextCursor
	}
}

func (c *HTTPClient) GetDelta(ctx context.Context, since time.Time) (DeltaResponse, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	var out DeltaResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/threads/delta?"+q.Encode(), "", nil, &out, true)
	return out, err
}

func (c *HTTPClient) CreateThread(ctx context.Context, correlationID, roomID string, req CreateThreadRequest) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads"), correlationID, req, &out, false)
	return out, err
}

func (c *HTTPClient) EditThreadMetadata(ctx context.Context, correlationID, roomID, threadID string, metadata map[string]any) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "metadata"), correlationID, EditMetadataRequest{Metadata: metadata}, &out, false)
	return out, err
}

func (c *HTTPClient) MarkThreadResolved(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "mark-as-resolved"), correlationID, nil, &out, false)
	return out, err
}

func (c *HTTPClient) MarkThreadUnresolved(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "mark-as-unresolved"), correlationID, nil, &out, false)
	return out, err
}

func (c *HTTPClient) DeleteThread(ctx context.Context, correlationID, roomID, threadID string) error {
	return c.doJSON(ctx, http.MethodDelete, roomPath(roomID, "threads", threadID), correlationID, nil, nil, false)
}

func (c *HTTPClient) CreateComment(ctx context.Context, correlationID, roomID, threadID string, req CreateCommentRequest) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "comments"), correlationID, req, &out, false)
	return out, err
}

func (c *HTTPClient) EditComment(ctx context.Context, correlationID, roomID, threadID, commentID string, req EditCommentRequest) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "comments", commentID), correlationID, req, &out, false)
	return out, err
}

// DeleteComment returns the thread after the deletion, which is itself
// deleted when the last live comment goes away.
func (c *HTTPClient) DeleteComment(ctx context.Context, correlationID, roomID, threadID, commentID string) (threaddb.ThreadRecord, error) {
	var out threaddb.ThreadRecord
	err := c.doJSON(ctx, http.MethodDelete, roomPath(roomID, "threads", threadID, "comments", commentID), correlationID, nil, &out, false)
	return out, err
}

func (c *HTTPClient) SubscribeToThread(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadSubscription, error) {
	var out threaddb.ThreadSubscription
	err := c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "subscribe"), correlationID, nil, &out, false)
	return out, err
}

func (c *HTTPClient) UnsubscribeFromThread(ctx context.Context, correlationID, roomID, threadID string) error {
	return c.doJSON(ctx, http.MethodPost, roomPath(roomID, "threads", threadID, "unsubscribe"), correlationID, nil, nil, false)
}

func (c *HTTPClient) GetInboxNotifications(ctx context.Context) ([]threaddb.InboxNotification, error) {
	var out InboxResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/inbox-notifications", "", nil, &out, true); err != nil {
		return nil, err
	}
	return out.InboxNotifications, nil
}

func (c *HTTPClient) MarkNotificationsRead(ctx context.Context, correlationID string, req MarkReadRequest) (MarkReadResponse, error) {
	var out MarkReadResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/inbox-notifications/read", correlationID, req, &out, false)
	return out, err
}

func roomPath(roomID string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/v1/rooms/")
	b.WriteString(url.PathEscape(roomID))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath, correlationID string,
	body any,
	out any,
	retry bool,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				c.logger.Debug("http_request_retry", zap.String("method", method), zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &TransportError{Method: method, Path: requestPath, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransportError{Method: method, Path: requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			c.logger.Debug("http_request_retry", zap.String("method", method), zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Int("status", resp.StatusCode))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload ErrorResponse
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.CorrelationID == "" {
			errPayload.CorrelationID = correlationID
		}
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

// NewCorrelationID returns a fresh id for the X-Correlation-Id header.
func NewCorrelationID() string {
	return "corr_" + strings.ToLower(ulid.Make().String())
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
