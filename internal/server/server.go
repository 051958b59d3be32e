package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Config struct {
	JWTSecret       string
	RateLimitRPS    float64
	RateLimitBurst  int
	MaxBodyBytes    int64
	DefaultPageSize int
	MaxPageSize     int
	Logger          *zap.Logger
}

// Server exposes a ThreadService over JSON REST plus a websocket change feed.
type Server struct {
	svc     *ThreadService
	cfg     Config
	logger  *zap.Logger
	router  *mux.Router
	limiter *limiterPool
	hub     *changeHub
	metrics *serverMetrics
	schemas *schemaSet
}

// caller is the authenticated identity of one request.
type caller struct {
	userID        string
	correlationID string
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, c caller)

func New(svc *ThreadService, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: thread service is required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = maxPageSize
	}
	if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = min(defaultPageSize, cfg.MaxPageSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	schemas, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	hub := newChangeHub(logger)
	s := &Server{
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		limiter: newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		hub:     hub,
		metrics: newServerMetrics(svc, hub),
		schemas: schemas,
	}
	svc.OnChange(hub.publish)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	r.Handle("/v1/threads", s.authed("list_threads", ScopeRead, s.handleListThreads)).Methods(http.MethodGet)
	r.Handle("/v1/threads/delta", s.authed("threads_delta", ScopeRead, s.handleDelta)).Methods(http.MethodGet)
	r.Handle("/v1/changes", s.authed("changes", ScopeRead, s.handleChanges)).Methods(http.MethodGet)
	r.Handle("/v1/inbox-notifications", s.authed("inbox", ScopeRead, s.handleInbox)).Methods(http.MethodGet)
	r.Handle("/v1/inbox-notifications/read", s.authed("mark_read", ScopeWrite, s.handleMarkRead)).Methods(http.MethodPost)

	const thread = "/v1/rooms/{roomId}/threads/{threadId}"
	r.Handle("/v1/rooms/{roomId}/threads", s.authed("create_thread", ScopeWrite, s.handleCreateThread)).Methods(http.MethodPost)
	r.Handle(thread, s.authed("delete_thread", ScopeWrite, s.handleDeleteThread)).Methods(http.MethodDelete)
	r.Handle(thread+"/metadata", s.authed("edit_metadata", ScopeWrite, s.handleEditMetadata)).Methods(http.MethodPost)
	r.Handle(thread+"/mark-as-resolved", s.authed("mark_resolved", ScopeWrite, s.handleResolved(true))).Methods(http.MethodPost)
	r.Handle(thread+"/mark-as-unresolved", s.authed("mark_unresolved", ScopeWrite, s.handleResolved(false))).Methods(http.MethodPost)
	r.Handle(thread+"/comments", s.authed("create_comment", ScopeWrite, s.handleCreateComment)).Methods(http.MethodPost)
	r.Handle(thread+"/comments/{commentId}", s.authed("edit_comment", ScopeWrite, s.handleEditComment)).Methods(http.MethodPost)
	r.Handle(thread+"/comments/{commentId}", s.authed("delete_comment", ScopeWrite, s.handleDeleteComment)).Methods(http.MethodDelete)
	r.Handle(thread+"/subscribe", s.authed("subscribe", ScopeWrite, s.handleSubscribe)).Methods(http.MethodPost)
	r.Handle(thread+"/unsubscribe", s.authed("unsubscribe", ScopeWrite, s.handleUnsubscribe)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// UpdateRateLimit applies new limits to every caller, including existing ones.
func (s *Server) UpdateRateLimit(rps float64, burst int) {
	s.limiter.configure(rps, burst)
	s.logger.Info("rate_limit_updated", zap.Float64("rps", rps), zap.Int("burst", burst))
}

// Close disconnects change feed clients.
func (s *Server) Close() {
	s.hub.close()
}

// authed checks the bearer token, the correlation id and the caller's rate
// limit before running h, and records request metrics.
func (s *Server) authed(route, scope string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.observe(route, rec.status, time.Since(started))
		}()

		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.svc.Now())
		if authErr != nil {
			writeError(rec, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(rec, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		if ok, retryAfter := s.limiter.allow(claims.Subject, time.Now()); !ok {
			s.metrics.rateLimited.Inc()
			rec.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(rec, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		h(rec, r, caller{userID: claims.Subject, correlationID: correlationID})
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request, c caller) {
	params := r.URL.Query()
	q, err := s.parseQuery(params.Get("query"))
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	cursor, err := decodeCursor(params.Get("cursor"))
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	limit := parseBoundedInt(params.Get("limit"), s.cfg.DefaultPageSize, 1, s.cfg.MaxPageSize)

	requestedAt := s.svc.RequestedAt()
	threads, hasMore, version := s.svc.ListThreads(params.Get("roomId"), q, cursor.Offset, limit)
	page := restapi.ThreadsPage{
		Threads:            threads,
		InboxNotifications: s.svc.Inbox(c.userID),
		Subscriptions:      s.svc.Subscriptions(c.userID),
		RequestedAt:        requestedAt,
	}
	if hasMore {
		next := encodeCursor(pageCursor{Offset: cursor.Offset + len(threads), Version: version})
		page.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) parseQuery(raw string) (threaddb.Query, error) {
	if strings.TrimSpace(raw) == "" {
		return threaddb.Query{}, nil
	}
	if err := s.schemas.validate(schemaQuery, []byte(raw)); err != nil {
		return threaddb.Query{}, err
	}
	q, err := threaddb.ParseQuery(raw)
	if err != nil {
		return threaddb.Query{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return q, nil
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request, c caller) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "since is required", c.correlationID)
		return
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be an RFC 3339 timestamp", c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Delta(c.userID, since))
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, c caller) {
	s.hub.serve(w, r, c.userID)
}

func (s *Server) handleInbox(w http.ResponseWriter, _ *http.Request, c caller) {
	writeJSON(w, http.StatusOK, restapi.InboxResponse{InboxNotifications: s.svc.Inbox(c.userID)})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, c caller) {
	var req restapi.MarkReadRequest
	if !s.decodeBody(w, r, c.correlationID, schemaMarkRead, &req) {
		return
	}
	resp, err := s.svc.MarkRead(c.userID, req.IDs, req.All)
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request, c caller) {
	var req restapi.CreateThreadRequest
	if !s.decodeBody(w, r, c.correlationID, schemaCreateThread, &req) {
		return
	}
	thread, err := s.svc.CreateThread(c.userID, mux.Vars(r)["roomId"], req)
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request, c caller) {
	vars := mux.Vars(r)
	if err := s.svc.DeleteThread(c.userID, vars["roomId"], vars["threadId"]); err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEditMetadata(w http.ResponseWriter, r *http.Request, c caller) {
	var req restapi.EditMetadataRequest
	if !s.decodeBody(w, r, c.correlationID, schemaEditMetadata, &req) {
		return
	}
	vars := mux.Vars(r)
	thread, err := s.svc.EditMetadata(c.userID, vars["roomId"], vars["threadId"], req.Metadata)
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleResolved(resolved bool) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, c caller) {
		vars := mux.Vars(r)
		thread, err := s.svc.SetResolved(c.userID, vars["roomId"], vars["threadId"], resolved)
		if err != nil {
			writeStoreError(s.logger, w, err, c.correlationID)
			return
		}
		writeJSON(w, http.StatusOK, thread)
	}
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request, c caller) {
	var req restapi.CreateCommentRequest
	if !s.decodeBody(w, r, c.correlationID, schemaCreateComment, &req) {
		return
	}
	vars := mux.Vars(r)
	thread, err := s.svc.CreateComment(c.userID, vars["roomId"], vars["threadId"], req)
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleEditComment(w http.ResponseWriter, r *http.Request, c caller) {
	var req restapi.EditCommentRequest
	if !s.decodeBody(w, r, c.correlationID, schemaEditComment, &req) {
		return
	}
	vars := mux.Vars(r)
	thread, err := s.svc.EditComment(c.userID, vars["roomId"], vars["threadId"], vars["commentId"], req.Body)
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request, c caller) {
	vars := mux.Vars(r)
	thread, err := s.svc.DeleteComment(c.userID, vars["roomId"], vars["threadId"], vars["commentId"])
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, c caller) {
	vars := mux.Vars(r)
	sub, err := s.svc.Subscribe(c.userID, vars["roomId"], vars["threadId"])
	if err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, c caller) {
	vars := mux.Vars(r)
	if err := s.svc.Unsubscribe(c.userID, vars["roomId"], vars["threadId"]); err != nil {
		writeStoreError(s.logger, w, err, c.correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeBody reads the body, validates it against schema and unmarshals it
// into dst. It writes the error response itself and reports whether the
// handler may continue.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.decode(schema, body, dst); err != nil {
		writeStoreError(s.logger, w, err, correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, restapi.ErrorResponse{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
	})
}

func writeStoreError(logger *zap.Logger, w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	default:
		logger.Error("request_failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
