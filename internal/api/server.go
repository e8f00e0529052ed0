// Package api exposes the scheduling core over JSON/HTTP. The caller's
// identity is supplied by a trusted upstream in request headers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ptschedule/internal/apperr"
	"ptschedule/internal/availability"
	"ptschedule/internal/booking"
	"ptschedule/internal/conflict"
	"ptschedule/internal/model"
	"ptschedule/internal/schedulechange"
	"ptschedule/internal/workinghours"
)

const (
	HeaderAPIKey        = "X-Api-Key"
	HeaderPrincipalRole = "X-Principal-Role"
	HeaderPrincipalID   = "X-Principal-ID"
)

// Services are the core operations the adapter calls.
type Services struct {
	Registry *workinghours.Registry
	Resolver *availability.Resolver
	Offs     *availability.OffService
	Detector *conflict.Detector
	Booking  *booking.Service
	Changes  *schedulechange.Service
}

// Options configure the listener and its guards.
type Options struct {
	Address       string
	APIKey        string
	RatePerSecond float64
	Burst         int
}

type HTTPServer struct {
	server   *http.Server
	svc      Services
	apiKey   string
	limiters *clientLimiters
	logger   zerolog.Logger
}

func NewHTTPServer(opts Options, svc Services, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		svc:    svc,
		apiKey: opts.APIKey,
		logger: logger.With().Str("component", "http_api").Logger(),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RatePerSecond) + 1
		}
		s.limiters = newClientLimiters(opts.RatePerSecond, burst)
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.server = &http.Server{
		Addr:              opts.Address,
		Handler:           s.rateLimit(s.authenticate(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get(HeaderAPIKey) != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiters != nil && !s.limiters.get(clientKey(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "too many requests", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientLimiters keeps one token bucket per caller. Idle entries are pruned
// on access.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*client
	r       rate.Limit
	burst   int
}

const limiterIdle = 3 * time.Minute

func newClientLimiters(rps float64, burst int) *clientLimiters {
	return &clientLimiters{
		clients: make(map[string]*client),
		r:       rate.Limit(rps),
		burst:   burst,
	}
}

func (cl *clientLimiters) get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	now := time.Now()
	if c, ok := cl.clients[key]; ok {
		c.seen = now
		return c.lim
	}
	for k, c := range cl.clients {
		if now.Sub(c.seen) > limiterIdle {
			delete(cl.clients, k)
		}
	}
	l := rate.NewLimiter(cl.r, cl.burst)
	cl.clients[key] = &client{lim: l, seen: now}
	return l
}

// principal reads the trusted identity headers.
func principal(r *http.Request) (model.Principal, error) {
	role := model.Role(r.Header.Get(HeaderPrincipalRole))
	if !role.Valid() {
		return model.Principal{}, errors.New("missing or unknown " + HeaderPrincipalRole)
	}
	id, err := strconv.ParseInt(r.Header.Get(HeaderPrincipalID), 10, 64)
	if err != nil || id <= 0 {
		return model.Principal{}, errors.New("missing or invalid " + HeaderPrincipalID)
	}
	return model.Principal{Role: role, ID: id}, nil
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p model.Principal)

func (s *HTTPServer) withPrincipal(h principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := principal(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		h(w, r, p)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict, apperr.KindState:
		return http.StatusConflict
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError renders a core error. Internal causes are logged, not exposed.
func (s *HTTPServer) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Internal(err, "unexpected error")
	}
	status := statusOf(e.Kind)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, "internal error", e.Code)
		return
	}
	writeJSON(w, status, errorResponse{Error: e.Message, Code: e.Code, Detail: e.Detail})
}

func decode(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperr.Validation(apperr.CodeMissingField, "invalid JSON body")
	}
	return nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation(apperr.CodeMissingField, "invalid JSON body")
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation(apperr.CodeMissingField, "invalid %s in path", name)
	}
	return id, nil
}
