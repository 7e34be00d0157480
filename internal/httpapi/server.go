package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/store"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/workflows"
)

// DemoProduct is analysed by GET /api/v1/demo
const DemoProduct = "iPhone 17 Pro Max"

const maxBodyBytes = 1 << 20

// Engine is the part of the workflow engine the API drives
type Engine interface {
	Submit(ctx context.Context, product string, params state.Params) (string, error)
	OnComplete(hook workflows.CompletionHook)
}

// Options wires the API to the rest of the service
type Options struct {
	Engine  Engine
	Store   store.Store
	Policy  policy.Engine
	Limiter *RateLimiter
	Streams *streaming.Manager
	Auth    *auth.Middleware

	MaxInflight int
	CORSOrigins []string
	Version     string
	Logger      *zap.Logger
}

// Handler serves the submission, polling and progress endpoints
type Handler struct {
	engine  Engine
	store   store.Store
	policy  policy.Engine
	limiter *RateLimiter
	streams *streaming.Manager
	auth    *auth.Middleware
	slots   *inflight
	cors    []string
	version string
	logger  *zap.Logger
	started time.Time
}

// NewHandler builds the API and registers the in-flight release hook on the engine
func NewHandler(opts Options) (*Handler, error) {
	if opts.Engine == nil || opts.Store == nil {
		return nil, fmt.Errorf("httpapi requires an engine and a store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Streams == nil {
		opts.Streams = streaming.Get()
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewMiddleware(nil, true, opts.Logger)
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	h := &Handler{
		engine:  opts.Engine,
		store:   opts.Store,
		policy:  opts.Policy,
		limiter: opts.Limiter,
		streams: opts.Streams,
		auth:    opts.Auth,
		slots:   newInflight(opts.MaxInflight),
		cors:    opts.CORSOrigins,
		version: opts.Version,
		logger:  opts.Logger,
		started: time.Now(),
	}
	opts.Engine.OnComplete(h.slots.Release)
	return h, nil
}

// Routes returns the full middleware-wrapped handler
func (h *Handler) Routes() http.Handler {
	api := http.NewServeMux()
	api.Handle("POST /api/v1/analyze", auth.RequireScope(auth.ScopeAnalysesWrite, http.HandlerFunc(h.handleAnalyze)))
	api.Handle("GET /api/v1/demo", auth.RequireScope(auth.ScopeAnalysesWrite, http.HandlerFunc(h.handleDemo)))
	api.Handle("GET /api/v1/results/{id}", auth.RequireScope(auth.ScopeAnalysesRead, http.HandlerFunc(h.handleResult)))
	api.Handle("GET /api/v1/analyses", auth.RequireScope(auth.ScopeAnalysesRead, http.HandlerFunc(h.handleList)))
	api.Handle("GET /api/v1/stream/ws", auth.RequireScope(auth.ScopeAnalysesRead, http.HandlerFunc(h.handleWS)))
	api.Handle("GET /api/v1/stream/sse", auth.RequireScope(auth.ScopeAnalysesRead, http.HandlerFunc(h.handleSSE)))

	root := http.NewServeMux()
	root.HandleFunc("GET /{$}", h.handleRoot)
	root.Handle("/api/", h.auth.HTTPMiddleware(api))

	return corsHandler(h.cors)(requestLogger(h.logger, root))
}

// InFlight reports the number of admitted analyses still running
func (h *Handler) InFlight() int { return h.slots.InFlight() }

type analyzeRequest struct {
	ProductName  string        `json:"product_name"`
	AnalysisType string        `json:"analysis_type,omitempty"`
	Params       *state.Params `json:"params,omitempty"`
}

type analyzeResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	ResultURL string `json:"result_url"`
	Demo      bool   `json:"demo,omitempty"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":           "Market Analysis Service",
		"version":        h.version,
		"status":         "operational",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"endpoints": map[string]string{
			"/api/v1/analyze":      "POST - Submit analysis request",
			"/api/v1/results/{id}": "GET - Retrieve analysis results",
			"/api/v1/analyses":     "GET - List recent analyses",
			"/api/v1/demo":         "GET - Run demo analysis",
			"/api/v1/stream/ws":    "GET - Websocket progress events",
			"/api/v1/stream/sse":   "GET - Server-sent progress events",
			"/health":              "GET - Health check (admin port)",
			"/metrics":             "GET - Prometheus metrics (admin port)",
		},
	})
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var params state.Params
	if req.Params != nil {
		params = *req.Params
	}
	if req.AnalysisType != "" {
		params.AnalysisType = req.AnalysisType
	}
	h.submit(w, r, req.ProductName, params, false)
}

func (h *Handler) handleDemo(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, DemoProduct, state.Params{}, true)
}

// submit runs admission in order: validation, rate limit, policy, in-flight ceiling
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, product string, params state.Params, demo bool) {
	ctx := r.Context()
	product = strings.TrimSpace(product)
	if product == "" {
		reject(w, "invalid", http.StatusBadRequest, "product_name is required")
		return
	}
	principal, _ := auth.GetPrincipal(ctx)
	ip := clientIP(r)

	if h.limiter != nil {
		key := ip
		if principal != nil && !principal.Anonymous {
			key = principal.Subject
		}
		d, err := h.limiter.Allow(ctx, key)
		if err != nil {
			h.logger.Warn("Rate limiter unavailable, admitting request", zap.Error(err))
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			reject(w, "rate_limited", http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if h.policy != nil {
		in := &policy.AdmissionInput{
			ProductName:  product,
			AnalysisType: params.AnalysisType,
			Params:       params,
			ClientIP:     ip,
		}
		if principal != nil {
			in.Subject = principal.Subject
		}
		decision, err := h.policy.Evaluate(ctx, in)
		if err != nil {
			h.logger.Warn("Admission policy error", zap.Error(err))
		}
		if decision == nil || !decision.Allow {
			reason := "denied by admission policy"
			if decision != nil && decision.Reason != "" {
				reason = decision.Reason
			}
			reject(w, "policy", http.StatusForbidden, reason)
			return
		}
	}

	ticket, ok := h.slots.TryAcquire()
	if !ok {
		reject(w, "inflight", http.StatusTooManyRequests, "too many analyses in flight")
		return
	}
	id, err := h.engine.Submit(ctx, product, params)
	if err != nil {
		h.slots.Abort(ticket)
		switch {
		case errors.Is(err, store.ErrEmptyProduct):
			reject(w, "invalid", http.StatusBadRequest, "product_name is required")
		case errors.Is(err, workflows.ErrEngineClosed):
			reject(w, "shutdown", http.StatusServiceUnavailable, "service is shutting down")
		default:
			h.logger.Error("Submit failed", zap.String("product_name", product), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to submit analysis")
		}
		return
	}
	h.slots.Track(ticket, id)

	h.logger.Info("Analysis accepted",
		zap.String("request_id", id),
		zap.String("product_name", product),
		zap.Bool("demo", demo),
	)
	writeJSON(w, http.StatusAccepted, analyzeResponse{
		RequestID: id,
		Status:    "processing",
		Message:   fmt.Sprintf("Analysis started for %s", product),
		ResultURL: "/api/v1/results/" + id,
		Demo:      demo,
	})
}

// resultView is the polling representation of a request
type resultView struct {
	*state.AnalysisState
	DurationSeconds float64       `json:"duration_seconds"`
	Report          *state.Report `json:"report,omitempty"`
}

func newResultView(s *state.AnalysisState) resultView {
	v := resultView{
		AnalysisState:   s,
		DurationSeconds: s.Duration(time.Now().UTC()).Seconds(),
	}
	if rep, ok := s.Report(); ok {
		v.Report = rep
	}
	return v
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		h.logger.Error("Result lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
		return
	}
	writeJSON(w, http.StatusOK, newResultView(s))
}

type listItem struct {
	RequestID    string           `json:"request_id"`
	ProductName  string           `json:"product_name"`
	Status       state.Status     `json:"status"`
	CurrentStage *state.StageName `json:"current_stage,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ResultURL    string           `json:"result_url"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	states, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("List failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}
	items := make([]listItem, 0, len(states))
	for _, s := range states {
		items = append(items, listItem{
			RequestID:    s.RequestID,
			ProductName:  s.ProductName,
			Status:       s.Status,
			CurrentStage: s.CurrentStage,
			CreatedAt:    s.CreatedAt,
			CompletedAt:  s.CompletedAt,
			ResultURL:    "/api/v1/results/" + s.RequestID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyses": items,
		"count":    len(items),
	})
}

func reject(w http.ResponseWriter, reason string, status int, msg string) {
	metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	writeError(w, status, msg)
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
