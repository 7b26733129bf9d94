// Package httpapi maps the event streaming core onto HTTP (spec §4.7,
// C7): thread registry operations, the Dispatch Bridge's execute, and the
// Stream Session's SSE output, routed with chi and grounded on
// ashureev-shsh-labs/internal/agent/handler.go's header set, Last-Event-ID
// handling, and per-user rate limiter.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/health"

	"github.com/agentflow/eventgateway/dispatch"
	"github.com/agentflow/eventgateway/streamsession"
	"github.com/agentflow/eventgateway/telemetry"
	"github.com/agentflow/eventgateway/thread"
)

// maxInitiateBodySize bounds /agent/initiate and /agent/{thread}/execute
// request bodies (1MB), mirroring the teacher's defaultMaxRequestBodySize.
const maxInitiateBodySize = 1 << 20

// legacyKeySeparator joins the legacy flowUuid/flowInputUuid pair into a
// single synonym thread ID (spec §9 Open Question: the spec normalizes
// onto the thread-mode key and treats the composite form as a synonym).
const legacyKeySeparator = "."

// Server holds the collaborators the HTTP Surface routes against.
type Server struct {
	store       thread.Store
	bridge      *dispatch.Bridge
	session     *streamsession.Session
	rateLimiter *RateLimiter
	logger      telemetry.Logger
	pingers     []health.Pinger
}

// Options configures a Server.
type Options struct {
	// Store is the Thread Registry backing store. Required.
	Store thread.Store
	// Bridge is the Dispatch Bridge used by POST /agent/{thread}/execute.
	// Required.
	Bridge *dispatch.Bridge
	// Session runs the Stream Session state machine for every SSE route.
	// Required.
	Session *streamsession.Session
	// Logger receives structured logs. Defaults to telemetry.NoopLogger.
	Logger telemetry.Logger
	// RateLimit configures the per-user limiter on execute. Zero Limit
	// disables rate limiting.
	RateLimit RateLimitConfig
	// Pingers are aggregated by GET /healthz.
	Pingers []health.Pinger
}

// RateLimitConfig configures RateLimiter.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// New constructs a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var limiter *RateLimiter
	if opts.RateLimit.Limit > 0 {
		window := opts.RateLimit.Window
		if window <= 0 {
			window = time.Minute
		}
		limiter = NewRateLimiter(opts.RateLimit.Limit, window)
	}
	return &Server{
		store:       opts.Store,
		bridge:      opts.Bridge,
		session:     opts.Session,
		rateLimiter: limiter,
		logger:      logger,
		pingers:     opts.Pingers,
	}
}

// Routes returns the chi.Router serving the event streaming HTTP surface.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth())

	r.Route("/agent", func(r chi.Router) {
		r.Post("/initiate", s.handleInitiate)
		r.Post("/{thread}/execute", s.handleExecute)
		r.Get("/{thread}/stream", s.handleStream)
		r.Get("/event-stream", s.handleLegacyStream)
	})

	return r
}

func (s *Server) handleHealth() http.HandlerFunc {
	return newHealthHandler(s.pingers)
}
