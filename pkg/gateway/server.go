// Package gateway terminates authentication at the platform edge and
// forwards everything else: REST traffic through the reverse proxy, realtime
// traffic through the hub.
package gateway

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/config"
	"github.com/cloudbro-kube-ai/opshub/pkg/health"
	"github.com/cloudbro-kube-ai/opshub/pkg/httperr"
	"github.com/cloudbro-kube-ai/opshub/pkg/proxy"
	"github.com/cloudbro-kube-ai/opshub/pkg/ratelimit"
	"github.com/cloudbro-kube-ai/opshub/pkg/realtime"
	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

// Version is stamped at build time.
var Version = "dev"

const serviceName = "api-gateway"

// Server wires the gateway's edge concerns into one router.
type Server struct {
	tokens  *token.Service
	limiter *ratelimit.Limiter
	proxy   *proxy.Proxy
	hub     *realtime.Hub
	checks  *health.Aggregator
	metrics *Metrics
	log     *zap.Logger

	trustProxy  bool
	corsOrigins []string
	apiPreset   ratelimit.Preset
}

// NewServer assembles the gateway from its parts.
func NewServer(cfg *config.GatewayConfig, tokens *token.Service, limiter *ratelimit.Limiter,
	px *proxy.Proxy, hub *realtime.Hub, checks *health.Aggregator, log *zap.Logger) *Server {
	s := &Server{
		tokens:      tokens,
		limiter:     limiter,
		proxy:       px,
		hub:         hub,
		checks:      checks,
		log:         log,
		trustProxy:  cfg.TrustProxy,
		corsOrigins: cfg.CORSOrigins,
		apiPreset: ratelimit.Preset{
			Name:   "api",
			Window: cfg.RateLimit.Window,
			Limit:  cfg.RateLimit.MaxRequests,
		},
	}
	s.metrics = NewMetrics(func() float64 {
		return float64(hub.ActiveConnections())
	})
	return s
}

// Router builds the full middleware chain and route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(recoverer(s.log))
	r.Use(correlation)
	r.Use(s.metrics.Middleware)
	r.Use(requestLogger(s.log))

	origins := s.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// The realtime handshake carries its own credential (header or first
	// frame), so /ws sits outside the bearer middleware.
	r.Get("/ws", realtime.Handler(s.hub, s.tokens, s.log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(s.limiter.LoginMiddleware(s.trustProxy)).Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/logout", s.handleLogout)
				r.Get("/verify", s.handleVerify)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.limiter.Middleware(s.apiPreset, s.trustProxy))

			r.Get("/system/health", s.handleSystemHealth)

			services := s.proxy.Services()
			sort.Strings(services)
			for _, svc := range services {
				r.Mount("/"+svc, s.proxy.Handler(svc))
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httperr.WriteCode(w, httperr.CodeNotFound, "Resource not found")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httperr.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"service":   serviceName,
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checks.Check(r.Context())
	httperr.WriteJSON(w, http.StatusOK, report)
}
