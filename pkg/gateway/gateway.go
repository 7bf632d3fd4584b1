package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pghoya2956/gitlab-bulk-manager/pkg/bus"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/config"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/gitlab"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/log"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/metrics"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/migrate"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/registry"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/session"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/store"
	"github.com/pghoya2956/gitlab-bulk-manager/pkg/types"
)

// cookieName carries the session id between browser and gateway.
const cookieName = "gbm_session"

// SvnEngine is the slice of the migration engine the gateway calls
// synchronously. Job execution itself goes through the registry.
type SvnEngine interface {
	Preflight(ctx context.Context) error
	ValidateParams(params *types.MigrationParams) error
	TestConnection(ctx context.Context, conn types.SvnConnection) (*types.SvnInfo, error)
	ExtractAuthors(ctx context.Context, conn types.SvnConnection) ([]string, error)
	PreviewMigration(ctx context.Context, params *types.MigrationParams) (*migrate.Preview, error)
	ListMigrations() ([]*store.MigrationRecord, error)
}

// Server is the HTTP surface: auth, the GitLab proxy, bulk and migration
// submission, job inspection and the websocket progress feed.
type Server struct {
	cfg      *config.Config
	sessions *session.Store
	reg      *registry.Registry
	bus      *bus.Bus
	raw      *gitlab.Client
	svn      SvnEngine

	rates  *sessionRates
	hub    *wsHub
	httpd  *http.Server
	stopCh chan struct{}
	logger zerolog.Logger
}

// New wires the gateway. Start must be called to serve.
func New(cfg *config.Config, sessions *session.Store, reg *registry.Registry, b *bus.Bus, raw *gitlab.Client, svn SvnEngine) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		reg:      reg,
		bus:      b,
		raw:      raw,
		svn:      svn,
		rates:    newSessionRates(cfg.Sessions.RateLimit, cfg.Sessions.RateWindow),
		hub:      newWSHub(),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("gateway"),
	}
	go s.rates.janitor(s.stopCh)
	return s
}

// Routes builds the full router. Split out from Start so tests can mount
// it on httptest servers.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(securityHeaders)
	r.Use(s.cors)
	r.Use(s.bodyLimit)
	r.Use(s.instrument)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/auth/login", s.handleLogin)
		api.Get("/auth/session", s.handleSessionInfo)

		api.Group(func(priv chi.Router) {
			priv.Use(s.requireSession)
			priv.Use(s.sessionRateLimit)

			priv.Post("/auth/logout", s.handleLogout)

			priv.Route("/gitlab", func(gl chi.Router) {
				gl.Post("/bulk/import", s.handleBulkImport)
				gl.Put("/bulk/settings/{scope}", s.handleBulkSettings)
				gl.Delete("/bulk/delete", s.handleBulkDelete)
				gl.Post("/bulk/members", s.handleBulkMembers)
				gl.HandleFunc("/*", s.handleProxy)
			})

			priv.Route("/svn", func(svn chi.Router) {
				svn.Get("/migrations", s.handleMigrationList)
				svn.Post("/connection/test", s.handleSvnTest)
				svn.Post("/users/extract", s.handleSvnUsers)
				svn.Post("/migration/preview", s.handleMigrationPreview)
				svn.Post("/migration/start", s.handleMigrationStart)
				svn.Post("/migration/bulk", s.handleMigrationBulk)
				svn.Post("/migration/{id}/sync", s.handleMigrationSync)
				svn.Post("/migration/{id}/cancel", s.handleJobCancel)
				svn.Post("/migration/{id}/authors", s.handleMigrationAuthors)
			})

			priv.Get("/jobs", s.handleJobList)
			priv.Get("/jobs/{id}", s.handleJobGet)
			priv.Post("/jobs/{id}/cancel", s.handleJobCancel)
		})
	})

	r.Group(func(ws chi.Router) {
		ws.Use(s.requireSession)
		ws.Use(s.sessionRateLimit)
		ws.Get("/ws", s.handleWS)
	})

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpd = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Routes(),
		// Read/write timeouts stay unset: websocket connections manage
		// their own deadlines and a server-wide cap would sever them.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("Gateway listening")
	err := s.httpd.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and severs websocket connections,
// which Shutdown alone would not touch once hijacked.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	s.hub.closeAll()
	if s.httpd == nil {
		return nil
	}
	return s.httpd.Shutdown(ctx)
}

// sessionRates holds one coarse token bucket per session. The budget is
// deliberately generous; it exists to blunt runaway clients, not to
// meter normal use.
type sessionRates struct {
	mu      sync.Mutex
	buckets map[string]*sessionBucket
	limit   rate.Limit
	burst   int
}

type sessionBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newSessionRates(perWindow int, window time.Duration) *sessionRates {
	if perWindow <= 0 {
		perWindow = 100
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &sessionRates{
		buckets: make(map[string]*sessionBucket),
		limit:   rate.Limit(float64(perWindow) / window.Seconds()),
		burst:   perWindow,
	}
}

func (sr *sessionRates) allow(sessionID string) bool {
	sr.mu.Lock()
	b, ok := sr.buckets[sessionID]
	if !ok {
		b = &sessionBucket{lim: rate.NewLimiter(sr.limit, sr.burst)}
		sr.buckets[sessionID] = b
	}
	b.seen = time.Now()
	sr.mu.Unlock()

	return b.lim.Allow()
}

// janitor drops buckets for sessions that have gone quiet; the session
// store sweeps the sessions themselves.
func (sr *sessionRates) janitor(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			sr.mu.Lock()
			for id, b := range sr.buckets {
				if b.seen.Before(cutoff) {
					delete(sr.buckets, id)
				}
			}
			sr.mu.Unlock()
		}
	}
}
