package api

import (
	"context"
	"keydrop/cfg"
	"keydrop/svc/lim"
	"keydrop/svc/svc"
	"keydrop/svc/util"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Pinger is a dependency probed by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names a readiness probe. Optional checks report "unavailable" when
// their Pinger is nil instead of failing readiness.
type Check struct {
	Name     string
	Pinger   Pinger
	Optional bool
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	checks     []Check
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, checks ...Check) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{router: r, cfg: c, checks: checks}

	r.Use(mw.Recoverer)
	r.Use(mw.CORS)
	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.Environment != "production" {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", routePattern(req)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Metrics)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{paste: p, cfg: c}
		r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
		r.With(mw.RateLimit("fetch")).Get("/pastes/{key}", hdl.GetPaste)
		r.With(mw.RateLimit("delete")).Delete("/pastes/{key}", hdl.DeletePaste)
		r.With(mw.RateLimit("download")).Get("/download-file", hdl.DownloadFile)
		r.With(mw.RateLimit("cleanup")).Post("/cleanup-expired", hdl.CleanupExpired)
	})

	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
