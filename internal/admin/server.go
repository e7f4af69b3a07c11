// Package admin serves the monitor's HTTP status, metrics, and probe routes.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/lifeline/internal/auth"
	"github.com/danmuck/lifeline/internal/heartbeat"
	"github.com/danmuck/lifeline/internal/observability"
	"github.com/danmuck/lifeline/internal/recovery"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// MonitorView is the part of heartbeat.Monitor the admin surface uses.
type MonitorView interface {
	Snapshot() []heartbeat.PeerStatus
	Peer(id heartbeat.PeerID) (heartbeat.PeerStatus, bool)
	RestartPeer(id heartbeat.PeerID) error
}

// EpisodeView lists open loss episodes.
type EpisodeView interface {
	Episodes() []recovery.EpisodeStatus
}

type Config struct {
	App  string
	Addr string
	// MaxGoroutines fails liveness above this count; zero disables the check.
	MaxGoroutines int
	// Token, when set, is required as a bearer token on mutating routes.
	Token string
}

type Server struct {
	cfg      Config
	monitor  MonitorView
	episodes EpisodeView
	router   *gin.Engine
	health   healthcheck.Handler
	appeared time.Time
}

// New wires the routes. episodes may be nil.
func New(cfg Config, monitor MonitorView, episodes EpisodeView) *Server {
	if cfg.App == "" {
		cfg.App = "lifeline"
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.App))

	s := &Server{
		cfg:      cfg,
		monitor:  monitor,
		episodes: episodes,
		router:   r,
		health:   healthcheck.NewHandler(),
		appeared: time.Now(),
	}
	s.registerChecks()
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerChecks() {
	if s.cfg.MaxGoroutines > 0 {
		s.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(s.cfg.MaxGoroutines))
	}
	for _, st := range s.monitor.Snapshot() {
		id := st.ID
		s.health.AddReadinessCheck("peer-"+string(id), func() error {
			st, ok := s.monitor.Peer(id)
			if !ok {
				return fmt.Errorf("peer %s not registered", id)
			}
			if st.Halted {
				return fmt.Errorf("peer %s halted: %s", id, st.LastError)
			}
			return nil
		})
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.App,
			"version":   Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/live", gin.WrapF(s.health.LiveEndpoint))
	s.router.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))

	s.router.GET("/status", func(c *gin.Context) {
		body := gin.H{"peers": s.monitor.Snapshot()}
		if s.episodes != nil {
			body["episodes"] = s.episodes.Episodes()
		}
		c.JSON(http.StatusOK, body)
	})

	s.router.GET("/peers/:peer", func(c *gin.Context) {
		st, ok := s.monitor.Peer(heartbeat.PeerID(c.Param("peer")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	mutate := []gin.HandlerFunc{}
	if s.cfg.Token != "" {
		mutate = append(mutate, auth.RequireToken(auth.StaticToken{Token: s.cfg.Token}))
	}
	s.router.POST("/peers/:peer/restart", append(mutate, func(c *gin.Context) {
		id := heartbeat.PeerID(c.Param("peer"))
		if err := s.monitor.RestartPeer(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, heartbeat.ErrUnknownPeer) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("peer", string(id)).Msg("admin.Server restart requested")
		c.JSON(http.StatusAccepted, gin.H{"status": "restarting", "peer": id})
	})...)
}

// Serve runs the HTTP server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin.Server.Serve listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}
