// Package diagnostics serves metrics and read-only monitor snapshots over HTTP.
package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chainwatch/internal/alerts"
	"chainwatch/internal/borrowers"
	"chainwatch/internal/oracle"
)

// BorrowerView exposes position health snapshots.
type BorrowerView interface {
	ByHealth(maxHF float64) borrowers.Snapshot
	ByAddress(address string) []borrowers.Record
}

// OracleView exposes oracle price snapshots.
type OracleView interface {
	ByDivergence() oracle.Snapshot
	Get(key string) (oracle.Record, bool)
}

// AlertView exposes alert state.
type AlertView interface {
	Active() []alerts.Alert
	History(limit int) []alerts.HistoryEntry
	Configs() alerts.Rules
}

// Deps are the views served. Nil views answer 404.
type Deps struct {
	Borrowers BorrowerView
	Oracle    OracleView
	Alerts    AlertView
	Gatherer  prometheus.Gatherer
}

// Server is the diagnostics HTTP server.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	router *gin.Engine
	srv    *http.Server
}

// New builds the server. A nil Gatherer serves the default registry.
func New(listen string, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		logger: logger.With().Str("component", "diagnostics").Logger(),
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	// Oracle keys carry a slash and are requested percent-encoded.
	router.UseRawPath = true

	metrics := promhttp.Handler()
	if s.deps.Gatherer != nil {
		metrics = promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metrics))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	api := router.Group("/api")
	api.GET("/borrowers/by-health", s.borrowersByHealth)
	api.GET("/borrowers/:address", s.borrower)
	api.GET("/oracleprices/by-divergence", s.pricesByDivergence)
	api.GET("/oracleprices/:key", s.oraclePrice)
	api.GET("/alerts/active", s.activeAlerts)
	api.GET("/alerts/history", s.alertHistory)
	api.GET("/alerts/config", s.alertConfig)
	return router
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
}

func (s *Server) borrowersByHealth(c *gin.Context) {
	if s.deps.Borrowers == nil {
		notFound(c, "borrowers")
		return
	}
	maxHF := 0.0
	if raw := c.Query("max"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max health factor"})
			return
		}
		maxHF = v
	}
	c.JSON(http.StatusOK, s.deps.Borrowers.ByHealth(maxHF))
}

func (s *Server) borrower(c *gin.Context) {
	if s.deps.Borrowers == nil {
		notFound(c, "borrowers")
		return
	}
	records := s.deps.Borrowers.ByAddress(c.Param("address"))
	if len(records) == 0 {
		notFound(c, "borrower")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) pricesByDivergence(c *gin.Context) {
	if s.deps.Oracle == nil {
		notFound(c, "oracle prices")
		return
	}
	c.JSON(http.StatusOK, s.deps.Oracle.ByDivergence())
}

func (s *Server) oraclePrice(c *gin.Context) {
	if s.deps.Oracle == nil {
		notFound(c, "oracle prices")
		return
	}
	record, ok := s.deps.Oracle.Get(c.Param("key"))
	if !ok {
		notFound(c, "oracle price")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) activeAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		notFound(c, "alerts")
		return
	}
	c.JSON(http.StatusOK, s.deps.Alerts.Active())
}

func (s *Server) alertHistory(c *gin.Context) {
	if s.deps.Alerts == nil {
		notFound(c, "alerts")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Alerts.History(limit))
}

func (s *Server) alertConfig(c *gin.Context) {
	if s.deps.Alerts == nil {
		notFound(c, "alerts")
		return
	}
	c.JSON(http.StatusOK, s.deps.Alerts.Configs())
}

// Run serves until ctx is done, then shuts down within a second.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("diagnostics server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("diagnostics shutdown incomplete")
		return err
	}
	return nil
}
