package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"smartfeed/config"
	"smartfeed/internal/metrics"
	"smartfeed/logger"
)

// StatusSource supplies the live figures shown by the status API. Nil
// functions render as absent fields.
type StatusSource struct {
	StreamState         func() string
	StreamSubscriptions func() map[string]int
	QueueDepth          func() int
	PollSubscriptions   func() int
}

// Server hosts the Gin-powered monitoring API for smartfeed.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	source        StatusSource
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	listenAddr    string
	started       time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, source StatusSource) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		source:        source,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}
}

// Start begins serving the API and blocks only for listener setup.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/logs", s.handleLogs)
		api.GET("/metrics", s.handleMetrics)
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}

	s.started = time.Now()
	s.listenAddr = listener.Addr().String()
	s.httpServer = &http.Server{Handler: router}

	log := s.log.WithComponent("dashboard")
	log.WithFields(logger.Fields{"address": listener.Addr().String()}).Info("dashboard listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("dashboard server stopped unexpectedly")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Addr reports the address the server is listening on, empty before Start.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.listenAddr
}

// Stop shuts the server down and releases the metric handler.
func (s *Server) Stop() {
	if s == nil {
		return
	}
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	payload := gin.H{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.source.StreamState != nil {
		payload["stream_state"] = s.source.StreamState()
	}
	if s.source.StreamSubscriptions != nil {
		payload["stream_subscriptions"] = s.source.StreamSubscriptions()
	}
	if s.source.QueueDepth != nil {
		payload["historical_queue_depth"] = s.source.QueueDepth()
	}
	if s.source.PollSubscriptions != nil {
		payload["historical_subscriptions"] = s.source.PollSubscriptions()
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func (s *Server) handleMetrics(c *gin.Context) {
	items := s.metricStore.snapshot()
	out := make([]gin.H, 0, len(items))
	for _, m := range items {
		out = append(out, gin.H{
			"timestamp": m.Timestamp,
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": out})
}

// normalizeAddress accepts ":port", "host:port" or a bare port.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8390"
	}
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}
