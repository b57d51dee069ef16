package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"walletwatch/config"
	"walletwatch/internal/metrics"
	"walletwatch/logger"
)

// StatusSource reports one component's live state for /status.
type StatusSource func() interface{}

// Server hosts the health, status and Prometheus endpoints.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	registry        *metrics.Registry
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time

	mu      sync.RWMutex
	sources map[string]StatusSource
	ready   bool
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, registry *metrics.Registry, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if registry == nil {
		return nil, errors.New("dashboard requires a metrics registry")
	}

	cfg.Addr = normalizeAddress(cfg.Addr)
	if cfg.History <= 0 {
		cfg.History = defaultHistory
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	metricStore := newMetricStore(cfg.History)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.History)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		registry:        registry,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.History, cfg.SampleInterval, "/", log),
		started:         time.Now(),
		sources:         make(map[string]StatusSource),
	}, nil
}

// AddStatusSource registers a component under name in the /status payload.
func (s *Server) AddStatusSource(name string, src StatusSource) {
	if s == nil || src == nil {
		return
	}
	s.mu.Lock()
	s.sources[name] = src
	s.mu.Unlock()
}

// SetReady flips /healthz between 200 and 503. The server starts not ready
// so health checks fail until the pipeline is running.
func (s *Server) SetReady(ready bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithField("addr", s.cfg.Addr).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) status(appName string) gin.H {
	s.mu.RLock()
	sources := make(map[string]StatusSource, len(s.sources))
	for name, src := range s.sources {
		sources[name] = src
	}
	ready := s.ready
	s.mu.RUnlock()

	components := make(gin.H, len(sources))
	for name, src := range sources {
		components[name] = src()
	}

	payload := gin.H{
		"app":            appName,
		"ready":          ready,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"components":     components,
	}
	if last, ok := s.resourceSampler.history.latest(); ok {
		payload["resources"] = last
	}
	return payload
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		s.mu.RLock()
		ready := s.ready
		s.mu.RUnlock()
		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status(appName))
	})

	router.GET("/metrics", gin.WrapH(s.registry.Handler()))

	router.GET("/api/metrics", func(c *gin.Context) {
		found := s.metricStore.query(c.Query("component"), c.Query("name"))
		payload := make([]gin.H, 0, len(found))
		for _, m := range found {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Kind,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		level := logrus.InfoLevel
		if raw := c.Query("level"); raw != "" {
			parsed, err := logrus.ParseLevel(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			level = parsed
		}
		wallet := strings.ToLower(c.Query("wallet"))
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(c.Query("component"), level, wallet)})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:2112"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "2112"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "2112")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "2112")
	}
	return addr
}
