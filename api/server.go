package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"

	"dnssplit/arbiter"
	"dnssplit/daemon"
	"dnssplit/dnsmsg"
	"dnssplit/fullstats"
	"dnssplit/namelist"
)

const shutdownTimeout = 5 * time.Second

// RouteTable answers route membership for the /route probe.
type RouteTable interface {
	Contains(addr netip.Addr) bool
}

// Deps is what the status API reads. Everything in it must be safe for
// concurrent readers; the proxy loop keeps running while requests are served.
type Deps struct {
	State   *daemon.State
	Metrics *arbiter.Metrics
	Routes  RouteTable
	Lists   *namelist.Lists
	// Stats is nil unless full statistics are enabled.
	Stats  *fullstats.Tracker
	Logger *slog.Logger
}

// Server is the read-only HTTP status API.
type Server struct {
	deps   Deps
	router *gin.Engine
}

// New builds the router. It does not listen; see Run.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, router: gin.New()}
	s.router.Use(gin.Recovery(), s.logRequests)
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler)
	r.GET("/stats", s.statsHandler)
	r.GET("/stats/page", s.statsPageHandler)
	r.GET("/stats/domains", s.domainsHandler)
	r.GET("/metrics", s.metricsHandler)
	r.GET("/route/:ip", s.routeHandler)
	r.GET("/domain/:name", s.domainHandler)
}

// Run listens on port until ctx is cancelled, then shuts the server down.
// The daemon state tracks whether the API is up.
func (s *Server) Run(ctx context.Context, port string) error {
	trimmed := strings.TrimSpace(port)
	if trimmed == "" {
		return errors.New("api: empty port")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", trimmed))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	state := s.deps.State
	if state != nil {
		if state.APIRunning() {
			_ = ln.Close()
			return errors.New("api: server already running")
		}
		state.SetAPIRunning(true)
		defer state.SetAPIRunning(false)
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.logInfo("API server starting", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		s.logInfo("API server stopped")
		return nil
	}
	s.logError("API server stopped with error", "error", err)
	return err
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	if s.deps.Logger != nil {
		s.deps.Logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) logInfo(msg string, keyValues ...any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Info(msg, keyValues...)
	}
}

func (s *Server) logError(msg string, keyValues ...any) {
	if s.deps.Logger != nil {
		s.deps.Logger.Error(msg, keyValues...)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyHandler reports 200 once the proxy loop is running.
func (s *Server) readyHandler(c *gin.Context) {
	state := s.deps.State
	if state == nil || !state.ServerStatus() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) statsHandler(c *gin.Context) {
	resp := gin.H{}
	if s.deps.Metrics != nil {
		resp["counters"] = s.deps.Metrics.Snapshot()
	}
	if state := s.deps.State; state != nil {
		mode, ups := state.Upstreams()
		resp["mode"] = mode
		resp["upstreams"] = ups
		resp["inventory"] = state.Inventory()
		resp["uptime"] = roundDuration(state.Uptime())
		resp["started"] = state.Started().Format(time.RFC3339)
		resp["listener"] = state.ListenerSnapshot().DNSAddress
	}
	if s.deps.Stats != nil {
		resp["full_stats_dropped"] = s.deps.Stats.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) metricsHandler(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)
	if s.deps.Metrics != nil {
		s.deps.Metrics.WritePrometheus(c.Writer)
	}
	vm.WriteProcessMetrics(c.Writer)
}

// routeHandler reports whether an address falls inside the loaded route tables,
// i.e. whether an untrusted answer with that address would be accepted.
func (s *Server) routeHandler(c *gin.Context) {
	addr, err := netip.ParseAddr(strings.TrimSpace(c.Param("ip")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		return
	}
	inRoutes := s.deps.Routes != nil && s.deps.Routes.Contains(addr)
	c.JSON(http.StatusOK, gin.H{"ip": addr.String(), "in_routes": inRoutes})
}

// domainHandler reports the list classification of a name.
func (s *Server) domainHandler(c *gin.Context) {
	name := dnsmsg.NormalizeName(c.Param("name"))
	if name == "" || name == "." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain name"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "match": s.deps.Lists.Classify(name).String()})
}

func (s *Server) domainsHandler(c *gin.Context) {
	if s.deps.Stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "full stats disabled"})
		return
	}
	limit := statsPageLimit
	if n := c.Query("limit"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	doms, err := s.deps.Stats.GetAllDomains()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(doms), "domains": topDomains(doms, limit)})
}
