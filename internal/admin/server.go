// Package admin serves relay and transfer status over HTTP.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rescp17/vnet/internal/metrics"
	"github.com/rescp17/vnet/pkg/history"
	"github.com/rescp17/vnet/pkg/transfer"
)

const defaultHistoryLimit = 50

// Transfers exposes the live transfer state.
type Transfers interface {
	Incoming() (transfer.Progress, bool)
	Outgoing() []transfer.Progress
}

// Server is the admin HTTP endpoint.
type Server struct {
	router    *gin.Engine
	addr      string
	log       *slog.Logger
	metrics   *metrics.Metrics
	history   history.Store
	transfers Transfers
	runtime   *runtimeMonitor
	started   time.Time
}

// NewServer builds the router. Any of m, hist and transfers may be nil.
func NewServer(addr string, m *metrics.Metrics, hist history.Store, transfers Transfers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		addr:      addr,
		log:       logger.With("component", "admin"),
		metrics:   m,
		history:   hist,
		transfers: transfers,
		runtime:   newRuntimeMonitor(),
		started:   time.Now(),
	}
	s.router.Use(gin.Recovery(), s.logRequests())

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(m))

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats", s.handleStats)
		v1.GET("/transfers", s.handleTransfers)
		v1.GET("/history", s.handleHistory)
		v1.GET("/runtime", s.handleRuntime)
	}
	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Admin server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

type transferView struct {
	ID       string `json:"id"`
	Peer     uint64 `json:"peer"`
	FileName string `json:"file_name"`
	Incoming bool   `json:"incoming"`
	Bytes    int    `json:"bytes"`
	Total    int    `json:"total"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

func viewOf(p transfer.Progress) transferView {
	v := transferView{
		ID:       p.ID.String(),
		Peer:     uint64(p.Peer),
		FileName: p.FileName,
		Incoming: p.Incoming,
		Bytes:    p.Bytes,
		Total:    p.Total,
		State:    p.State.String(),
	}
	if p.Err != nil {
		v.Error = p.Err.Error()
	}
	return v
}

func (s *Server) handleTransfers(c *gin.Context) {
	views := []transferView{}
	if s.transfers != nil {
		if in, ok := s.transfers.Incoming(); ok {
			views = append(views, viewOf(in))
		}
		for _, out := range s.transfers.Outgoing() {
			views = append(views, viewOf(out))
		}
	}
	c.JSON(http.StatusOK, gin.H{"transfers": views})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusOK, gin.H{"records": []history.Record{}})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		s.log.Error("Failed to list history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
