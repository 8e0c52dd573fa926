// Package intake exposes a dispatcher over HTTP so that local agents can
// push log records to the shipper.
package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-logs-shipper/common"
	"github.com/newrelic/newrelic-logs-shipper/dispatcher"
	"github.com/newrelic/newrelic-logs-shipper/unmarshal"
)

// LogsPath is the route records are posted to.
const LogsPath = "/v1/logs"

// MaxBodySize is the default bound of a request body, before and after
// decompression. Larger bodies are refused with 413.
const MaxBodySize = 4 * common.MaxBufferSize

// errBodyTooLarge is returned by readBody for bodies above the limit.
var errBodyTooLarge = errors.New("request body too large")

// Shipper is the part of the dispatcher the intake server drives.
type Shipper interface {
	Submit(events []common.RawRecord) error
	Stats() dispatcher.Stats
}

// Server is the HTTP intake in front of a Shipper.
type Server struct {
	shipper Shipper
	router  *gin.Engine
	server  *http.Server
	addr    string
	log     *logrus.Logger
	started time.Time
	maxBody int64
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodySize overrides MaxBodySize.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// NewServer creates a Server listening on addr once started.
func NewServer(shipper Shipper, addr string, log *logrus.Logger, opts ...Option) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	s := &Server{
		shipper: shipper,
		router:  router,
		addr:    addr,
		log:     log,
		started: time.Now(),
		maxBody: MaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthCheck)
	s.router.POST(LogsPath, s.postLogs)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.log.Infof("intake listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down. A Server stopped before Start
// never serves.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"stats":  s.shipper.Stats(),
	})
}

func (s *Server) postLogs(c *gin.Context) {
	data, err := s.readBody(c)
	switch {
	case errors.Is(err, errBodyTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var event unmarshal.Event
	if err := event.Unmarshal(bytes.NewReader(data)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	unmarshal.HoistOCIMessage(event.Records)

	if err := s.shipper.Submit(event.Records); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatcher.ErrDraining) || errors.Is(err, dispatcher.ErrNotStarted) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": len(event.Records)})
}

// readBody returns the whole decoded body, or errBodyTooLarge when either
// the wire body or its decompressed form exceeds the limit. A body is never
// truncated.
func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)

	body, err := requestBody(c.Request)
	if err != nil {
		return nil, tooLarge(err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, s.maxBody+1))
	if err != nil {
		return nil, tooLarge(err)
	}
	if int64(len(data)) > s.maxBody {
		return nil, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, s.maxBody)
	}
	return data, nil
}

func tooLarge(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, maxErr.Limit)
	}
	return err
}

func requestBody(r *http.Request) (io.ReadCloser, error) {
	if r.Header.Get(common.HeaderContentEncoding) != common.EncodingGzip {
		return r.Body, nil
	}
	zr, err := gzip.NewReader(r.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid gzip body: %w", err)
	}
	return zr, nil
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("intake request")
	}
}
