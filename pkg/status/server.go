package status

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

// Server exposes Status over HTTP.
type Server struct {
	status   *Status
	gatherer prometheus.Gatherer
	logger   logging.Interface
}

// NewServer creates the API server. gatherer may be nil to disable
// /metrics.
func NewServer(status *Status, gatherer prometheus.Gatherer, logger logging.Interface) *Server {
	return &Server{status: status, gatherer: gatherer, logger: logger}
}

// Routes builds the gin engine.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", s.getStatus)
	router.GET("/samples", s.getSamples)
	router.POST("/interrupt", s.postInterrupt)
	save := router.Group("/save")
	{
		save.POST("/model", s.postSaveModel)
		save.POST("/samples", s.postSaveSamples)
	}
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return router
}

// getStatus handles GET /status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Snapshot())
}

// getSamples handles GET /samples
func (s *Server) getSamples(c *gin.Context) {
	v := s.status.Snapshot()
	items := make([]gin.H, 0, len(v.SampleImages))
	for i, img := range v.SampleImages {
		item := gin.H{"path": img, "name": filepath.Base(img)}
		if i < len(v.SamplePrompts) {
			item["prompt"] = v.SamplePrompts[i]
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

// postInterrupt handles POST /interrupt
func (s *Server) postInterrupt(c *gin.Context) {
	if !s.status.Snapshot().Active {
		c.JSON(http.StatusConflict, gin.H{"error": "No training run is active"})
		return
	}
	s.status.Interrupt()
	s.logger.Info("Interrupt requested over HTTP")
	c.JSON(http.StatusAccepted, gin.H{"interrupted": true})
}

// postSaveModel handles POST /save/model
func (s *Server) postSaveModel(c *gin.Context) {
	s.status.RequestSaveModel()
	c.JSON(http.StatusAccepted, gin.H{"do_save_model": true})
}

// postSaveSamples handles POST /save/samples
func (s *Server) postSaveSamples(c *gin.Context) {
	s.status.RequestSaveSamples()
	c.JSON(http.StatusAccepted, gin.H{"do_save_samples": true})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Status API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(logger logging.Interface) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := logger.
			WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(start))
		log.Debug("HTTP Request")
		for _, err := range c.Errors {
			log.WithError(err.Err).Error("Request error")
		}
	}
}
