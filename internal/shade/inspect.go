package shade

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/umbradev/umbra/internal/observability"
)

// Inspector is the worker's diagnostic HTTP surface. It is torn up and down
// by visibility notices, so Start and Stop must both be idempotent.
type Inspector struct {
	logger  zerolog.Logger
	hostID  string
	addr    string
	statusF func() gin.H

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

func NewInspector(hostID, addr string, status func() gin.H, logger zerolog.Logger) *Inspector {
	return &Inspector{
		logger:  logger,
		hostID:  hostID,
		addr:    addr,
		statusF: status,
	}
}

func (i *Inspector) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.srv != nil {
		return nil
	}

	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.InspectorTelemetry(i.hostID, i.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	started := time.Now()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).String(),
			"host":   i.hostID,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, i.statusF())
	})

	listener, err := net.Listen("tcp", i.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: r}
	i.listener = listener
	i.srv = srv

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			i.logger.Warn().Err(err).Msg("inspector serve ended")
		}
	}()
	i.logger.Info().Str("addr", listener.Addr().String()).Msg("inspector started")
	return nil
}

func (i *Inspector) Stop(ctx context.Context) error {
	i.mu.Lock()
	srv := i.srv
	i.srv = nil
	i.listener = nil
	i.mu.Unlock()
	if srv == nil {
		return nil
	}
	i.logger.Info().Msg("inspector stopping")
	return srv.Shutdown(ctx)
}

func (i *Inspector) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.srv != nil
}

// Addr reports the bound address while running, empty otherwise.
func (i *Inspector) Addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return ""
	}
	return i.listener.Addr().String()
}
