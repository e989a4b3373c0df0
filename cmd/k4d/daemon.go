package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/events"
	"github.com/dougsko/k4d/pkg/gateway"
	"github.com/dougsko/k4d/pkg/logging"
	"github.com/dougsko/k4d/pkg/metrics"
	"github.com/dougsko/k4d/pkg/session"
	"github.com/dougsko/k4d/pkg/storage"
)

// K4Daemon owns the radio sessions and serves the REST API and the
// websocket gateway
type K4Daemon struct {
	config    *config.Config
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time

	store   *storage.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	router  *session.Router
	gateway *gateway.Gateway

	webServer *http.Server
}

// NewK4Daemon creates a new daemon instance. addr overrides the
// configured listen address when set.
func NewK4Daemon(cfg *config.Config, addr string) (*K4Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &K4Daemon{
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		bus:       events.NewBus(),
	}

	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
	}

	store, err := storage.NewStore(cfg.Storage.DatabasePath, cfg.Storage.CommandHistory)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store

	if err := session.Seed(store, cfg); err != nil {
		store.Close()
		cancel()
		return nil, fmt.Errorf("failed to seed radios: %w", err)
	}

	d.router = session.NewRouter(store, cfg, d.bus, d.metrics, store)
	d.gateway = gateway.New(d.router, d.bus, d.metrics, cfg)

	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Web.BindAddress, cfg.Web.Port)
	}
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: d.setupRoutes(),
	}

	return d, nil
}

// Addr returns the web listen address
func (d *K4Daemon) Addr() string {
	return d.webServer.Addr
}

// Start starts the gateway, the web server and, when configured, the
// last active radio
func (d *K4Daemon) Start() error {
	logging.Info(logging.CompMain, "Starting k4d daemon...")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.gateway.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Errorf(logging.CompGateway, "gateway stopped: %v", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Infof(logging.CompAPI, "Starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf(logging.CompAPI, "Web server error: %v", err)
		}
	}()

	if d.config.Radio.Autoconnect {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.router.Restore(d.ctx); err != nil {
				logging.Warn(logging.CompSession, "Failed to restore active radio", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	return nil
}

// Stop stops the daemon gracefully. The radio is released with RX;
// before its socket closes.
func (d *K4Daemon) Stop() error {
	logging.Info(logging.CompMain, "Stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warnf(logging.CompAPI, "Web server shutdown error: %v", err)
		}
	}

	d.gateway.Close()
	d.wg.Wait()
	d.router.Close()
	d.bus.Close()

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	logging.Info(logging.CompMain, "Daemon stopped")
	return nil
}

// setupRoutes builds the REST API, websocket and metrics routes
func (d *K4Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)

		api.GET("/radios", d.handleListRadios)
		api.GET("/radios/active", d.handleGetActiveRadio)
		api.POST("/radios", d.handleAddRadio)
		api.POST("/radios/deactivate", d.handleDeactivate)
		api.PUT("/radios/:id", d.handleUpdateRadio)
		api.DELETE("/radios/:id", d.handleDeleteRadio)
		api.POST("/radios/:id/activate", d.handleActivate)

		api.GET("/commands", d.handleListCommands)
		api.POST("/cat", d.handleSendCAT)
		api.GET("/history", d.handleGetHistory)

		api.GET("/panadapter", d.handleGetPanadapter)
		api.GET("/audio", d.handleGetAudio)
		api.PUT("/audio", d.handleSetAudio)
	}

	router.GET("/ws", gin.WrapH(d.gateway))

	if d.metrics != nil {
		router.GET(d.config.Metrics.Path, gin.WrapH(d.metrics.Handler()))
	}

	return router
}

// requestLogger logs each API request through the component logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		logging.Debug(logging.CompAPI, "request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
