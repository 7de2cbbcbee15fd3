package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/events"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/handlers"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Run the HTTP API and the automation engine",
	RunE:    serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg, Version)
	if err != nil {
		log.Warnf("OpenTelemetry disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	bus := events.NewBus(cfg.EventBus.Buffer, log)
	var publisher handlers.EventPublisher
	if a.engine != nil {
		if err := bus.Subscribe(context.Background(), events.Dispatch(a.engine.Dispatcher())); err != nil {
			return err
		}
		if err := a.engine.Start(context.Background()); err != nil {
			return fmt.Errorf("start automation engine: %w", err)
		}
		publisher = bus
		log.Infof("Automation engine started (tick %s, %d workers)", cfg.Automation.TickInterval, cfg.Automation.Workers)
	} else {
		log.Warn("Automation engine disabled by configuration")
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterDeps{
		Config:        cfg,
		DB:            a.db,
		Engine:        a.engineStatus(),
		Automation:    a.service,
		Events:        publisher,
		Notifications: a.notifier,
		Hub:           a.hub,
		Gatherer:      a.registry,
		Version:       Version,
		Logger:        log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Errorf("Server failed: %v", err)
	}
	log.Info("Shutting down server...")

	// 先停止接收请求，再停引擎，最后关闭推送
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := bus.Close(); err != nil {
		log.Errorf("Failed to close event bus: %v", err)
	}
	if a.engine != nil {
		if err := a.engine.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Automation engine shutdown: %v", err)
		}
	}
	stopHub()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Errorf("Tracing shutdown: %v", err)
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("Server exited")
	return nil
}
