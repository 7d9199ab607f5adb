// Package main is the entry point for testerman-tacs, the standalone
// agent controller. It bridges northbound Ia clients (the server, TEs,
// command-line tools) to southbound Xa agents and their probes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/config"
	"github.com/testerman/testerman/internal/common/httpmw"
	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/repository"
	"github.com/testerman/testerman/internal/tacs"
	"github.com/testerman/testerman/internal/tracing"
)

// tacsVersion is advertised to connecting nodes.
const tacsVersion = "1.0.0"

func main() {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(os.Getenv("TESTERMAN_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	docroot := cfg.TACS.Docroot
	if docroot == "" {
		docroot = cfg.Docroot.Path
	}
	log.Info("Starting Testerman agent controller...",
		zap.String("version", tacsVersion),
		zap.String("docroot", docroot))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Prepare the served document root
	repo, err := repository.NewService(docroot, log)
	if err != nil {
		log.Fatal("Failed to prepare document root", zap.Error(err))
	}

	// 5. Build the broker and drive its channel servers
	broker := tacs.New(tacs.Options{
		Repository:   repo,
		ProxyTimeout: cfg.TACS.ProxyTimeoutDuration(),
		Variables:    cfg.Variables,
		UserAgent:    fmt.Sprintf("testerman-tacs/%s", tacsVersion),
	}, log)
	go broker.Run(ctx)

	// ============================================
	// HTTP SERVERS (Ia + Xa listeners)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Northbound listener: server, TEs and command-line clients.
	iaRouter := gin.New()
	iaRouter.Use(gin.Recovery())
	iaRouter.Use(httpmw.RequestLogger(log, "TACS/Ia"))
	iaRouter.Use(httpmw.OtelTracing("TACS/Ia"))
	broker.RegisterIa(iaRouter)
	iaRouter.GET("/health", health)

	// Southbound listener: agents.
	xaRouter := gin.New()
	xaRouter.Use(gin.Recovery())
	xaRouter.Use(httpmw.RequestLogger(log, "TACS/Xa"))
	xaRouter.Use(httpmw.OtelTracing("TACS/Xa"))
	broker.RegisterXa(xaRouter)
	xaRouter.GET("/health", health)

	iaAddr := fmt.Sprintf("%s:%d", cfg.TACS.Host, cfg.TACS.IaPort)
	iaServer := &http.Server{
		Addr:         iaAddr,
		Handler:      iaRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	xaAddr := fmt.Sprintf("%s:%d", cfg.TACS.Host, cfg.TACS.XaPort)
	xaServer := &http.Server{
		Addr:         xaAddr,
		Handler:      xaRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Ia listener up", zap.String("addr", iaAddr))
		if err := iaServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start Ia listener", zap.Error(err))
		}
	}()
	go func() {
		log.Info("Xa listener up", zap.String("addr", xaAddr))
		if err := xaServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start Xa listener", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agent controller...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := iaServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Ia listener shutdown error", zap.Error(err))
	}
	if err := xaServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Xa listener shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agent controller stopped")
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "testerman-tacs",
	})
}
