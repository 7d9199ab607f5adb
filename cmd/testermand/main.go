// Package main is the entry point for testermand, the Testerman server.
// One binary hosts the client-facing REST API (Ws), the Xc event stream,
// the Il log intake, and the job scheduler with its persistent registry.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/common/config"
	"github.com/testerman/testerman/internal/common/httpmw"
	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/events"
	"github.com/testerman/testerman/internal/jobs"
	"github.com/testerman/testerman/internal/jobs/runner"
	"github.com/testerman/testerman/internal/jobs/store"
	"github.com/testerman/testerman/internal/jobs/tefactory"
	"github.com/testerman/testerman/internal/repository"
	"github.com/testerman/testerman/internal/server"
	"github.com/testerman/testerman/internal/tacs/client"
	"github.com/testerman/testerman/internal/tracing"
)

// serverVersion is advertised to peers and stamped into generated TEs.
const serverVersion = "1.0.0"

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

	log.Info("Starting Testerman server...",
		zap.String("version", serverVersion),
		zap.String("docroot", cfg.Docroot.Path))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Prepare the document root layout
	if _, err := repository.NewService(cfg.Docroot.Path, log); err != nil {
		log.Fatal("Failed to prepare document root", zap.Error(err))
	}

	// 5. Initialize event bus (in-memory, or NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Open the job store
	st, err := store.Open(cfg.Database, cfg.Jobs.StateDir, log)
	if err != nil {
		log.Fatal("Failed to open job store", zap.Error(err))
	}
	defer st.Close()

	// ============================================
	// JOB SUBSYSTEM
	// ============================================
	log.Info("Initializing job subsystem...")

	// 7. Select the TE runtime
	var teRunner runner.Runner
	switch cfg.TE.Runtime {
	case "", "process":
		teRunner = runner.NewProcessRunner(log)
		log.Info("TEs run as local processes")
	case "docker":
		dockerRunner, err := runner.NewDockerRunner(runner.DockerConfig{
			Image:   cfg.TE.DockerImage,
			DocRoot: cfg.Docroot.Path,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize docker TE runtime", zap.Error(err))
		}
		defer dockerRunner.Close()
		teRunner = dockerRunner
		log.Info("TEs run in docker containers", zap.String("image", cfg.TE.DockerImage))
	default:
		log.Fatal("Unknown TE runtime", zap.String("runtime", cfg.TE.Runtime))
	}

	// 8. Build the shared execution environment
	archive := server.NewLogArchive(cfg.Docroot.Path, eventBus, log)
	factory := tefactory.New(tefactory.Config{
		TemplatePath:      cfg.TE.TemplatePath,
		APITemplates:      cfg.TE.APITemplates,
		CheckCommand:      cfg.TE.CheckCommand,
		Interpreter:       cfg.TE.Interpreter,
		InterpreterArgs:   cfg.TE.InterpreterArgs,
		TacsHost:          tacsHost(cfg),
		TacsPort:          cfg.TACS.IaPort,
		IlHost:            ilHost(cfg),
		IlPort:            cfg.Server.Port,
		MaxLogPayloadSize: cfg.TE.LogMaxPayloadSize,
		ModulePaths:       cfg.TE.ExtraPaths,
		PackageInit:       cfg.TE.PackageInit,
		ServerName:        cfg.Server.Name,
		ServerVersion:     serverVersion,
	}, log)
	env := &jobs.Environment{
		DocRoot:   cfg.Docroot.Path,
		MergeMode: cfg.Jobs.SessionMergeMode,
		Factory:   factory,
		Runner:    teRunner,
		Resolver:  tefactory.NewImportResolver(jobs.DocRootReader(cfg.Docroot.Path), "", cfg.TE.SourceExtensions),
		Logs:      archive,
		Log:       log,
	}

	// 9. Restore persisted jobs, then start the scheduler
	registry := jobs.NewRegistry(env, st, log)
	if err := registry.Restore(ctx); err != nil {
		log.Error("Job restore failed", zap.Error(err))
	}
	scheduler := jobs.NewScheduler(registry, cfg.Jobs.SchedulerIntervalDuration(), log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start job scheduler", zap.Error(err))
	}

	// ============================================
	// SERVER FACADE (Ws + Xc + Il)
	// ============================================
	userAgent := fmt.Sprintf("%s/%s", cfg.Server.Name, serverVersion)
	srv := server.New(server.Options{
		Registry:  registry,
		Bus:       eventBus,
		Logs:      archive,
		Variables: cfg.Variables,
		UserAgent: userAgent,
	}, log)
	go srv.Run(ctx)

	// 10. Forward probe availability events from the agent controller
	tacsURL := fmt.Sprintf("ws://%s/ia", net.JoinHostPort(tacsHost(cfg), strconv.Itoa(cfg.TACS.IaPort)))
	tacsClient := client.New(tacsURL, userAgent, log)
	if err := tacsClient.Connect(ctx); err != nil {
		log.Warn("Agent controller unreachable - probe events will not be forwarded", zap.Error(err))
	} else {
		defer tacsClient.Close()
		if err := server.BridgeProbeEvents(ctx, tacsClient, eventBus, log); err != nil {
			log.Warn("Probe event forwarding disabled", zap.Error(err))
		} else {
			log.Info("Connected to agent controller", zap.String("url", tacsURL))
		}
	}

	// ============================================
	// HTTP SERVER (REST + WebSocket endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, cfg.Server.Name))
	router.Use(httpmw.OtelTracing(cfg.Server.Name))
	router.Use(corsMiddleware())
	srv.Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Testerman server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("xc", "/xc"),
		zap.String("il", "/il"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Testerman server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := scheduler.Stop(); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	registry.KillAll()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Testerman server stopped")
}

// tacsHost returns the address of the agent controller. A blank or
// wildcard host means a single-host deployment, reached over loopback.
func tacsHost(cfg *config.Config) string {
	if cfg.TACS.Host == "" || cfg.TACS.Host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return cfg.TACS.Host
}

// ilHost returns the address TEs use to reach the Il endpoint. TEs run
// on the server host, so a blank listen address means loopback.
func ilHost(cfg *config.Config) string {
	if cfg.Server.Host == "" || cfg.Server.Host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return cfg.Server.Host
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
