package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ephemera-project/ephemera/audit"
	"github.com/ephemera-project/ephemera/config"
	sagecrypto "github.com/ephemera-project/ephemera/crypto"
	"github.com/ephemera-project/ephemera/health"
	"github.com/ephemera-project/ephemera/httpapi"
	"github.com/ephemera-project/ephemera/ids"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/internal/metrics"
	"github.com/ephemera-project/ephemera/participant"
	"github.com/ephemera-project/ephemera/protocol"
	"github.com/ephemera-project/ephemera/ratelimit"
	"github.com/ephemera-project/ephemera/router"
	"github.com/ephemera-project/ephemera/transport/websocket"
	"github.com/ephemera-project/ephemera/workspace"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the protocol engine server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file (defaults are used if omitted)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(configPath)
}

func runServe() error {
	// A missing .env is normal in production, where config comes from real
	// environment variables instead.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.SubstituteEnvVarsInConfig(cfg)

	level := logger.InfoLevel
	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = logger.DebugLevel
		case "warn":
			level = logger.WarnLevel
		case "error":
			level = logger.ErrorLevel
		}
	}
	log := logger.NewLogger(os.Stdout, level)
	logger.SetDefaultLogger(log)

	auditLogger := audit.NewLogger()
	rtr := router.New()
	participants := participant.NewManager(
		func(wsID ids.WorkspaceID, pID ids.ParticipantID) {
			log.Info("participant joined", logger.String("workspace_id", wsID.String()), logger.String("participant_id", pID.String()))
		},
		func(wsID ids.WorkspaceID, pID ids.ParticipantID) {
			log.Info("participant left", logger.String("workspace_id", wsID.String()), logger.String("participant_id", pID.String()))
		},
	)

	onExpire := func(wsID ids.WorkspaceID) {
		rtr.ClearWorkspace(wsID)
		participants.RemoveAllForWorkspace(wsID)
		log.Info("workspace expired", logger.String("workspace_id", wsID.String()))
	}
	workspaces := workspace.NewManager(auditLogger, onExpire)

	limiterCfg := ratelimit.DefaultConfig()
	if cfg.RateLimit != nil {
		limiterCfg = ratelimit.Config{
			OperationsPerSecond: cfg.RateLimit.OperationsPerSecond,
			CreationsPerHour:    cfg.RateLimit.CreationsPerHour,
			MaxParticipants:     50,
			SweepInterval:       cfg.RateLimit.SweepInterval,
		}
	}
	limiter := ratelimit.New(limiterCfg)
	defer limiter.Close()

	engine := protocol.NewEngine(workspaces, participants, limiter, rtr, auditLogger)

	var healthChecker *health.HealthChecker
	if cfg.Health != nil && cfg.Health.Enabled {
		healthChecker = health.NewHealthChecker(5 * time.Second)
		healthChecker.SetLogger(log)
		healthChecker.RegisterCheck("transport", health.TransportHealthCheck(func(ctx context.Context) error {
			return nil
		}))

		keyMgr := sagecrypto.NewManager()
		healthChecker.RegisterCheck("keystore", health.KeyStoreHealthCheck(func() error {
			kp, err := keyMgr.GenerateKeyPair(sagecrypto.KeyTypeEd25519)
			if err != nil {
				return fmt.Errorf("generate: %w", err)
			}
			if err := keyMgr.StoreKeyPair(kp); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			return keyMgr.DeleteKeyPair(kp.ID())
		}))
	}

	apiServer := httpapi.NewServer(workspaces, participants, limiter, healthChecker)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.HandleFunc("/ws", wsHandler(engine, log))

	addr := ":8080"
	readTimeout := 30 * time.Second
	writeTimeout := 30 * time.Second
	shutdownTimeout := 10 * time.Second
	if cfg.Server != nil {
		addr = cfg.Server.Addr
		readTimeout = cfg.Server.ReadTimeout
		writeTimeout = cfg.Server.WriteTimeout
		shutdownTimeout = cfg.Server.ShutdownTimeout
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		go func() {
			metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("starting metrics server", logger.String("addr", metricsAddr))
			if err := metrics.StartServer(metricsAddr); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", logger.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", logger.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}

// wsHandler upgrades /ws requests and drives each connection's read loop:
// every inbound frame is handed to the protocol engine until Recv errors or
// the connection is closed.
func wsHandler(engine *protocol.Engine, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handle, err := websocket.Upgrade(w, r, r.RemoteAddr)
		if err != nil {
			log.Warn("websocket upgrade failed", logger.Error(err))
			return
		}

		ctx := r.Context()
		conn, err := engine.Connect(ctx, handle)
		if err != nil {
			log.Warn("connect failed", logger.Error(err))
			_ = handle.Close()
			return
		}

		for {
			frame, err := handle.Recv()
			if err != nil {
				engine.Disconnect(conn)
				return
			}
			if err := engine.HandleFrame(ctx, conn, frame); err != nil {
				log.Warn("frame handling failed", logger.Error(err))
				engine.Disconnect(conn)
				_ = handle.Close()
				return
			}
		}
	}
}
