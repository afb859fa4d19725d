package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshmon/meshmon/internal/alerting"
	"github.com/meshmon/meshmon/internal/api"
	"github.com/meshmon/meshmon/internal/bus"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/decision"
	"github.com/meshmon/meshmon/internal/forward"
	"github.com/meshmon/meshmon/internal/heartbeat"
	"github.com/meshmon/meshmon/internal/intake"
	"github.com/meshmon/meshmon/internal/intents"
	"github.com/meshmon/meshmon/internal/logging"
	"github.com/meshmon/meshmon/internal/notifications"
	"github.com/meshmon/meshmon/internal/risk"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "meshmon",
	Short:   "meshmon - hierarchical health monitoring mesh",
	Long:    `meshmon is a monitor node in a hierarchical health mesh: agents report in, escalated issues are adjudicated, critical ones become alerts, and everything can relay up to a parent monitor`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meshmon %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "meshmon",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "meshmon",
	})
	api.Version = Version

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New()
	recorder := intents.NewRecorder(db)

	var sink alerting.Sink
	if cfg.WebhookURL != "" {
		sink = notifications.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout, 0)
	} else {
		sink = notifications.LogSink{}
	}

	var assessor risk.Assessor
	if cfg.AssessorAPIKey != "" {
		assessor = risk.NewAnthropicAssessorWithBaseURL(cfg.AssessorAPIKey, cfg.AssessorModel, cfg.AssessorURL, cfg.AssessorTimeout)
	} else {
		log.Warn().Msg("No assessor API key configured, all escalated actions will be rejected")
		assessor = risk.UnavailableAssessor{}
	}

	engine := decision.NewEngine(db, assessor, recorder, events)
	aggregator := alerting.NewAggregator(db, recorder, events, sink, cfg.DedupWindow)

	var relay intake.Relay
	if cfg.ParentURL != "" {
		forwarder := forward.NewForwarder(cfg.ParentURL, cfg.ParentAPIKey, cfg.AgentID, db)
		go forwarder.Run(ctx)
		relay = forwarder
		log.Info().Str("parent", cfg.ParentURL).Msg("Running as relay node")
	} else {
		log.Info().Msg("No parent configured, running as mesh root")
	}

	intakeSvc := intake.NewService(db, engine, aggregator, recorder, events, relay)

	monitor := heartbeat.NewMonitor(db, events, recorder, cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	go monitor.Run(ctx)

	wsHub := websocket.NewHub()
	wsEvents, unsubscribe := events.Subscribe(256)
	defer unsubscribe()
	go wsHub.Run(wsEvents)

	router := api.NewRouter(cfg, db, intakeSvc, engine, aggregator, recorder, wsHub)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("agentID", cfg.AgentID).Msg("meshmon listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}
