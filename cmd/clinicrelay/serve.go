package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/clinicrelay/internal/anthropic"
	"github.com/MikeSquared-Agency/clinicrelay/internal/api"
	"github.com/MikeSquared-Agency/clinicrelay/internal/config"
	"github.com/MikeSquared-Agency/clinicrelay/internal/dispatch"
	"github.com/MikeSquared-Agency/clinicrelay/internal/escalation"
	"github.com/MikeSquared-Agency/clinicrelay/internal/evolution"
	"github.com/MikeSquared-Agency/clinicrelay/internal/hermes"
	"github.com/MikeSquared-Agency/clinicrelay/internal/media"
	"github.com/MikeSquared-Agency/clinicrelay/internal/notify"
	"github.com/MikeSquared-Agency/clinicrelay/internal/override"
	"github.com/MikeSquared-Agency/clinicrelay/internal/pipeline"
	"github.com/MikeSquared-Agency/clinicrelay/internal/router"
	"github.com/MikeSquared-Agency/clinicrelay/internal/session"
	"github.com/MikeSquared-Agency/clinicrelay/internal/slack"
	"github.com/MikeSquared-Agency/clinicrelay/internal/store"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: webhook ingress, triage and delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg := config.Load()
	logger := setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}
	sets, err := cfg.PatternSets()
	if err != nil {
		return err
	}

	logger.Info("clinicrelay starting", "port", cfg.Port, "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	orch := pipeline.New(pipeline.NewLLMExecutor(llm, logger), cfg.StageTimeout, logger)
	logger.Info("anthropic client ready", "model", llm.Model())

	sender := evolution.NewClient(cfg.EvolutionURL, cfg.EvolutionAPIKey, cfg.EvolutionInstance, cfg.EvolutionPerMinute, logger)
	checkEvolution(ctx, sender, logger)

	whisper := media.NewWhisper(cfg.OpenAIAPIKey, cfg.WhisperModel)
	if !whisper.Configured() {
		logger.Warn("OPENAI_API_KEY not set, audio will not be transcribed")
	}

	// Interface values stay untyped nil when the integration is off.
	var (
		poster notify.EscalationPoster
		thread dispatch.ThreadPoster
		bus    notify.Publisher
	)
	if cfg.SlackBotToken != "" {
		p := slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		poster, thread = p, p
		logger.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		logger.Warn("slack not configured, escalations are recorded but nobody is paged")
	}

	var hermesClient *hermes.Client
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return err
		}
		bus = hermesClient
		logger.Info("NATS connected", "url", cfg.NatsURL)
	}

	coord := dispatch.New(dispatch.Deps{
		Sessions:  session.New(st, cfg.HistoryLimit, cfg.SessionIdleTimeout, logger),
		Overrides: override.New(cfg.OverrideWindow),
		Router:    router.New(sets, cfg.SchedulingThreshold),
		Gate:      escalation.New(sets),
		Runner:    orch,
		Sender:    sender,
		Media:     media.NewInterpreter(whisper, logger),
		Records:   st,
		Notify:    notify.New(poster, bus, logger),
		Thread:    thread,
	}, dispatch.Options{
		DebounceInterval:  cfg.DebounceInterval,
		StageHistoryTurns: cfg.StageHistoryTurns,
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
		LaneQueueLimit:    cfg.LaneQueueLimit,
	}, logger)

	if hermesClient != nil {
		if err := hermesClient.Subscribe(hermes.SubjectInboundFragment, coord.HandleInbound); err != nil {
			hermesClient.Close()
			return err
		}
		if err := hermesClient.Subscribe(hermes.SubjectSlackReaction, coord.HandleReaction); err != nil {
			hermesClient.Close()
			return err
		}
		if err := hermesClient.Publish("swarm.agent.clinicrelay.registered", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"port":      cfg.Port,
			"version":   Version,
		}); err != nil {
			logger.Warn("failed to publish registration", "error", err)
		}
	}

	srv := api.NewServer(cfg.Port, cfg.APIToken, cfg.WebhookSecret, coord, st, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				coord.Sweep(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := coord.Close(sctx); err != nil {
			logger.Warn("coordinator shutdown", "error", err)
		}
		if hermesClient != nil {
			hermesClient.Close()
		}
		return nil
	})

	logger.Info("clinicrelay ready", "port", cfg.Port)
	err = g.Wait()
	logger.Info("clinicrelay stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, sessions and audit log are kept in memory")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")
	return pg, nil
}

func checkEvolution(ctx context.Context, c *evolution.Client, logger *slog.Logger) {
	if !c.Configured() {
		logger.Warn("evolution api not configured, replies will not be delivered")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	state, err := c.ConnectionState(ctx)
	if err != nil {
		logger.Warn("evolution connection state unavailable", "error", err)
		return
	}
	logger.Info("evolution instance", "state", state)
}
