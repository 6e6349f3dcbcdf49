package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"voiceagent/config"
	"voiceagent/controllers"
	"voiceagent/monitor"
	"voiceagent/routes"
	"voiceagent/services"
	"voiceagent/sessions"
)

const greeting = "Hi, How can I help you today?"

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateServer()
	}
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := services.NewTranscriptStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close transcript store", "err", err)
		}
	}()

	ai, err := services.NewOpenAIService(services.OpenAIOptions{
		APIKey:       cfg.OpenAIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		MaxTokens:    cfg.OpenAIMaxTokens,
		Temperature:  cfg.OpenAITemperature,
		Timeout:      cfg.OpenAITimeout,
		SystemPrompt: cfg.SystemPrompt,
		Fallback:     cfg.FallbackReply,
	}, logger)
	if err != nil {
		return err
	}

	voice := services.NewTwilioService(services.VoiceOptions{
		BaseURL:        cfg.BaseURL,
		Voice:          cfg.TwilioVoice,
		Language:       cfg.TwilioLanguage,
		SpeechModel:    cfg.TwilioSpeechModel,
		SilenceTimeout: cfg.Call.SilenceTimeout,
	}, cfg.TwilioAccountSID, cfg.TwilioAuthToken, logger)
	if !cfg.TwilioRESTEnabled() {
		logger.Warn("twilio REST credentials missing, silence timeouts will not hang up live calls")
	}

	policy, err := sessions.NewFarewellPolicy(sessions.MatchMode(cfg.Call.FarewellMatch), cfg.Call.FarewellTokens)
	if err != nil {
		return err
	}

	hub := monitor.NewHub(32, logger)
	deps := sessions.Deps{
		Exchanger:  ai,
		Store:      store,
		Policy:     policy,
		Terminator: voice,
		Observer:   hub,
		Logger:     logger,
	}
	if cfg.Call.SpoolDir != "" {
		spool, err := services.NewSpool(cfg.Call.SpoolDir)
		if err != nil {
			return err
		}
		deps.Spool = spool
	}
	if cfg.AlertWebhookURL != "" {
		alerts, err := services.NewAlertService(cfg.AlertWebhookURL)
		if err != nil {
			return err
		}
		deps.Alerter = alerts
	}

	manager, err := sessions.NewManager(sessions.Config{
		Greeting:        greeting,
		TimeoutFarewell: services.TimeoutFarewell,
		FallbackReply:   cfg.FallbackReply,
		SilenceTimeout:  cfg.Call.SilenceTimeout,
		SilenceGrace:    cfg.Call.SilenceGrace,
		ResponseBudget:  cfg.Call.ResponseBudget,
		StoreTimeout:    cfg.Call.StoreTimeout,
		EndedRetention:  cfg.Call.EndedRetention,
		StrictSessions:  cfg.Call.StrictSessions,
	}, deps)
	if err != nil {
		return err
	}

	opts := routes.Options{
		Calls:         controllers.NewCallController(manager, voice, logger),
		Monitor:       controllers.NewMonitorController(manager, store, hub, cfg.MonitorPingEvery, logger),
		Logger:        logger,
		PublicBaseURL: cfg.BaseURL,
	}
	if cfg.TwilioValidateSignature {
		opts.TwilioAuthToken = cfg.TwilioAuthToken
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.SetupRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreBackend, "base_url", cfg.BaseURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.ShutdownGrace)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	drained := manager.Shutdown(sctx)
	logger.Info("active calls finalized", "drained", drained)
	return nil
}
