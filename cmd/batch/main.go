// cmd/batch/main.go replays transcripts the server spooled after a failed save.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voiceagent/config"
	"voiceagent/services"
)

func main() {
	once := flag.Bool("once", false, "replay the spool once and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if level, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	if cfg.Call.SpoolDir == "" {
		logger.Error("CALL_SPOOL_DIR is not set, nothing to replay")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spool, err := services.NewSpool(cfg.Call.SpoolDir)
	if err != nil {
		logger.Error("open spool", "err", err)
		os.Exit(1)
	}

	// The store may still be coming up next to us.
	var store services.TranscriptStore
	for i := 0; i < 3; i++ {
		store, err = services.NewTranscriptStore(ctx, cfg, logger)
		if err == nil {
			break
		}
		logger.Warn("create transcript store", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("create transcript store after retries", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	logger.Info("starting spool replay", "dir", spool.Dir(), "store", cfg.StoreBackend, "interval", cfg.BatchInterval)
	replay(ctx, spool, store, cfg.Call.StoreTimeout, logger)
	if *once {
		return
	}

	ticker := time.NewTicker(cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("spool replay stopped")
			return
		case <-ticker.C:
			replay(ctx, spool, store, cfg.Call.StoreTimeout, logger)
		}
	}
}

func replay(ctx context.Context, spool *services.Spool, store services.TranscriptStore, timeout time.Duration, logger *slog.Logger) {
	entries, err := spool.List()
	if err != nil {
		// Unreadable files are reported; the readable ones are still replayed.
		logger.Warn("read spool", "err", err)
	}

	saved := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		err := store.Save(sctx, e.Record)
		cancel()
		if err != nil {
			logger.Error("replay transcript", "call_sid", e.Record.CallSID, "err", err)
			continue
		}
		if err := spool.Remove(e); err != nil {
			logger.Warn("remove replayed spool entry", "path", e.Path, "err", err)
		}
		saved++
	}
	logger.Info("spool replay completed", "pending", len(entries), "saved", saved)
}
