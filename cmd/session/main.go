// Command session runs one autonomous trading session from config to
// orderly shutdown. Exit codes: 0 normal, 1 error, 99 kill switch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live_agent/internal/config"
	"live_agent/internal/core"
	"live_agent/internal/provider/bitunix"
	"live_agent/internal/provider/replay"
	"live_agent/internal/session"
	"live_agent/internal/strategy"
	"live_agent/pkg/logging"
	"live_agent/pkg/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "session.yaml", "path to the session config file")
	dryRun := flag.Bool("dry-run", false, "skip execution latency simulation")
	replayFile := flag.String("replay-file", "", "JSONL market event script for the replay provider")
	replayDelay := flag.Duration("replay-delay", 0, "delay between replayed events")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *dryRun {
		cfg.Session.DryRun = true
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("live_agent")
		if err != nil {
			logger.Error("Telemetry setup failed, continuing without", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					logger.Warn("Telemetry shutdown failed", "error", err)
				}
			}()
			metricsSrv := telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
			metricsSrv.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				metricsSrv.Stop(ctx)
			}()
		}
	}

	provider, err := buildProvider(cfg, *replayFile, *replayDelay, logger)
	if err != nil {
		logger.Error("Failed to build provider", "error", err)
		return 1
	}

	coord, err := session.New(cfg, provider, strategy.NewHold(), logger)
	if err != nil {
		logger.Error("Failed to build session", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reason, err := coord.Run(ctx)
	if err != nil {
		logger.Error("Session failed", "error", err)
		return 1
	}

	logger.Info("Session finished", "reason", reason, "exit_code", reason.ExitCode())
	return reason.ExitCode()
}

func buildProvider(cfg *config.Config, replayFile string, replayDelay time.Duration, logger core.ILogger) (core.Provider, error) {
	switch cfg.Provider.Name {
	case "bitunix":
		return bitunix.New(cfg.Provider, cfg.Session.Symbol, cfg.Session.Interval, logger), nil
	case "replay":
		if replayFile == "" {
			return nil, fmt.Errorf("replay provider requires -replay-file")
		}
		return replay.LoadScript(replayFile, replayDelay)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider.Name)
	}
}
