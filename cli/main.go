package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/jaewooli/connwatch/agent"
	"github.com/jaewooli/connwatch/capturer"
	"github.com/jaewooli/connwatch/config"
	"github.com/jaewooli/connwatch/logger"
	"github.com/jaewooli/connwatch/reporter"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (default: auto-detect config.yaml)")
	server := flag.String("server", "", "monitoring server URL")
	token := flag.String("token", "", "authentication token from the server")
	device := flag.String("device", "", "device name (default: host name)")
	interval := flag.Int("interval", 0, "refresh interval in seconds")
	source := flag.String("source", "", "socket source: auto, tool or native")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	loader := config.NewLoader()
	if path := resolveConfigPath(*configPath); path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerURL = *server
		case "token":
			cfg.Token = *token
		case "device":
			cfg.DeviceName = *device
		case "interval":
			cfg.Interval = *interval
		case "source":
			cfg.Source = *source
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "verbose":
			cfg.Log.Debug = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n  %s\n", strings.ReplaceAll(err.Error(), "\n", "\n  "))
		return 1
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader, err := capturer.NewReader(cfg.Source, "")
	if err != nil {
		log.Error().Err(err).Msg("socket reader")
		return 1
	}
	if _, unsupported := reader.(capturer.UnsupportedReader); unsupported {
		log.Warn().Str("reader", reader.Name()).Msg("no socket tool for this platform, connections will not be collected")
	}

	sess := agent.NewSession(cfg)
	log = log.With().Str("run_id", sess.RunID).Logger()

	client := reporter.New(cfg.ServerURL, cfg.Token, cfg.DeviceName)
	client.ReportTimeout = cfg.ReportTimeout
	client.RegisterTimeout = cfg.RegisterTimeout

	a := agent.New(sess, capturer.NewConnCapturer(reader), client, logger.WithComponent(log, "agent"))
	if cfg.SummaryFile != "" {
		sink := agent.NewJSONFileSink(cfg.SummaryFile, 0)
		defer sink.Close()
		a.Sink = sink
	}
	if cfg.MetricsAddr != "" {
		go func() {
			if err := a.Metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server")
			}
		}()
	}

	banner(ctx, log, cfg, reader)

	err = a.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrRegistrationFailed):
		log.Error().Msg("failed to register device, check your token, the server URL and that the server is running")
		return 1
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		log.Error().Err(err).Msg("agent stopped")
		return 1
	}
}

func banner(ctx context.Context, log zerolog.Logger, cfg config.Config, reader capturer.Reader) {
	ev := log.Info().
		Str("server", cfg.ServerURL).
		Str("device", cfg.DeviceName).
		Str("reader", reader.Name()).
		Int("interval_s", cfg.Interval)
	if info, err := host.InfoWithContext(ctx); err == nil {
		ev = ev.Str("os", info.OS).Str("platform", info.Platform)
	}
	if ips := capturer.LocalIPv4Addresses(ctx, nil); len(ips) > 0 {
		ev = ev.Strs("local_ipv4", ips)
	}
	ev.Msg("connwatch starting")
}

func resolveConfigPath(userPath string) string {
	try := func(p string) (string, bool) {
		if p == "" {
			return "", false
		}
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, true
		}
		return "", false
	}

	if p, ok := try(userPath); ok {
		return p
	}
	if p, ok := try("config.yaml"); ok {
		return p
	}
	exe, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exe)
		if p, ok := try(filepath.Join(exeDir, "config.yaml")); ok {
			return p
		}
	}
	return ""
}
