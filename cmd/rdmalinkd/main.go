package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	backend := flag.String("backend", "", "Verbs backend: simulated or hardware")
	device := flag.String("device", "", "RDMA device name")
	listen := flag.String("listen", "", "Bootstrap listen address")
	admin := flag.String("admin", "", "Admin API address")
	outputDir := flag.String("output", "", "Directory received layers are written to")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rdmalinkd %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	if *debug {
		*logLevel = "debug"
	}

	// Load configuration
	cfg, err := config.Load(*configPath, config.Options{
		Backend:       *backend,
		DeviceName:    *device,
		ListenAddress: *listen,
		AdminAddress:  *admin,
		OutputDir:     *outputDir,
		LogLevel:      *logLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := cfg.Level()
	zerolog.SetGlobalLevel(level)

	if level <= zerolog.DebugLevel {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	metrics.Version = version

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting rdmalinkd")

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("rdmalinkd shutdown complete")
}
