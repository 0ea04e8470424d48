// Package commands implements the rdmalink-cli subcommands.
package commands

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/compression"
	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/layer"
	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backend    string
	device     string
	logLevel   string
}

var globals globalFlags

// AddGlobalFlags registers the persistent flags on root.
func AddGlobalFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.StringVar(&globals.configPath, "config", "", "Path to configuration file")
	f.StringVar(&globals.backend, "backend", "", "Verbs backend: simulated or hardware")
	f.StringVar(&globals.device, "device", "", "RDMA device name")
	f.StringVar(&globals.logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig loads the configuration with the global flags and opts
// applied, and configures logging from it.
func loadConfig(opts config.Options) (*config.Config, error) {
	opts.Backend = globals.backend
	opts.DeviceName = globals.device
	opts.LogLevel = globals.logLevel

	cfg, err := config.Load(globals.configPath, opts)
	if err != nil {
		return nil, err
	}

	setupLogging(cfg)

	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	level := cfg.Level()
	if globals.logLevel == "" {
		level = max(level, zerolog.WarnLevel)
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// clientConfig maps the configuration onto an RDMA client.
func clientConfig(cfg *config.Config, backend rdma.VerbsBackend) *rdma.ClientConfig {
	ccfg := rdma.DefaultClientConfig()
	ccfg.Name = "rdmalink-cli"
	ccfg.Backend = backend
	ccfg.GIDs = rdma.DefaultGIDTable(backend, cfg.RDMA.SysfsRoot)
	ccfg.DeviceName = cfg.RDMA.DeviceName
	ccfg.Port = cfg.RDMA.Port
	ccfg.SlotSize = cfg.RDMA.SlotSize
	ccfg.SlotCount = cfg.RDMA.SlotCount
	ccfg.PeerAddress = cfg.Client.PeerAddress
	ccfg.RetryAttempts = cfg.Client.RetryAttempts
	ccfg.RetryDelay = cfg.Client.RetryDelay
	ccfg.MaxRetryDelay = cfg.Client.MaxRetryDelay

	return ccfg
}

// senderConfig builds the chunk compressor and limits for a push.
func senderConfig(cfg *config.Config) (layer.SenderConfig, error) {
	alg, err := compression.ParseAlgorithm(cfg.Transfer.Compression)
	if err != nil {
		return layer.SenderConfig{}, err
	}

	comp, err := compression.New(alg, compression.Level(cfg.Transfer.Level))
	if err != nil {
		return layer.SenderConfig{}, err
	}

	return layer.SenderConfig{
		Compressor: comp,
		ChunkSize:  cfg.Transfer.ChunkSize,
	}, nil
}

// pushFile sends the file at path as name over a new connection to
// cfg.Client.PeerAddress.
func pushFile(ctx context.Context, cfg *config.Config, backend rdma.VerbsBackend, path, name string) (*layer.Result, error) {
	f, err := os.Open(path) // #nosec G304 - user supplied layer path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scfg, err := senderConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Transfer.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cfg.Transfer.Timeout)
		defer cancel()
	}

	loop := reactor.NewLoop("cli")
	loop.Start()
	defer loop.Stop()

	sender, client, err := layer.Dial(ctx, loop, clientConfig(cfg, backend), scfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return sender.Push(ctx, name, f)
}
