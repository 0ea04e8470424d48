package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/layer"
	"github.com/piwi3910/rdmalink/internal/server"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// NewLoopbackCmd creates the loopback command
func NewLoopbackCmd() *cobra.Command {
	var output, comp string

	cmd := &cobra.Command{
		Use:   "loopback <file>",
		Short: "Push a layer to an in-process receiver",
		Long: `Start a receiver and a sender in this process, connected through the
configured verbs backend, push the file and verify what arrived. With the
default simulated backend this needs no RDMA hardware.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Options{OutputDir: output})
			if err != nil {
				return err
			}

			if comp != "" {
				cfg.Transfer.Compression = comp
			}

			if output == "" {
				dir, err := os.MkdirTemp("", "rdmalink-loopback-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)

				cfg.Transfer.OutputDir = dir
			}

			res, path, err := runLoopback(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}

			printResult(cmd.OutOrStdout(), res)
			fmt.Fprintf(cmd.OutOrStdout(), "  Received: %s (verified)\n", path)

			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Keep the received layer in this directory")
	cmd.Flags().StringVar(&comp, "compression", "", "Chunk compression: none, zstd, lz4 or gzip")

	return cmd
}

func runLoopback(ctx context.Context, cfg *config.Config, path string) (*layer.Result, string, error) {
	backend, err := rdma.NewBackend(cfg.RDMA.Backend)
	if err != nil {
		return nil, "", err
	}
	defer backend.Close()

	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Admin.Enabled = false

	srv, err := server.New(cfg, server.WithBackend(backend))
	if err != nil {
		return nil, "", err
	}

	if err := srv.Start(ctx); err != nil {
		return nil, "", err
	}

	defer func() {
		_ = srv.Shutdown(context.Background())
	}()

	cfg.Client.PeerAddress = srv.RDMAAddr().String()
	name := filepath.Base(path)

	res, err := pushFile(ctx, cfg, backend, path, name)
	if err != nil {
		return nil, "", fmt.Errorf("loopback push: %w", err)
	}

	received := filepath.Join(cfg.Transfer.OutputDir, name)
	if err := verifyFile(received, res.Digest); err != nil {
		return nil, "", err
	}

	return res, received, nil
}

func verifyFile(path string, dgst digest.Digest) error {
	f, err := os.Open(path) // #nosec G304 - path under the output directory
	if err != nil {
		return err
	}
	defer f.Close()

	got, err := dgst.Algorithm().FromReader(f)
	if err != nil {
		return err
	}

	if got != dgst {
		return fmt.Errorf("received %s has digest %s, expected %s", path, got, dgst)
	}

	return nil
}
