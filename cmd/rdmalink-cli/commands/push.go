package commands

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/layer"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// NewPushCmd creates the push command
func NewPushCmd() *cobra.Command {
	var name, peer, comp string

	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Push a layer to rdmalinkd",
		Long: `Push a layer file to an rdmalinkd peer over RDMA. The receiver stores it
under its output directory as --name (default: the file's base name) once
the sha256 digest has been verified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Options{PeerAddress: peer})
			if err != nil {
				return err
			}

			if comp != "" {
				cfg.Transfer.Compression = comp
			}

			if name == "" {
				name = filepath.Base(args[0])
			}

			backend, err := rdma.NewBackend(cfg.RDMA.Backend)
			if err != nil {
				return err
			}
			defer backend.Close()

			res, err := pushFile(cmd.Context(), cfg, backend, args[0], name)
			if err != nil {
				return fmt.Errorf("push %s: %w", args[0], err)
			}

			printResult(cmd.OutOrStdout(), res)

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name the receiver stores the layer under")
	cmd.Flags().StringVar(&peer, "peer", "", "rdmalinkd bootstrap address (host:port)")
	cmd.Flags().StringVar(&comp, "compression", "", "Chunk compression: none, zstd, lz4 or gzip")

	return cmd
}

func printResult(w io.Writer, res *layer.Result) {
	fmt.Fprintf(w, "Pushed %s\n", res.Name)
	fmt.Fprintf(w, "  Digest:   %s\n", res.Digest)
	fmt.Fprintf(w, "  Size:     %d bytes in %d chunks\n", res.Size, res.Chunks)
	fmt.Fprintf(w, "  Wire:     %d bytes\n", res.Wire)
	fmt.Fprintf(w, "  Duration: %s\n", res.Duration)

	if secs := res.Duration.Seconds(); secs > 0 {
		fmt.Fprintf(w, "  Rate:     %.1f MiB/s\n", float64(res.Size)/secs/(1<<20))
	}
}
