package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/cobra"

	"github.com/nmxmxh/morphis-overlay/internal/config"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/overlaynode"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "overlaynode",
		Short: "Run or administer a morphis overlay node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "overlaynode.toml", "path to the node's TOML config file")

	root.AddCommand(runCmd(), genKeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			node, err := overlaynode.New(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := node.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			log.Default("main").Info("overlaynode: shutdown signal received")

			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer stopCancel()
			return node.Stop(stopCtx)
		},
	}
}

func genKeyCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate and persist a fresh node identity without starting the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return err
			}
			raw, err := crypto.MarshalPrivateKey(priv)
			if err != nil {
				return err
			}
			fmt.Printf("generated %d-byte identity, writing to %s/identity.json\n", len(raw), dataDir)
			return overlaynode.WriteIdentity(dataDir, priv)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory to write identity.json into")
	return cmd
}
