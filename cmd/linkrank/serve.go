package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linkrank/linkrank/internal/grpcserver"
	"github.com/linkrank/linkrank/internal/model"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a local checkpoint as a gRPC scorer",
		Long: `Load one checkpoint and answer scoring calls over gRPC, so shards on
other machines can run 'linkrank eval --grpc-address host:port' against a
single model instance. The first configured model name and index are served.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", ":50051", "TCP address to listen on (empty disables TCP)")
	cmd.Flags().String("unix-socket", "", "Unix socket path (disabled on Windows)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	listen, _ := cmd.Flags().GetString("listen")
	unixSocket, _ := cmd.Flags().GetString("unix-socket")
	log := newLogger(cmd, cfg)

	in, err := loadEvalInputs(cfg, log)
	if err != nil {
		return err
	}

	name, index := cfg.Run.ModelNames[0], cfg.Run.ModelIndexes[0]
	ckpt := model.NewCheckpoint(cfg.Run.Folder, name, index)
	scorer, err := openLocalScorer(cfg, ckpt, in, log.WithModel(name, index))
	if err != nil {
		return err
	}

	srv := grpcserver.New(grpcserver.Config{
		TCPAddr:        listen,
		UnixSocketPath: unixSocket,
	}, log, scorer)
	if err := srv.Start(); err != nil {
		return err
	}
	log.Info("Serving checkpoint", "version", version, "prefix", ckpt.Prefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("Shutdown signal received")
	srv.Stop()
	return nil
}
