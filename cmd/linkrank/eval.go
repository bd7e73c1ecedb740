package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linkrank/linkrank/internal/bus"
	"github.com/linkrank/linkrank/internal/config"
	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
	"github.com/linkrank/linkrank/internal/results"
	"github.com/linkrank/linkrank/internal/shard"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Compute one shard (or all shards) of the filtered ranking metrics",
		Long: `Rank every test triple of one shard against its filtered head and tail
corruptions and save the shard's metric sums.

For each model name and checkpoint index the shard file is written to
<run_folder>/runs/<name>/checkpoints/model-<index>.eval_<type>.<shard>.txt
(or to Redis with --store redis), alongside a compressed per-triple
diagnostics dump.`,
		RunE: runEval,
	}

	cmd.Flags().Int("test-idx", 0, "shard index to compute")
	cmd.Flags().Bool("all", false, "compute every shard in this process")
	cmd.Flags().Int("workers", 0, "shards evaluated concurrently with --all")
	cmd.Flags().Int("batch-size", 0, "scoring batch size")
	cmd.Flags().Float64("neg-ratio", 0, "negatives per positive; chunk = batch-size*(int(neg-ratio)+1)")
	cmd.Flags().Int64("seed", 0, "seed for random gold insertion")
	cmd.Flags().Bool("no-diagnostics", false, "skip the per-triple diagnostics dump")

	return cmd
}

func runEval(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	log := newLogger(cmd, cfg)

	// configuration errors surface before any data is read
	chunkSize, err := evaluation.ChunkSize(cfg.Eval.BatchSize, cfg.Eval.NegRatio)
	if err != nil {
		return err
	}
	if _, err := shard.Partition(0, cfg.Eval.NumSplits, cfg.Eval.TestIdx); err != nil {
		return err
	}

	in, err := loadEvalInputs(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := results.NewStore(cfg.Store.Type, cfg.Store.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	eventBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return err
	}
	defer func() { _ = eventBus.Close() }()

	var remote *model.GRPCScorer
	if cfg.Model.Kind == "grpc" {
		remote, err = model.DialScorer(model.GRPCConfig{
			Address: cfg.Model.GRPCAddress,
			Timeout: cfg.Model.GRPCTimeout,
			RPS:     cfg.Model.RPS,
		})
		if err != nil {
			return err
		}
		defer func() { _ = remote.Close() }()
		log.Info("Connected to remote scorer", "address", cfg.Model.GRPCAddress)
	}

	gen := evaluation.NewGenerator(in.dataset.Known(), in.dataset.Entities.IDs(), in.protocol, cfg.Eval.Seed)
	hostname, _ := os.Hostname()

	for _, name := range cfg.Run.ModelNames {
		for _, index := range cfg.Run.ModelIndexes {
			ckpt := model.NewCheckpoint(cfg.Run.Folder, name, index)
			mlog := log.WithModel(name, index)

			var scorer model.Scorer
			if remote != nil {
				scorer = remote
			} else {
				scorer, err = openLocalScorer(cfg, ckpt, in, mlog)
				if err != nil {
					return err
				}
			}

			runner, err := shard.NewRunner(shard.Config{
				Model:       scorer,
				MaxBatch:    cfg.MaxBatch(),
				Generator:   gen,
				ChunkSize:   chunkSize,
				LogEvery:    cfg.Eval.LogEvery,
				Store:       store,
				Bus:         eventBus,
				Diagnostics: cfg.Eval.Diagnostics,
				Source:      hostname,
				Logger:      log,
			})
			if err != nil {
				return err
			}

			job := shard.Job{
				Key: results.Key{
					Checkpoint:  ckpt,
					Protocol:    in.protocol,
					Fingerprint: in.fingerprint,
				},
				Triples:   in.split,
				NumSplits: cfg.Eval.NumSplits,
			}

			if all {
				if _, err := runner.RunAll(ctx, job, cfg.Eval.Workers); err != nil {
					return err
				}
				continue
			}
			if _, err := runner.Run(ctx, job, cfg.Eval.TestIdx); err != nil {
				return err
			}
		}
	}
	return nil
}

func openLocalScorer(cfg *config.Config, ckpt model.Checkpoint, in *evalInputs, log *logger.Logger) (model.Scorer, error) {
	if _, err := model.ResolveCheckpoint(cfg.Run.Folder, ckpt.Name, ckpt.Index); err != nil {
		return nil, errors.Wrap(errors.CodeModel, "resolve checkpoint", err)
	}
	scorer, err := model.LoadCheckpoint(ckpt, in.dataset)
	if err != nil {
		return nil, err
	}
	log.Info("Loaded checkpoint", "prefix", ckpt.Prefix)
	return scorer, nil
}
