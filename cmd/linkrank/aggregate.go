package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/linkrank/linkrank/internal/bus"
	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
	"github.com/linkrank/linkrank/internal/results"
)

func aggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Combine all shard results into final metrics",
		Long: `Read the partial metric sums of shards 0..num_splits-1 and print the
final means over both corruption modes:

  <prefix> mr, mrr, hits@1, hits@3, hits@10 --> MR MRR H@1 H@3 H@10
  int(MR),MRR,H@10,H@3,H@1

Every shard must be present. With --wait the command first blocks until
every shard has reported completion on the event bus.`,
		RunE: runAggregate,
	}

	cmd.Flags().Bool("wait", false, "wait for shard completion events before aggregating")
	cmd.Flags().Duration("timeout", 30*time.Minute, "how long --wait blocks")

	return cmd
}

// aggregateReport is the JSON form of one checkpoint's result.
type aggregateReport struct {
	Model    string             `json:"model"`
	Index    string             `json:"index"`
	Protocol string             `json:"protocol"`
	Prefix   string             `json:"prefix"`
	Summary  evaluation.Summary `json:"summary"`
	CSV      string             `json:"csv"`
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	format, _ := cmd.Flags().GetString("format")
	log := newLogger(cmd, cfg)

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

	var eventBus bus.Bus
	if wait {
		eventBus, err = bus.NewBus(cfg.Bus, log)
		if err != nil {
			return err
		}
		defer func() { _ = eventBus.Close() }()
	}

	for _, name := range cfg.Run.ModelNames {
		for _, index := range cfg.Run.ModelIndexes {
			key := results.Key{
				Checkpoint:  model.NewCheckpoint(cfg.Run.Folder, name, index),
				Protocol:    in.protocol,
				Fingerprint: in.fingerprint,
			}

			if wait {
				if err := waitForShards(ctx, eventBus, store, key, cfg.Eval.NumSplits, timeout, log); err != nil {
					return err
				}
			}

			parts, err := results.LoadAll(ctx, store, key, cfg.Eval.NumSplits)
			if err != nil {
				return err
			}
			summary, err := evaluation.Aggregate(parts, cfg.Eval.NumSplits, len(in.split))
			if err != nil {
				return err
			}

			if err := printSummary(cmd.OutOrStdout(), format, key, summary); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitForShards subscribes before checking the store, so a shard that
// finishes in between is still seen. Completions already in the event log
// and shards already stored count as reported.
func waitForShards(ctx context.Context, b bus.Bus, store results.Store, key results.Key, numSplits int, timeout time.Duration, log *logger.Logger) error {
	waiter := bus.NewCompletionWaiter(key.Checkpoint.Name, key.Checkpoint.Index, string(key.Protocol), numSplits)
	if err := waiter.Subscribe(ctx, b); err != nil {
		return err
	}

	if lb, ok := b.(*bus.LoggedBus); ok {
		if err := replayCompletions(ctx, lb.EventLogger(), waiter); err != nil {
			return err
		}
	}

	stored, err := store.Shards(ctx, key)
	if err != nil {
		return err
	}
	for _, i := range stored {
		waiter.Mark(i)
	}

	missing := waiter.Missing()
	if len(missing) == 0 {
		return nil
	}
	log.Info("Waiting for shards", "run", key.String(), "missing", missing, "timeout", timeout)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return waiter.Wait(waitCtx)
}

// replayCompletions feeds every logged event to waiter through a private
// bus, leaving the shared bus and the log itself untouched.
func replayCompletions(ctx context.Context, el *bus.EventLogger, waiter *bus.CompletionWaiter) error {
	local := bus.NewMemoryBus()
	if err := waiter.Subscribe(ctx, local); err != nil {
		return err
	}
	err := el.Replay(ctx, local, time.Time{})
	// Close drains the replayed handlers
	_ = local.Close()
	return err
}

func printSummary(w io.Writer, format string, key results.Key, s *evaluation.Summary) error {
	if format == "json" {
		raw, err := sonic.Marshal(aggregateReport{
			Model:    key.Checkpoint.Name,
			Index:    key.Checkpoint.Index,
			Protocol: string(key.Protocol),
			Prefix:   key.Checkpoint.Prefix,
			Summary:  *s,
			CSV:      s.CSVLine(),
		})
		if err != nil {
			return errors.InternalError("encode summary", err)
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}

	if _, err := fmt.Fprintf(w, "%s mr, mrr, hits@1, hits@3, hits@10 --> %s\n", key.Checkpoint.Prefix, s.VectorLine()); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, s.CSVLine())
	return err
}
