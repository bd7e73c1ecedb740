package shard

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linkrank/linkrank/internal/bus"
	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
	"github.com/linkrank/linkrank/internal/results"
)

// Config configures a Runner.
type Config struct {
	// Model scores candidates. It is shared by every shard the runner
	// evaluates and is called by one shard at a time.
	Model model.Scorer

	// MaxBatch bounds each scoring call; zero means ChunkSize.
	MaxBatch int

	Generator *evaluation.Generator
	ChunkSize int
	LogEvery  int

	Store results.Store

	// Bus receives a completion event per shard. Optional.
	Bus bus.Bus

	// Diagnostics enables the per-triple dump next to the shard file.
	Diagnostics bool

	// Source names this process in published events.
	Source string

	Logger *logger.Logger
}

// Job is one checkpoint evaluated on one split under one protocol.
type Job struct {
	Key       results.Key
	Triples   []kg.Triple
	NumSplits int
}

// Runner evaluates shards: head corruption over the whole shard, then tail
// corruption, then persists the partial sums.
type Runner struct {
	model       model.Scorer
	maxBatch    int
	gen         *evaluation.Generator
	chunkSize   int
	logEvery    int
	store       results.Store
	bus         bus.Bus
	diagnostics bool
	source      string
	log         *logger.Logger
}

// NewRunner validates cfg and creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Model == nil {
		return nil, errors.ConfigError("shard runner needs a model")
	}
	if cfg.Generator == nil {
		return nil, errors.ConfigError("shard runner needs a candidate generator")
	}
	if cfg.Store == nil {
		return nil, errors.ConfigError("shard runner needs a results store")
	}
	if cfg.ChunkSize < 1 {
		return nil, errors.ConfigError(fmt.Sprintf("chunk size must be positive, got %d", cfg.ChunkSize))
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = cfg.ChunkSize
	}
	if cfg.MaxBatch < cfg.ChunkSize {
		return nil, errors.ConfigError(fmt.Sprintf("max batch %d is smaller than chunk size %d", cfg.MaxBatch, cfg.ChunkSize))
	}
	if cfg.Source == "" {
		cfg.Source = "linkrank"
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	return &Runner{
		model:       model.NewSerialized(cfg.Model),
		maxBatch:    cfg.MaxBatch,
		gen:         cfg.Generator,
		chunkSize:   cfg.ChunkSize,
		logEvery:    cfg.LogEvery,
		store:       cfg.Store,
		bus:         cfg.Bus,
		diagnostics: cfg.Diagnostics,
		source:      cfg.Source,
		log:         cfg.Logger,
	}, nil
}

// Run evaluates shard idx of job and saves its partial metrics. Nothing is
// saved when any triple fails.
func (r *Runner) Run(ctx context.Context, job Job, idx int) (evaluation.Partial, error) {
	span, err := Partition(len(job.Triples), job.NumSplits, idx)
	if err != nil {
		return evaluation.Partial{}, err
	}

	start := time.Now()
	log := r.log.WithModel(job.Key.Checkpoint.Name, job.Key.Checkpoint.Index).WithShard(idx)
	log.Info("shard started",
		"protocol", string(job.Key.Protocol),
		"range", span.String(),
		"triples", span.Len(),
	)

	// per-shard adapter so scoring counters are per shard
	adapter := model.NewAdapter(r.model, r.maxBatch)
	ev, err := evaluation.NewEvaluator(adapter, r.gen, evaluation.Options{
		ChunkSize: r.chunkSize,
		LogEvery:  r.logEvery,
		Logger:    log,
	})
	if err != nil {
		return evaluation.Partial{}, err
	}

	var dw *results.DiagnosticsWriter
	if r.diagnostics {
		dw, err = results.CreateDiagnostics(results.DiagnosticsPath(job.Key, idx))
		if err != nil {
			return evaluation.Partial{}, err
		}
	}

	part, err := r.evaluate(ctx, ev, job.Triples[span.Start:span.End], span.Start, dw)
	if err != nil {
		if dw != nil {
			dw.Abort()
		}
		return evaluation.Partial{}, err
	}
	part.Shard = idx
	part.Count = span.Len()

	if dw != nil {
		err := dw.Close(results.Trailer{
			Shard:    idx,
			Protocol: string(job.Key.Protocol),
			Scoring:  adapter.Stats(),
			Partial:  part,
		})
		if err != nil {
			return evaluation.Partial{}, err
		}
	}

	if err := r.store.SavePartial(ctx, job.Key, part); err != nil {
		return evaluation.Partial{}, err
	}

	elapsed := time.Since(start)
	stats := adapter.Stats()
	log.Info("shard finished",
		"triples", part.Count,
		"scoring_calls", stats.Calls,
		"candidates", stats.Candidates,
		"duration", elapsed,
	)

	r.publishCompleted(ctx, job, part, elapsed)
	return part, nil
}

func (r *Runner) evaluate(ctx context.Context, ev *evaluation.Evaluator, triples []kg.Triple, offset int, dw *results.DiagnosticsWriter) (evaluation.Partial, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeErr error
	var visit func(evaluation.RankOutcome)
	if dw != nil {
		visit = func(o evaluation.RankOutcome) {
			if writeErr != nil {
				return
			}
			if err := dw.Write(results.RecordFromOutcome(o)); err != nil {
				writeErr = err
				cancel()
			}
		}
	}

	var part evaluation.Partial
	for _, mode := range kg.Modes {
		m, err := ev.Evaluate(ctx, triples, offset, mode, visit)
		if writeErr != nil {
			return evaluation.Partial{}, writeErr
		}
		if err != nil {
			return evaluation.Partial{}, err
		}
		*part.Mode(mode) = m
	}
	return part, nil
}

// publishCompleted announces a saved shard. The store already holds the
// result, so a failed publish is only logged.
func (r *Runner) publishCompleted(ctx context.Context, job Job, part evaluation.Partial, elapsed time.Duration) {
	if r.bus == nil {
		return
	}

	event := bus.NewShardCompletedEvent(r.source, bus.ShardCompleted{
		Model:       job.Key.Checkpoint.Name,
		Index:       job.Key.Checkpoint.Index,
		Protocol:    string(job.Key.Protocol),
		Fingerprint: job.Key.Fingerprint,
		Shard:       part.Shard,
		NumSplits:   job.NumSplits,
		Triples:     part.Count,
		Head:        part.Head,
		Tail:        part.Tail,
		DurationMs:  elapsed.Milliseconds(),
	})
	if err := r.bus.Publish(ctx, bus.TopicShardCompleted, event); err != nil {
		r.log.Warn("failed to publish shard completion", "shard", part.Shard, "error", err.Error())
	}
}

// RunAll evaluates every shard of job with up to workers shards in flight.
// Partials are returned in shard order. The first failure cancels the rest.
func (r *Runner) RunAll(ctx context.Context, job Job, workers int) ([]evaluation.Partial, error) {
	if _, err := Partitions(len(job.Triples), job.NumSplits); err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	parts := make([]evaluation.Partial, job.NumSplits)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < job.NumSplits; i++ {
		g.Go(func() error {
			p, err := r.Run(gctx, job, i)
			if err != nil {
				return err
			}
			parts[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}
