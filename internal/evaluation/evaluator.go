package evaluation

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/model"
	"github.com/linkrank/linkrank/internal/pkg/errors"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// Evaluator scores candidate batches and ranks the gold triple.
type Evaluator struct {
	scorer    model.Scorer
	gen       *Generator
	chunkSize int
	logEvery  int
	log       *logger.Logger
}

// Options configures an Evaluator.
type Options struct {
	ChunkSize int
	// LogEvery logs progress every n triples at debug level. Zero disables it.
	LogEvery int
	Logger   *logger.Logger
}

// NewEvaluator creates an evaluator. The scorer is called sequentially.
func NewEvaluator(scorer model.Scorer, gen *Generator, opts Options) (*Evaluator, error) {
	if opts.ChunkSize < 1 {
		return nil, errors.ConfigError(fmt.Sprintf("chunk size must be positive, got %d", opts.ChunkSize))
	}
	if _, err := ParseProtocol(string(gen.Protocol())); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Evaluator{
		scorer:    scorer,
		gen:       gen,
		chunkSize: opts.ChunkSize,
		logEvery:  opts.LogEvery,
		log:       log,
	}, nil
}

// RankTriple ranks t in one corruption mode. index is t's position in the
// evaluated split.
func (e *Evaluator) RankTriple(ctx context.Context, t kg.Triple, index int, mode kg.Mode) (RankOutcome, error) {
	batch := e.gen.Generate(t, index, mode)

	scores, err := ScoreChunked(ctx, e.scorer, batch.Triples, e.chunkSize)
	if err != nil {
		return RankOutcome{}, err
	}

	rank, err := Rank(scores, batch.Gold)
	if err != nil {
		return RankOutcome{}, err
	}

	return RankOutcome{
		Index:  index,
		Triple: t,
		Mode:   mode,
		Gold:   batch.Gold,
		Rank:   rank,
		Scores: scores,
	}, nil
}

// Evaluate ranks every triple of part in one mode and returns the summed
// metrics. offset is the split index of part[0]. visit, when non-nil, sees
// each outcome in order.
func (e *Evaluator) Evaluate(ctx context.Context, part []kg.Triple, offset int, mode kg.Mode, visit func(RankOutcome)) (Metrics, error) {
	var m Metrics
	for i, t := range part {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}

		out, err := e.RankTriple(ctx, t, offset+i, mode)
		if err != nil {
			return Metrics{}, errors.Wrap(errors.CodeModel,
				fmt.Sprintf("ranking triple %d %s (%s)", offset+i, t, mode), err)
		}
		m.AddRank(out.Rank)
		if visit != nil {
			visit(out)
		}

		if e.logEvery > 0 && (i+1)%e.logEvery == 0 {
			e.log.Debug("ranking progress",
				"mode", mode.String(),
				"done", i+1,
				"total", len(part),
				"mr", m.MR/float64(i+1),
			)
		}
	}
	return m, nil
}

// ScoreChunked scores batch in consecutive chunks of at most chunkSize and
// concatenates the results in order. A final short chunk is scored too.
func ScoreChunked(ctx context.Context, scorer model.Scorer, batch []kg.Triple, chunkSize int) ([]float64, error) {
	if chunkSize < 1 {
		return nil, errors.ConfigError(fmt.Sprintf("chunk size must be positive, got %d", chunkSize))
	}

	scores := make([]float64, 0, len(batch))
	labels := make([]float64, min(chunkSize, len(batch)))
	for i := range labels {
		labels[i] = 1
	}

	for start := 0; start < len(batch); start += chunkSize {
		end := min(start+chunkSize, len(batch))
		chunk := batch[start:end]

		out, err := scorer.Score(ctx, chunk, labels[:len(chunk)])
		if err != nil {
			return nil, err
		}
		if len(out) != len(chunk) {
			return nil, errors.ModelError(fmt.Sprintf("model returned %d scores for %d triples", len(out), len(chunk)), nil)
		}
		scores = append(scores, out...)
	}
	return scores, nil
}

// Rank returns the 1-based position of candidate gold after a stable
// ascending sort of scores. Candidates are tracked by their pre-sort index,
// so equal scores keep their original relative order.
func Rank(scores []float64, gold int) (int, error) {
	if gold < 0 || gold >= len(scores) {
		return 0, errors.InternalError(fmt.Sprintf("gold index %d outside %d scores", gold, len(scores)), nil)
	}

	ids := make([]int, len(scores))
	for i := range ids {
		if math.IsNaN(scores[i]) {
			return 0, errors.ModelError(fmt.Sprintf("score %d is NaN", i), nil)
		}
		ids[i] = i
	}

	slices.SortStableFunc(ids, func(a, b int) int {
		return cmp.Compare(scores[a], scores[b])
	})

	return slices.Index(ids, gold) + 1, nil
}
