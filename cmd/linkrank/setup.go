package main

import (
	"github.com/spf13/cobra"

	"github.com/linkrank/linkrank/internal/config"
	"github.com/linkrank/linkrank/internal/evaluation"
	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/logger"
)

// addRunFlags registers the flags shared by eval, aggregate and serve.
// Each one overrides its config value only when set.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("data-dir", "", "dataset root directory")
	f.String("dataset", "", "dataset name under the data directory")
	f.String("split", "", "evaluated split (test, valid)")
	f.String("run-folder", "", "folder holding runs/<model>/checkpoints")
	f.StringSlice("model-names", nil, "model names to evaluate")
	f.StringSlice("model-indexes", nil, "checkpoint indexes to evaluate")
	f.String("eval-type", "", "gold insertion policy (top, bottom, random)")
	f.Int("num-splits", 0, "number of shards")
	f.String("store", "", "partial metrics store (file, redis)")
	f.String("redis-url", "", "Redis URL for the redis store")
	f.String("bus", "", "event bus (memory, kafka)")
	f.String("kafka-brokers", "", "comma-separated Kafka brokers")
	f.String("grpc-address", "", "remote scorer address; selects the grpc model kind")
}

// loadConfig loads the config file and environment, applies flag
// overrides and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	slice := func(name string, dst *[]string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetStringSlice(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}

	str("data-dir", &cfg.Data.Dir)
	str("dataset", &cfg.Data.Name)
	str("split", &cfg.Data.Split)
	str("run-folder", &cfg.Run.Folder)
	slice("model-names", &cfg.Run.ModelNames)
	slice("model-indexes", &cfg.Run.ModelIndexes)
	str("eval-type", &cfg.Eval.Type)
	num("num-splits", &cfg.Eval.NumSplits)
	str("store", &cfg.Store.Type)
	str("redis-url", &cfg.Store.RedisURL)
	str("bus", &cfg.Bus.Type)
	str("kafka-brokers", &cfg.Bus.KafkaBrokers)
	if flags.Changed("grpc-address") {
		cfg.Model.GRPCAddress, _ = flags.GetString("grpc-address")
		cfg.Model.Kind = "grpc"
	}

	// command-local flags; Changed is false for flags a command lacks
	num("test-idx", &cfg.Eval.TestIdx)
	if all, _ := flags.GetBool("all"); all || flags.Lookup("test-idx") == nil {
		// only a single-shard eval picks a shard
		cfg.Eval.TestIdx = 0
	}
	num("workers", &cfg.Eval.Workers)
	num("batch-size", &cfg.Eval.BatchSize)
	if flags.Changed("neg-ratio") {
		cfg.Eval.NegRatio, _ = flags.GetFloat64("neg-ratio")
	}
	if flags.Changed("seed") {
		cfg.Eval.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("no-diagnostics") {
		noDiag, _ := flags.GetBool("no-diagnostics")
		cfg.Eval.Diagnostics = !noDiag
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *logger.Logger {
	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	return logger.New(level, cfg.Log.Format)
}

// evalInputs is everything derived from the dataset that eval and
// aggregate share.
type evalInputs struct {
	dataset     *kg.Dataset
	split       []kg.Triple
	fingerprint string
	protocol    evaluation.Protocol
}

func loadEvalInputs(cfg *config.Config, log *logger.Logger) (*evalInputs, error) {
	protocol, err := evaluation.ParseProtocol(cfg.Eval.Type)
	if err != nil {
		return nil, err
	}

	ds, err := kg.LoadDataset(cfg.Data.Dir, cfg.Data.Name)
	if err != nil {
		return nil, err
	}
	split, err := ds.Split(cfg.Data.Split)
	if err != nil {
		return nil, err
	}

	in := &evalInputs{
		dataset:     ds,
		split:       split,
		fingerprint: kg.Fingerprint(split, ds.Entities.Len(), ds.Relations.Len()),
		protocol:    protocol,
	}
	log.Info("Loaded dataset",
		"name", ds.Name,
		"entities", ds.Entities.Len(),
		"relations", ds.Relations.Len(),
		"split", cfg.Data.Split,
		"triples", len(split),
		"fingerprint", in.fingerprint,
	)
	return in, nil
}
