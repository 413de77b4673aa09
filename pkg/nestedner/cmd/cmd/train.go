// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/antflydb/nestedner/pkg/nestedner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/ner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/rules"
	"github.com/bytedance/sonic/encoder"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a gazetteer pipe on a JSON lines corpus",
	Long: `Train a nested NER pipe backed by the gazetteer model.

Labels come from --labels (a YAML file with ent_labels and spans_labels)
or are discovered from the first training documents.

Examples:
  # Discover labels and train for 5 epochs
  nestedner train --train train.jsonl --dev dev.jsonl --output ./model --epochs 5

  # Fixed labels, metrics on :9090
  nestedner train --train train.jsonl --labels labels.yaml --output ./model --metrics-port 9090`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().String("train", "", "training corpus (JSON lines)")
	trainCmd.Flags().String("dev", "", "development corpus (JSON lines); defaults to the training corpus")
	trainCmd.Flags().String("labels", "", "label configuration file (YAML)")
	trainCmd.Flags().String("output", "model", "output model directory")
	trainCmd.Flags().Int("epochs", nestedner.DefaultEpochs, "number of epochs")
	trainCmd.Flags().Int("batch-size", nestedner.DefaultBatchSize, "examples per update")
	trainCmd.Flags().Float64("dropout", 0, "fraction of new phrases skipped per update")
	trainCmd.Flags().Float64("learn-rate", nestedner.DefaultLearnRate, "optimizer learning rate")
	trainCmd.Flags().Int("patience", 0, "stop after this many epochs without dev improvement (0 = never)")
	trainCmd.Flags().Uint64("seed", 0, "shuffle seed (0 = no shuffling)")
	trainCmd.Flags().Bool("case-sensitive", false, "match phrases case-sensitively")
	trainCmd.Flags().Int("metrics-port", 0, "serve Prometheus metrics on this port (0 = disabled)")

	for _, name := range []string{
		"train", "dev", "labels", "output", "epochs", "batch-size", "dropout",
		"learn-rate", "patience", "seed", "case-sensitive", "metrics-port",
	} {
		mustBindPFlag("train."+name, trainCmd.Flags().Lookup(name))
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if port := viper.GetInt("train.metrics-port"); port > 0 {
		stop := serveMetrics(port, logger)
		defer stop()
	}

	train, dev, err := loadCorpora(ctx, viper.GetString("train.train"), viper.GetString("train.dev"))
	if err != nil {
		return err
	}

	opts := []ner.ConfigOption{
		ner.WithLogger(logger),
		ner.WithObserver(nestedner.MetricsObserver),
	}
	if path := viper.GetString("train.labels"); path != "" {
		fc, err := ner.LoadConfigFile(path)
		if err != nil {
			return err
		}
		opts = append(fc.Options(), opts...)
	}
	cfg, err := ner.NewConfig(opts...)
	if err != nil {
		return err
	}

	g := rules.New(rules.Config{
		CaseSensitive: viper.GetBool("train.case-sensitive"),
		Logger:        logger.Named("gazetteer"),
	})
	pipe, err := ner.NewPipe(g, cfg)
	if err != nil {
		return err
	}

	seed := viper.GetUint64("train.seed")
	trainer, err := nestedner.NewTrainer(pipe, nestedner.TrainerConfig{
		Epochs:    viper.GetInt("train.epochs"),
		BatchSize: viper.GetInt("train.batch-size"),
		Dropout:   viper.GetFloat64("train.dropout"),
		LearnRate: viper.GetFloat64("train.learn-rate"),
		Patience:  viper.GetInt("train.patience"),
		Shuffle:   seed != 0,
		Seed:      seed,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	result, err := trainer.Train(ctx, train, dev)
	if err != nil {
		return err
	}

	output := viper.GetString("train.output")
	if err := nestedner.SaveModel(output, pipe, g); err != nil {
		return err
	}
	logger.Info("Saved model",
		zap.String("dir", output),
		zap.Int("phrases", g.Len()),
		zap.Int("best_epoch", result.BestEpoch),
		zap.Float64("ents_f", result.Best.EntsF))

	return encoder.NewStreamEncoder(os.Stdout).Encode(result)
}

// loadCorpora reads the training and development corpora concurrently.
func loadCorpora(ctx context.Context, trainPath, devPath string) (train, dev []*doc.Example, err error) {
	if trainPath == "" {
		return nil, nil, errors.New("--train is required")
	}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		train, err = doc.ReadExamplesFile(trainPath)
		if err != nil {
			return fmt.Errorf("loading training corpus: %w", err)
		}
		return nil
	})
	if devPath != "" {
		g.Go(func() error {
			var err error
			dev, err = doc.ReadExamplesFile(devPath)
			if err != nil {
				return fmt.Errorf("loading dev corpus: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return train, dev, nil
}

// serveMetrics exposes the Prometheus registry until the returned function
// is called.
func serveMetrics(port int, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
