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
	"os"
	"os/signal"
	"syscall"

	"github.com/antflydb/nestedner/pkg/nestedner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/scoring"
	"github.com/bytedance/sonic/encoder"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a trained pipe on an annotated corpus",
	Long: `Predict every document of an annotated corpus and report exact-match
precision, recall and F1 over the flat entity list and the span groups.

Examples:
  nestedner evaluate --model ./model --data test.jsonl
  nestedner evaluate --model ./model --data test.jsonl --per-label`,
	RunE: runEvaluate,
}

// evaluation is the JSON report printed by evaluate.
type evaluation struct {
	Scores   scoring.Report            `json:"scores"`
	Counts   scoring.Counts            `json:"counts"`
	PerLabel map[string]scoring.Report `json:"per_label,omitempty"`
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().String("model", "model", "model directory")
	evaluateCmd.Flags().String("data", "", "annotated corpus (JSON lines)")
	evaluateCmd.Flags().Int("batch-size", nestedner.DefaultBatchSize, "documents per prediction batch")
	evaluateCmd.Flags().Bool("per-label", false, "also report scores per label")
	for _, name := range []string{"model", "data", "batch-size", "per-label"} {
		mustBindPFlag("evaluate."+name, evaluateCmd.Flags().Lookup(name))
	}
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	dataPath := viper.GetString("evaluate.data")
	if dataPath == "" {
		return errors.New("--data is required")
	}
	examples, err := doc.ReadExamplesFile(dataPath)
	if err != nil {
		return err
	}

	pipe, _, err := nestedner.LoadModel(viper.GetString("evaluate.model"), nil, logger)
	if err != nil {
		return err
	}

	scores, err := nestedner.Evaluate(ctx, pipe, examples, viper.GetInt("evaluate.batch-size"))
	if err != nil {
		return err
	}
	nestedner.RecordScores(pipe.Name(), scores.Map())

	opts := pipe.ScoreOptions()
	report := evaluation{
		Scores: scores,
		Counts: scoring.Count(examples, opts),
	}
	if viper.GetBool("evaluate.per-label") {
		report.PerLabel = scoring.ScoreByLabel(examples, opts)
	}

	logger.Info("Evaluated",
		zap.Int("examples", len(examples)),
		zap.Float64("ents_p", scores.EntsP),
		zap.Float64("ents_r", scores.EntsR),
		zap.Float64("ents_f", scores.EntsF))

	return encoder.NewStreamEncoder(os.Stdout).Encode(&report)
}
