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
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/antflydb/nestedner/pkg/nestedner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/doc"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/ner"
	"github.com/antflydb/nestedner/pkg/nestedner/lib/omop"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Annotate documents with a trained pipe",
	Long: `Read JSON lines documents, annotate them and write them back as JSON
lines with their entities and span groups.

With --omop-dir the annotations are also exported as OMOP note and
note_nlp tables (note.jsonl, note_nlp.jsonl). Document ids must then be
integer note ids. Flat entities come first in note_nlp, followed by the
span group mentions tagged with their group name.

Examples:
  nestedner predict --model ./model --input notes.jsonl --output annotated.jsonl
  cat notes.jsonl | nestedner predict --model ./model --omop-dir ./omop`,
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().String("model", "model", "model directory")
	predictCmd.Flags().String("input", "-", "documents to annotate (JSON lines, - for stdin)")
	predictCmd.Flags().String("output", "-", "annotated documents (JSON lines, - for stdout)")
	predictCmd.Flags().Int("batch-size", nestedner.DefaultBatchSize, "documents per prediction batch")
	predictCmd.Flags().String("omop-dir", "", "also write OMOP note and note_nlp tables to this directory")
	for _, name := range []string{"model", "input", "output", "batch-size", "omop-dir"} {
		mustBindPFlag("predict."+name, predictCmd.Flags().Lookup(name))
	}
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	cache := nestedner.NewPredictionCache(nestedner.PredictionCacheTTL, logger.Named("cache"))
	defer cache.Close()

	pipe, _, err := nestedner.LoadModel(viper.GetString("predict.model"), cache, logger)
	if err != nil {
		return err
	}

	in, closeIn, err := openInput(viper.GetString("predict.input"))
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(viper.GetString("predict.output"))
	if err != nil {
		return err
	}
	defer closeOut()

	omopDir := viper.GetString("predict.omop-dir")
	batchSize := max(1, viper.GetInt("predict.batch-size"))

	var (
		batch []*doc.Doc
		kept  []*doc.Doc
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := pipe.Process(ctx, batch); err != nil {
			return err
		}
		if err := doc.WriteDocs(out, batch); err != nil {
			return err
		}
		total += len(batch)
		if omopDir != "" {
			kept = append(kept, batch...)
		}
		batch = nil
		return nil
	}

	for d, err := range doc.StreamDocs(in) {
		if err != nil {
			return err
		}
		batch = append(batch, d)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	logger.Info("Annotated documents", zap.Int("docs", total))

	if omopDir != "" {
		if err := writeOMOP(omopDir, pipe, kept); err != nil {
			return err
		}
		logger.Info("Wrote OMOP tables", zap.String("dir", omopDir))
	}
	return nil
}

func writeOMOP(dir string, pipe *ner.Pipe, docs []*doc.Doc) error {
	notes, nlp, err := omop.FromDocs(docs, nil)
	if err != nil {
		return err
	}
	grouped, err := omop.GroupsToNoteNLP(docs, pipe.ScoreOptions().SpansLabels, int64(len(nlp)))
	if err != nil {
		return err
	}
	nlp = append(nlp, grouped...)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating OMOP directory: %w", err)
	}
	if err := writeRowsFile(filepath.Join(dir, "note.jsonl"), notes); err != nil {
		return err
	}
	return writeRowsFile(filepath.Join(dir, "note_nlp.jsonl"), nlp)
}

func writeRowsFile[T omop.NoteRow | omop.NoteNLPRow](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := omop.WriteRows(f, rows); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
