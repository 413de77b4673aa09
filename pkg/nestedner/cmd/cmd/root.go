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
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set by main at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nestedner",
	Short: "Nested named entity recognition",
	Long: `Train, evaluate and run nested NER pipes.

Entities are written to two channels: a flat, non-overlapping entity list
and named span groups that keep nested and overlapping mentions.

Corpora are JSON lines documents:
  {"id": "1", "text": "...", "ents": [...], "spans": {"group": [...]}}

Every flag can also be set with a NESTEDNER_ environment variable
(e.g. NESTEDNER_LOG_LEVEL=debug) or in the --config file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "terminal", "log style (terminal, json)")
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
}

func initConfig() error {
	viper.SetEnvPrefix("NESTEDNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", cfgFile, err)
	}
	return nil
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// newLogger builds the process logger from the log.level and log.style
// settings.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var cfg zap.Config
	switch style := viper.GetString("log.style"); style {
	case "json":
		cfg = zap.NewProductionConfig()
	case "terminal", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log style %q", style)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
