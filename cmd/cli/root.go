// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rillation/enrichment-runtime/internal/config"
	"github.com/rillation/enrichment-runtime/internal/logging"
	"github.com/spf13/cobra"
)

// env carries what every subcommand shares.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	e := &env{}
	var logFile string

	root := &cobra.Command{
		Use:           "enrichctl",
		Short:         "Validate and run enrichment plans against the provider",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e.cfg = config.Load()
			if logFile != "" {
				e.cfg.LogFile = logFile
			}
			logger, closer, err := logging.NewLoggerWithFile(e.cfg.Env, e.cfg.LogFile)
			if err != nil {
				return err
			}
			e.logger = logger
			e.closer = closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if e.closer == nil {
				return nil
			}
			return e.closer.Close()
		},
	}

	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")

	root.AddCommand(newPlanCommand(e))
	root.AddCommand(newRecordCommand(e))

	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
