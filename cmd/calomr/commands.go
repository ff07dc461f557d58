// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaniya-v/CalOmr/cmd/calomr/config"
	"github.com/shaniya-v/CalOmr/pkg/logging"
	"github.com/shaniya-v/CalOmr/services/solver"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// --- Global Command Variables ---
var (
	configPath string
	jsonOutput bool
	verify     bool

	rootCmd = &cobra.Command{
		Use:   "calomr",
		Short: "Solve multiple-choice STEM questions with a shared answer cache",
		Long: `calomr answers multiple-choice STEM questions. Each question is looked up
in the answer cache first, by exact fingerprint and then by embedding
similarity; only a miss reaches the LLM solver, and its answer is written
back so the next identical or near-identical question is free.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	solveCmd = &cobra.Command{
		Use:   "solve [question file]",
		Short: "Solve one question from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSolve,
	}

	batchCmd = &cobra.Command{
		Use:   "batch [questions file]",
		Short: "Solve a list of questions from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatch,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and hit rate",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the calomr version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "calomr %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.calomr/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	solveCmd.Flags().BoolVar(&verify, "verify", false, "run a second verification pass")
	batchCmd.Flags().BoolVar(&verify, "verify", false, "run a verification pass on every question")

	rootCmd.AddCommand(serveCmd, solveCmd, batchCmd, statsCmd, versionCmd)
}

// openService loads configuration, installs the logger and builds the
// solver. The returned cleanup closes both.
func openService(ctx context.Context, serving bool) (*solver.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(cfg.LoggerConfig())
	slog.SetDefault(logger.Slog())

	svcCfg := cfg.ToService()
	svcCfg.Logger = logger.Slog()
	if !serving {
		svcCfg.EnableMetrics = false
	}

	svc, err := solver.New(ctx, svcCfg)
	if err != nil {
		_ = logger.Close()
		return nil, nil, err
	}
	return svc, func() {
		svc.Close(context.Background())
		_ = logger.Close()
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := openService(ctx, true)
	if err != nil {
		return err
	}
	defer cleanup()
	return svc.Run(ctx)
}

func runSolve(cmd *cobra.Command, args []string) error {
	questions, err := readQuestions(args[0])
	if err != nil {
		return err
	}
	if len(questions) != 1 {
		return fmt.Errorf("%s holds %d questions, use batch for more than one", args[0], len(questions))
	}

	svc, cleanup, err := openService(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := svc.Pipeline().SolveOne(cmd.Context(), questions[0], verify)
	if err != nil {
		return err
	}
	return newPrinter(cmd.OutOrStdout(), jsonOutput).Outcome(out)
}

func runBatch(cmd *cobra.Command, args []string) error {
	questions, err := readQuestions(args[0])
	if err != nil {
		return err
	}

	svc, cleanup, err := openService(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := svc.Pipeline().SolveMany(cmd.Context(), questions, verify)
	if err != nil {
		return err
	}
	return newPrinter(cmd.OutOrStdout(), jsonOutput).Batch(out)
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := openService(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := svc.Pipeline().GetStats(cmd.Context())
	if err != nil {
		return err
	}
	return newPrinter(cmd.OutOrStdout(), jsonOutput).Stats(stats)
}
