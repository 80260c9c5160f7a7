// Billwatch - Medical bill anomaly detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command billcheck analyzes bills offline, resolves names against the MRP
// reference and replays labeled bills against a running billwatch server.
//
// Usage:
//
//	billcheck analyze bill.json --reference ./data/mrp.json
//	billcheck match "Paracetamol 500mg"
//	billcheck replay labeled.jsonl --url http://localhost:8080
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/billwatch/internal/config"
	"github.com/opensource-finance/billwatch/internal/domain"
	"github.com/opensource-finance/billwatch/internal/mrp"
	"github.com/opensource-finance/billwatch/internal/rules"
	"github.com/opensource-finance/billwatch/internal/verdict"
)

type rootOptions struct {
	configPath string
	reference  string
	verbose    bool
}

func main() {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "billcheck",
		Short:         "Check medical bills for pricing and billing anomalies",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("BILLWATCH_CONFIG"), "path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&opts.reference, "reference", "", "MRP dataset (path, .gz path or s3://bucket/key)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging; replay prints each bill")

	rootCmd.AddCommand(newAnalyzeCmd(opts))
	rootCmd.AddCommand(newMatchCmd(opts))
	rootCmd.AddCommand(newReplayCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billcheck: %v\n", err)
		os.Exit(1)
	}
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var compact bool

	cmd := &cobra.Command{
		Use:   "analyze <bill.json>",
		Short: "Analyze a bill file without a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			req, err := readBill(args[0])
			if err != nil {
				return fmt.Errorf("reading bill: %w", err)
			}

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			matcher, err := loadMatcher(ctx, cfg)
			if err != nil {
				return err
			}

			engine, err := rules.NewEngine(matcher, cfg.Matcher.Tolerance)
			if err != nil {
				return fmt.Errorf("creating rule engine: %w", err)
			}
			defer engine.Close()

			processor := verdict.NewProcessor()
			processor.AlertThreshold = cfg.Verdict.AlertThreshold
			analyzer := verdict.NewAnalyzer(engine, processor, matcher.Index().Version())

			analysis := analyzer.Analyze(ctx, req, "")

			enc := json.NewEncoder(cmd.OutOrStdout())
			if !compact {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(analysis)
		},
	}

	cmd.Flags().BoolVar(&compact, "compact", false, "print single-line JSON")
	return cmd
}

func newMatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "match <name>",
		Short: "Resolve an item name against the MRP reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			matcher, err := loadMatcher(ctx, cfg)
			if err != nil {
				return err
			}

			match, ok := matcher.FindMRP(ctx, args[0])
			if !ok {
				return fmt.Errorf("no reference match for %q", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Query:     %s\n", args[0])
			fmt.Fprintf(out, "Candidate: %s\n", match.Candidate)
			fmt.Fprintf(out, "Tier:      %s\n", match.Tier)
			fmt.Fprintf(out, "Score:     %.4f\n", match.Score)
			fmt.Fprintf(out, "MRP:       %.2f\n", match.Price)
			fmt.Fprintf(out, "Ceiling:   %.2f (x%.2f)\n", match.Price*cfg.Matcher.Tolerance, cfg.Matcher.Tolerance)
			return nil
		},
	}
}

// load reads the shared config; --reference overrides reference.source.
func (o *rootOptions) load() (*domain.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.reference != "" {
		cfg.Reference.Source = o.reference
	}
	return cfg, nil
}

func loadMatcher(ctx context.Context, cfg *domain.Config) (*mrp.Matcher, error) {
	records, err := mrp.LoadDataset(ctx, cfg.Reference.Source, cfg.Reference.Region)
	if err != nil {
		return nil, fmt.Errorf("loading reference %s: %w", cfg.Reference.Source, err)
	}
	index, err := mrp.Build(records)
	if err != nil {
		return nil, fmt.Errorf("building reference index: %w", err)
	}
	stats := index.Stats()
	slog.Debug("reference index built",
		"records", stats.Records,
		"entries", stats.Entries,
		"duplicates", stats.Duplicates,
		"version", stats.Version,
	)
	return mrp.NewMatcher(index, cfg.Matcher.FuzzyThreshold), nil
}

// readBill accepts a bare item array or an object with an items field.
func readBill(path string) (*domain.BillRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseBill(data)
}

func parseBill(data []byte) (*domain.BillRequest, error) {
	data = bytes.TrimSpace(data)
	var req domain.BillRequest
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &req.Items); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("bill has no items")
	}
	return &req, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
