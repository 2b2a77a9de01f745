package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	etl "github.com/paccafe/retail-etl"
)

// Version is set at build time.
var Version = "dev"

// errFailedTables is returned in strict mode when any table failed.
var errFailedTables = errors.New("one or more tables failed")

type options struct {
	configPath string
	envFile    string
	logLevel   string
	strict     bool
	report     string
	progress   bool
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "retail-etl",
		Short: "Retail ETL: source to staging to warehouse",
		Long: `retail-etl copies the source database and the store branch worksheet
into staging, then loads the warehouse dimensions and facts incrementally
from staging.

A table that fails is logged to etl_log, its batch is written to the
dead-letter bucket and the remaining tables still run. The exit code is 0
unless setup fails or --strict is set and a table failed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	flags.StringVar(&opts.envFile, "env-file", "", "Env file loaded before the environment (default .env when present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	flags.BoolVar(&opts.strict, "strict", false, "Exit non-zero when any table fails")
	flags.StringVar(&opts.report, "report", "", "Write a run report to stdout (json)")
	flags.BoolVar(&opts.progress, "progress", false, "Print a line per finished table to stderr")

	cmd.AddCommand(
		stepCmd("staging", "Copy source tables and the worksheet into staging", &opts, (*app).staging),
		stepCmd("warehouse", "Load warehouse tables from staging", &opts, (*app).warehouse),
		stepCmd("run", "Run staging, then warehouse", &opts, (*app).all),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "retail-etl %s\n", Version)
			},
		},
	)
	return cmd
}

func stepCmd(use, short string, opts *options, step func(*app, context.Context) ([]*etl.Report, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.report != "" && opts.report != "json" {
				return fmt.Errorf("unknown report format %q", opts.report)
			}
			a, err := newApp(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if opts.progress {
				a.progress = cmd.ErrOrStderr()
			}

			reports, err := step(a, cmd.Context())
			a.pushMetrics(cmd.Context())
			if opts.report == "json" {
				if werr := writeReport(cmd.OutOrStdout(), reports...); werr != nil {
					return errors.Join(err, werr)
				}
			}
			if err != nil {
				return err
			}
			return checkStrict(opts.strict, reports...)
		},
	}
}

// checkStrict fails when strict is set and any report has a failed table.
func checkStrict(strict bool, reports ...*etl.Report) error {
	if !strict {
		return nil
	}
	var failed []string
	for _, r := range reports {
		for _, jr := range r.Failed() {
			failed = append(failed, jr.Spec.Step+"."+jr.Spec.Target)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errFailedTables, strings.Join(failed, ", "))
}
