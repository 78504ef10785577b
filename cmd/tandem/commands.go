package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/tandem/internal/api"
	"github.com/kalambet/tandem/internal/config"
	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the suggestion batch for a date",
	Long: `Run the suggestion batch for a date (yesterday by default).

By default the request goes to the running server. With --local the batch runs
in this process against the configured data directory.

Examples:
  tandem run
  tandem run --date 2025-03-01
  tandem run --date 2025-03-01 --local --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		local, _ := cmd.Flags().GetBool("local")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var (
			report pipeline.Report
			err    error
		)
		if local {
			report, err = runLocal(ctx, date)
		} else {
			report, err = runRemote(ctx, date)
		}
		if err != nil {
			return err
		}

		if asJSON {
			if err := writeIndented(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			renderReport(cmd.OutOrStdout(), report)
		}
		if !report.Success {
			return fmt.Errorf("batch %s finished %s", report.BatchDate, report.Outcome)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("date", "", "batch date as YYYY-MM-DD (default: yesterday)")
	runCmd.Flags().Bool("local", false, "run in-process instead of calling the server")
	runCmd.Flags().Bool("json", false, "print the report as JSON")
}

func runLocal(ctx context.Context, date string) (pipeline.Report, error) {
	cfg, err := config.Load()
	if err != nil {
		return pipeline.Report{}, err
	}
	setupLogging(cfg.Log.Level)

	a, err := buildApp(cfg)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer a.Close()

	report, err := a.scheduler.Run(ctx, date)
	if errors.Is(err, storage.ErrRunInProgress) {
		return report, fmt.Errorf("a batch for this date is already running elsewhere: %w", err)
	}
	return report, err
}

func runRemote(ctx context.Context, date string) (pipeline.Report, error) {
	client, err := newAPIClient()
	if err != nil {
		return pipeline.Report{}, err
	}

	resp, err := client.post(ctx, "/batch/run", api.BatchRequest{Date: date})
	if err != nil {
		return pipeline.Report{}, err
	}

	var report pipeline.Report
	err = decodeJSON(resp, &report)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		// The server still reports the run; render it.
		if jsonErr := json.Unmarshal(apiErr.Body, &report); jsonErr == nil {
			return report, nil
		}
	}
	return report, err
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Queue retries for relationships that failed on a date",
	Long: `Queue one retry job per failed relationship of a batch date. The server's
retry worker picks them up. With --local the jobs are also drained here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		local, _ := cmd.Flags().GetBool("local")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if local {
			return retryLocal(ctx, date)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(ctx, "/batch/retry", api.BatchRequest{Date: date})
		if err != nil {
			return err
		}
		var result api.RetryResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued %d retries for %s", result.Queued, result.BatchDate)
		return nil
	},
}

func init() {
	retryCmd.Flags().String("date", "", "batch date as YYYY-MM-DD (default: yesterday)")
	retryCmd.Flags().Bool("local", false, "queue and process retries in-process")
}

func retryLocal(ctx context.Context, date string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if date == "" {
		date = a.scheduler.DefaultDate()
	}
	queued, err := a.scheduler.RetryFailed(ctx, date)
	if err != nil {
		return err
	}
	printStep("Queued %d retries for %s", queued, date)

	processed := 0
	for ctx.Err() == nil {
		ok, err := a.worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		processed++
	}
	printSuccess("Processed %d retry jobs", processed)
	return nil
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger for a batch date",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		local, _ := cmd.Flags().GetBool("local")
		asJSON, _ := cmd.Flags().GetBool("json")

		var (
			status api.StatusResponse
			err    error
		)
		if local {
			status, err = statusLocal(cmd.Context(), date)
		} else {
			status, err = statusRemote(cmd.Context(), date)
		}
		if err != nil {
			return err
		}

		if asJSON {
			return writeIndented(cmd.OutOrStdout(), status)
		}
		renderRuns(cmd.OutOrStdout(), status.BatchDate, status.Runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("date", "", "batch date as YYYY-MM-DD (default: yesterday)")
	statusCmd.Flags().Bool("local", false, "read the ledger directly instead of calling the server")
	statusCmd.Flags().Bool("json", false, "print the ledger rows as JSON")
}

func statusRemote(ctx context.Context, date string) (api.StatusResponse, error) {
	client, err := newAPIClient()
	if err != nil {
		return api.StatusResponse{}, err
	}
	path := "/batch/status"
	if date != "" {
		path += "?date=" + url.QueryEscape(date)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return api.StatusResponse{}, err
	}
	var status api.StatusResponse
	err = decodeJSON(resp, &status)
	return status, err
}

func statusLocal(ctx context.Context, date string) (api.StatusResponse, error) {
	cfg, err := config.Load()
	if err != nil {
		return api.StatusResponse{}, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	loc, err := cfg.Batch.Location()
	if err != nil {
		return api.StatusResponse{}, err
	}
	sched := pipeline.NewScheduler(pipeline.Deps{Ledger: store}, pipeline.Config{Location: loc})
	if date == "" {
		date = sched.DefaultDate()
	}
	runs, err := sched.Status(ctx, date)
	if err != nil {
		return api.StatusResponse{}, err
	}
	return api.StatusResponse{BatchDate: date, Runs: runs}, nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", bold.Sprint(k.Key), k.Value, cyan.Sprint("($"+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (generator.api_key, server.api_token) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

