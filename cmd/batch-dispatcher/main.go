package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/services"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "batch-dispatcher",
	Short: "Submit case files for OCR and manage the pipeline from the command line",
	Long: `batch-dispatcher enumerates a Cloud Storage prefix and submits every supported
case file for recognition. Archives and unsupported files are moved to the
processed prefix.

Configuration is read from the environment, or from a .env file in the working
directory: PROJECT_ID, SOURCE_BUCKET, OCR_PROCESSOR_ID and OCR_OUTPUT_URI are required.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [prefix]",
	Short: "Submit every supported document under a prefix for recognition",
	Example: `  # Dispatch everything under the configured source prefix
  batch-dispatcher dispatch

  # Dispatch one intake folder
  batch-dispatcher dispatch source/Salesforce_062024/`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDispatch,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Poll pending recognition jobs once and complete the finished ones",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export narrative records to an Excel workbook",
	Example: `  batch-dispatcher export -o narratives.xlsx --status SUCCESS`,
	Args:    cobra.NoArgs,
	RunE:    runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	dispatchCmd.Flags().String("bucket", "", "Bucket to enumerate (default: SOURCE_BUCKET)")
	exportCmd.Flags().StringP("output", "o", "narratives.xlsx", "Output workbook path")
	exportCmd.Flags().String("status", "", "Only export records with this status")

	rootCmd.AddCommand(dispatchCmd, sweepCmd, exportCmd)
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dispatcher, err := services.NewDispatcher(ctx)
	if err != nil {
		return err
	}

	req := models.DispatchRequest{Bucket: dispatcher.Config().SourceBucket, Prefix: dispatcher.Config().Paths.SourcePrefix}
	if bucket, _ := cmd.Flags().GetString("bucket"); bucket != "" {
		req.Bucket = bucket
	}
	if len(args) == 1 {
		req.Prefix = args[0]
	}
	if !strings.HasPrefix(req.Prefix, dispatcher.Config().Paths.SourcePrefix) {
		slog.Warn("Prefix is outside the source prefix. Relocated objects keep their full path.", "prefix", req.Prefix)
	}

	summary, err := dispatcher.Run(ctx, req)
	if printErr := printJSON(cmd, summary); printErr != nil {
		return printErr
	}
	return err
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sweeper, err := services.NewSweeper(ctx)
	if err != nil {
		return err
	}
	resp, err := sweeper.Sweep(ctx)
	if resp != nil {
		if printErr := printJSON(cmd, resp); printErr != nil {
			return printErr
		}
	}
	return err
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	outputPath, _ := cmd.Flags().GetString("output")
	status, _ := cmd.Flags().GetString("status")

	exporter, err := services.NewExport(ctx)
	if err != nil {
		return err
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputPath, err)
	}
	defer file.Close()

	n, err := exporter.Export(ctx, file, status)
	if err != nil {
		return err
	}
	slog.Info("Export complete.", "rows", n, "output", outputPath)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
