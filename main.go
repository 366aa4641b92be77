package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/trialscoop/api"
	"github.com/fabfab/trialscoop/catalog"
	"github.com/fabfab/trialscoop/config"
	"github.com/fabfab/trialscoop/extraction"
	"github.com/fabfab/trialscoop/ingestion"
	"github.com/fabfab/trialscoop/logging"
	"github.com/fabfab/trialscoop/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "trialscoop",
		Short:        "Catalog and extract outcome data from clinical trial publications",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newSelectCmd(), newClearCmd())
	return root
}

// setup loads configuration and a logger. Callers own the returned logger's Sync.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API for one session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			sess, err := session.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close(context.WithoutCancel(ctx))

			srv := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           api.New(sess, logger.Named("api")),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("session", sess.ID))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer stop()
			logger.Info("shutting down http server")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Ingest local documents, build the metric catalog and optionally an outcome table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			urls, err := ingestion.CollectFiles(args)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("no markdown, text or pdf files under %s", strings.Join(args, ", "))
			}

			sess, err := session.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			ok, failed, chunks := ingestion.Summarize(sess.Ingestion.IngestAll(ctx, urls))
			fmt.Fprintf(out, "Indexed %d chunks from %d sources, %d failed.\n\n", chunks, ok, failed)

			report, err := sess.BuildCatalog(ctx)
			if err != nil {
				return err
			}
			printCatalog(out, report)

			outcome = strings.TrimSpace(outcome)
			if outcome == "" {
				return nil
			}
			rows, summary := sess.Tables.Generate(ctx, outcome, func(done, total int) {
				logger.Info("table progress", zap.Int("done", done), zap.Int("total", total))
			})
			fmt.Fprintf(out, "\n%s\n", summary)
			return printRows(out, rows)
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome to extract into a table")
	return cmd
}

func newSelectCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "select [titles...]",
		Short: "Pick the titles that report an outcome (titles are read from stdin when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if strings.TrimSpace(outcome) == "" {
				return fmt.Errorf("--outcome is required")
			}

			titles := args
			if len(titles) == 0 {
				titles, err = readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			sess, err := session.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close(context.WithoutCancel(ctx))

			selected, strategy := sess.Selector.Select(ctx, titles, outcome)
			logger.Debug("selection strategy", zap.String("strategy", strategy))
			for _, title := range selected {
				fmt.Fprintln(cmd.OutOrStdout(), title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome the titles should report")
	return cmd
}

func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the session's indexed chunks and catalog graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			sess, err := session.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer sess.Close(context.WithoutCancel(ctx))

			if err := sess.Clear(ctx); err != nil {
				return err
			}
			logger.Info("session cleared", zap.String("session", sess.ID), zap.String("backend", cfg.Index.Backend))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal")
	return cmd
}

func printCatalog(w io.Writer, report catalog.Report) {
	fmt.Fprintln(w, report.Status)
	if len(report.Entries) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tDOCUMENTS\tPREVALENCE\tSYNONYMS")
	for _, e := range report.Entries {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%s\n", e.Metric, e.Documents, e.Prevalence, strings.Join(e.Synonyms, "; "))
	}
	_ = tw.Flush()
}

func printRows(w io.Writer, rows []extraction.Row) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read titles: %w", err)
	}
	return lines, nil
}
