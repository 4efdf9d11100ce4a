// Command peepd is the central snapshot server: it ingests delta
// streams from instrumented processes, coordinates cuts, persists
// snapshots to SQLite, and answers query-pack lookups against them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peepviz/peep/db"
	"github.com/peepviz/peep/logger"
	"github.com/peepviz/peep/query"
	"github.com/peepviz/peep/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "peepd",
		Short: "diagnostics fabric snapshot server",
	}
	root.AddCommand(serveCmd(), queryCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		listen     string
		dbPath     string
		jsonLogs   bool
		cutEvery   time.Duration
		cutTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "accept process connections and serve cuts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Initialize(jsonLogs); err != nil {
				return err
			}
			defer logger.Cleanup()

			srv, err := server.New(listen, dbPath)
			if err != nil {
				return err
			}
			logger.Infow("peepd listening", "addr", srv.Addr(), "db", dbPath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				srv.Close()
			}()

			// Optional standing cadence: snapshot the whole fleet every
			// interval without an operator in the loop.
			if cutEvery > 0 {
				go func() {
					ticker := time.NewTicker(cutEvery)
					defer ticker.Stop()
					for {
						select {
						case <-ticker.C:
							if _, err := srv.TriggerCut(ctx, cutTimeout); err != nil && ctx.Err() == nil {
								logger.Warnw("scheduled cut failed", logger.FieldError, err)
							}
						case <-ctx.Done():
							return
						}
					}
				}()
			}

			return srv.Serve()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9119", "ingest listen address")
	cmd.Flags().StringVar(&dbPath, "db", "peep-snapshots.db", "snapshot database path")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs")
	cmd.Flags().DurationVar(&cutEvery, "cut-every", 0, "take a fleet snapshot on this interval (0 disables)")
	cmd.Flags().DurationVar(&cutTimeout, "cut-timeout", server.DefaultCutTimeout, "deadline before a cut finalises partial")
	return cmd
}

func queryCmd() *cobra.Command {
	var (
		dbPath     string
		snapshotID int64
		raw        string
	)

	cmd := &cobra.Command{
		Use:   "query [pack]",
		Short: "run a query pack (or --sql) against one snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.OpenWithMigrations(dbPath, nil)
			if err != nil {
				return err
			}
			defer conn.Close()

			var result query.Result
			switch {
			case raw != "":
				result, err = query.RunReadOnly(cmd.Context(), conn, raw, snapshotID, query.DefaultLimits)
			case len(args) == 1:
				result, err = query.RunPack(cmd.Context(), conn, args[0], snapshotID, query.DefaultLimits)
			default:
				fmt.Println("available packs:")
				for _, name := range query.PackNames() {
					fmt.Println("  " + name)
				}
				return nil
			}
			if err != nil {
				return err
			}

			printResult(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "peep-snapshots.db", "snapshot database path")
	cmd.Flags().Int64Var(&snapshotID, "snapshot", 0, "snapshot id to query")
	cmd.Flags().StringVar(&raw, "sql", "", "raw read-only SQL (binds snapshot id as ?1)")
	return cmd
}

func printResult(result query.Result) {
	for i, col := range result.Columns {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(col)
	}
	fmt.Println()
	for _, row := range result.Rows {
		for i, v := range row {
			if i > 0 {
				fmt.Print("\t")
			}
			fmt.Print(v)
		}
		fmt.Println()
	}
	if result.Truncated {
		fmt.Println("(truncated)")
	}
}
