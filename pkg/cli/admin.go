package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ngoyal88/supplierlog/pkg/config"
	"github.com/ngoyal88/supplierlog/pkg/query"
	"github.com/ngoyal88/supplierlog/pkg/retention"
	"github.com/ngoyal88/supplierlog/pkg/stats"
	"github.com/ngoyal88/supplierlog/pkg/storage"
	"github.com/spf13/cobra"
)

// Env is what the admin commands operate on.
type Env struct {
	Store     storage.Store
	Stats     *stats.Aggregator
	Query     *query.Engine
	Retention *retention.Manager
}

// Opener builds an Env from a config file path.
type Opener func(ctx context.Context, configPath string) (*Env, error)

// OpenEnv loads the config and opens the configured store directly.
func OpenEnv(ctx context.Context, configPath string) (*Env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, _, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewEnv(store, config.NewStore(cfg)), nil
}

// NewEnv wires the engine components around a store.
func NewEnv(store storage.Store, cfg *config.Store) *Env {
	agg := stats.New()
	return &Env{
		Store:     store,
		Stats:     agg,
		Query:     query.New(store),
		Retention: retention.New(store, agg, cfg),
	}
}

// New creates the root admin command.
func New(open Opener, version string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "supplierlog-admin",
		Short:         "Inspect and maintain the supplier call log store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./configs/config.yaml)")

	withEnv := func(fn func(cmd *cobra.Command, args []string, env *Env) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			env, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer env.Store.Close()
			return fn(cmd, args, env)
		}
	}

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newListCmd(withEnv))
	root.AddCommand(newGetCmd(withEnv))
	root.AddCommand(newTraceCmd(withEnv))
	root.AddCommand(newStatsCmd(withEnv))
	root.AddCommand(newCleanupCmd(withEnv))

	return root
}

type envRunner func(fn func(cmd *cobra.Command, args []string, env *Env) error) func(*cobra.Command, []string) error

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func newListCmd(withEnv envRunner) *cobra.Command {
	var (
		f             query.Filter
		from, to      string
		limit, offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List call logs, newest first",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, args []string, env *Env) error {
			var err error
			if f.From, err = parseFlagTime(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseFlagTime(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			page, err := env.Query.List(ctx, f, limit, offset)
			if err != nil {
				return err
			}
			return printJSON(cmd, page)
		}),
	}
	cmd.Flags().StringVar(&f.Supplier, "supplier", "", "supplier name")
	cmd.Flags().BoolVar(&f.ErrorsOnly, "errors-only", false, "only failed calls")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 lower bound on request time")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 upper bound on request time")
	cmd.Flags().IntVar(&limit, "limit", query.DefaultLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}

func newGetCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one call log with payloads",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, env *Env) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			entry, err := env.Query.FetchByID(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, entry)
		}),
	}
}

func newTraceCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Show every call of one trace, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, env *Env) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			logs, err := env.Query.ByTrace(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, logs)
		}),
	}
}

func newStatsCmd(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [supplier]",
		Short: "Compute supplier statistics from the stored logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, args []string, env *Env) error {
			if _, err := env.Stats.Rebuild(cmd.Context(), env.Store); err != nil {
				return err
			}
			if len(args) == 1 {
				return printJSON(cmd, env.Stats.StatsFor(normalizeSupplier(args[0])))
			}
			return printJSON(cmd, env.Stats.All())
		}),
	}
}

func newCleanupCmd(withEnv envRunner) *cobra.Command {
	var maxAgeDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete call logs older than the retention window",
		Long: "Delete call logs older than the retention window.\n" +
			"A running server keeps its statistics in memory; prefer POST /logs/cleanup while it is up.",
		Args: cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, args []string, env *Env) error {
			res, err := env.Retention.Cleanup(cmd.Context(), maxAgeDays)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"deleted_count": res.DeletedCount,
				"cutoff":        res.Cutoff,
			})
		}),
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "maximum age in days (0 uses the configured value)")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseFlagTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func normalizeSupplier(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
