// Package main provides progressctl, a command line client that computes
// progress reports straight from the session store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/backpack"
	"github.com/alem-hub/progress-engine/internal/domain/practice"
	"github.com/alem-hub/progress-engine/internal/domain/xp"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

const dayLayout = "2006-01-02"

var (
	envFile    string
	driver     string
	sqlitePath string
	policyFile string
	timezone   string
	asOfFlag   string
	verbose    bool

	seriesFrom        string
	seriesTo          string
	seriesGranularity string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "progressctl",
		Short:         "Compute student progress from the session store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment")
	flags.StringVar(&driver, "driver", "", "session store driver, postgres or sqlite (overrides DB_DRIVER)")
	flags.StringVar(&sqlitePath, "sqlite", "", "sqlite database path (implies --driver sqlite)")
	flags.StringVar(&policyFile, "policy", "", "policy file (overrides POLICY_FILE)")
	flags.StringVar(&timezone, "tz", "", "IANA timezone for day boundaries (overrides APP_TIMEZONE)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newCohortCmd())
	rootCmd.AddCommand(newSeriesCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newPolicyCmd())

	return rootCmd
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <student-id>",
		Short: "Print a student's progress report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			asOf, err := parseAsOf(asOfFlag, env.loc)
			if err != nil {
				return err
			}
			report, err := query.NewGetStudentProgressHandler(env.deps).Handle(cmd.Context(), query.GetStudentProgressQuery{
				StudentID: args[0],
				AsOf:      asOf,
				Location:  env.loc,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "evaluation instant, RFC3339 or YYYY-MM-DD (default now)")
	return cmd
}

func newCohortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cohort <student-id>...",
		Short: "Print reports and the summary for a group of students",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			asOf, err := parseAsOf(asOfFlag, env.loc)
			if err != nil {
				return err
			}
			res, err := query.NewGetCohortProgressHandler(env.deps).Handle(cmd.Context(), query.GetCohortProgressQuery{
				StudentIDs: args,
				AsOf:       asOf,
				Location:   env.loc,
			})
			if err != nil {
				return err
			}
			for _, f := range res.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", f.StudentID, f.Err())
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "evaluation instant, RFC3339 or YYYY-MM-DD (default now)")
	return cmd
}

func newSeriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series <student-id>",
		Short: "Print a student's bucketed practice series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			from, err := parseDay(seriesFrom, env.loc)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			to, err := parseDay(seriesTo, env.loc)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			series, err := query.NewGetProgressSeriesHandler(env.deps).Handle(cmd.Context(), query.GetProgressSeriesQuery{
				StudentID:   args[0],
				From:        from,
				To:          to,
				Granularity: seriesGranularity,
				Location:    env.loc,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), series)
		},
	}
	cmd.Flags().StringVar(&seriesFrom, "from", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&seriesTo, "to", "", "last day, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&seriesGranularity, "granularity", "", "day, week, fortnight or month (default: finest that fits)")
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// IMPORT
// ══════════════════════════════════════════════════════════════════════════════

// importDocument is the input of the import command.
type importDocument struct {
	Sessions    []practice.Session         `json:"sessions"`
	Backpack    map[string][]backpack.Item `json:"backpack,omitempty"`
	Adjustments map[string][]xp.Adjustment `json:"adjustments,omitempty"`
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json|->",
		Short: "Validate and store sessions, backpack items and XP adjustments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readImport(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			n, err := importAll(cmd.Context(), env, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sessions, %d backpacks, %d adjustments\n", n, len(doc.Backpack), countAdjustments(doc))
			return nil
		},
	}
}

func readImport(stdin io.Reader, name string) (importDocument, error) {
	var r io.Reader = stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return importDocument{}, fmt.Errorf("failed to open %s: %w", name, err)
		}
		defer f.Close()
		r = f
	}

	var doc importDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return importDocument{}, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return doc, nil
}

func importAll(ctx context.Context, env *cliEnv, doc importDocument) (int, error) {
	sessions := make([]practice.Session, 0, len(doc.Sessions))
	for i, raw := range doc.Sessions {
		s, err := practice.NewSession(raw, env.scale.RatingScale())
		if err != nil {
			return 0, fmt.Errorf("session %d: %w", i, err)
		}
		sessions = append(sessions, s)
	}
	if len(sessions) > 0 {
		if err := env.stores.Writer.SaveSessions(ctx, sessions); err != nil {
			return 0, err
		}
	}

	for studentID, items := range doc.Backpack {
		if err := env.stores.Writer.SaveItems(ctx, studentID, items); err != nil {
			return 0, fmt.Errorf("backpack %s: %w", studentID, err)
		}
	}
	for studentID, adjustments := range doc.Adjustments {
		for _, a := range adjustments {
			if err := env.stores.Writer.SaveAdjustment(ctx, studentID, a); err != nil {
				return 0, fmt.Errorf("adjustment %s/%s: %w", studentID, a.ID, err)
			}
		}
	}
	return len(sessions), nil
}

func countAdjustments(doc importDocument) int {
	n := 0
	for _, a := range doc.Adjustments {
		n += len(a)
	}
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY
// ══════════════════════════════════════════════════════════════════════════════

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect scoring policies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a policy file and print its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Version)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [file]",
		Short: "Print the effective policy as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			store, err := config.LoadPolicyStore(path)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), store.Current())
		},
	})
	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// ENVIRONMENT
// ══════════════════════════════════════════════════════════════════════════════

type cliEnv struct {
	stores *persistence.Stores
	deps   query.Deps
	loc    *time.Location
	scale  practice.ScaleSource
}

func (e *cliEnv) close() { e.stores.Close() }

func openEnv(ctx context.Context) (*cliEnv, error) {
	if driver != "" {
		os.Setenv("DB_DRIVER", driver)
	}
	if sqlitePath != "" {
		os.Setenv("DB_DRIVER", "sqlite")
		os.Setenv("DB_SQLITE_PATH", sqlitePath)
	}
	if timezone != "" {
		os.Setenv("APP_TIMEZONE", timezone)
	}
	// One-shot runs have no notification channel to follow.
	os.Setenv("DB_LISTEN", "false")

	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if policyFile != "" {
		cfg.Policy.File = policyFile
	}

	log := logger.Nop()
	if verbose {
		log = logger.New(logger.Options{Output: os.Stderr, Level: logger.ParseLevel(cfg.App.LogLevel)})
	}

	policies, err := config.LoadPolicyStore(cfg.Policy.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	stores, err := persistence.Open(ctx, cfg.Database, policies, log)
	if err != nil {
		return nil, err
	}

	return &cliEnv{
		stores: stores,
		deps: query.Deps{
			Sessions:    stores.Sessions,
			Backpack:    stores.Backpack,
			Adjustments: stores.Adjustments,
			Policy:      policies,
			Location:    cfg.App.Location(),
			Tolerance:   cfg.Source.OrderTolerance,
			Logger:      log,
		},
		loc:   cfg.App.Location(),
		scale: policies,
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAsOf accepts RFC3339 or a calendar day, which means the end of that
// day in loc. Empty means now.
func parseAsOf(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(dayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of must be RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

func parseDay(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseInLocation(dayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", s)
	}
	return d, nil
}
