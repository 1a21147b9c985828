package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cfg "bqddl/internal/config"
	"bqddl/internal/logging"
	im "bqddl/internal/migrator"
	"bqddl/internal/plan"
	pub "bqddl/pkg/bqddl"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bqddl",
		Short:         "Apply BigQuery DDL plans with compensating rollback",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	addCommonFlags(flags)
	flags.StringVarP(&cfgFile, "config", "c", "", "Path to config YAML (default ./bqddl.yaml)")
	flags.StringVar(&envFile, "env-file", "", "Path to a dotenv file (default ./.env if present)")

	root.AddCommand(
		cmdApply(flags),
		cmdRollback(flags),
		cmdVerify(flags),
		cmdCheck(flags),
		cmdStatus(flags),
		cmdSnapshot(flags),
		cmdCreate(flags),
	)
	return root
}

func addCommonFlags(fs *pflag.FlagSet) {
	def := cfg.Default()
	fs.String("project", "", "GCP project for the warehouse and rows without one")
	fs.String("location", "", "BigQuery job location, e.g. EU")
	fs.String("credentials-file", "", "Service account key file")
	fs.String("plan", "", "Plan file (.csv or .yaml)")
	fs.String("ddl-dir", "", "Directory holding <dataset>_<name>.sql statements")
	fs.String("state", def.State, "State backend: local|gcs|sqlite|postgres")
	fs.String("state-dir", def.StateDir, "Directory for the local state backend")
	fs.String("gcs-bucket", "", "Bucket for the gcs state backend")
	fs.String("gcs-prefix", "", "Object prefix for the gcs state backend")
	fs.String("sqlite-path", "", "Database file for the sqlite state backend")
	fs.String("dsn", "", "PostgreSQL DSN for the postgres state backend")
	fs.String("state-table", def.StateTable, "Table for the postgres state backend")
	fs.Int64("lock-key", def.LockKey, "Advisory lock key for the postgres state backend")
	fs.String("timestamp-file", def.TimestampFile, "State key of the snapshot timestamp")
	fs.String("view-backup-dir", def.ViewBackupDir, "State prefix for view backups")
	fs.String("procedure-backup-dir", def.ProcedureBackupDir, "State prefix for procedure backups")
	fs.Duration("query-timeout", def.QueryTimeout, "Timeout for each warehouse statement")
	fs.Duration("safety-margin", def.SafetyMargin, "How far the snapshot is backdated")
	fs.String("log-level", def.LogLevel, "Log level: debug|info|warn|error")
	fs.String("log-format", def.LogFormat, "Log format: text|json")
}

// loadConfig resolves the configuration and installs the logger.
func loadConfig(flags *pflag.FlagSet) (cfg.Config, error) {
	c, err := cfg.Load(flags, cfgFile, envFile)
	if err != nil {
		return cfg.Config{}, err
	}
	logger, err := logging.New(os.Stderr, c.LogLevel, c.LogFormat)
	if err != nil {
		return cfg.Config{}, err
	}
	slog.SetDefault(logger)
	return c, nil
}

func cmdApply(flags *pflag.FlagSet) *cobra.Command {
	var verify, progress bool
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply every planned statement, rolling back all of them on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("verify") {
				c.Verify = verify
			}
			var opts []pub.Option
			if progress || isatty.IsTerminal(os.Stderr.Fd()) {
				if bar := newProgress(c); bar != nil {
					opts = append(opts, pub.WithObserver(bar.observe))
					defer bar.finish()
				}
			}
			rep, err := pub.Apply(context.Background(), c, opts...)
			if rep != nil {
				printReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Run verification queries after applying")
	cmd.Flags().BoolVar(&progress, "progress", false, "Show a progress bar even when stderr is not a terminal")
	return cmd
}

func cmdRollback(flags *pflag.FlagSet) *cobra.Command {
	return &cobra.Command{Use: "rollback", Short: "Compensate every planned resource from the persisted snapshot and backups", RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(flags)
		if err != nil {
			return err
		}
		rep, err := pub.Rollback(context.Background(), c)
		if rep != nil {
			printReport(cmd.OutOrStdout(), rep)
		}
		return err
	}}
}

func cmdVerify(flags *pflag.FlagSet) *cobra.Command {
	return &cobra.Command{Use: "verify", Short: "Run the plan's verification queries", RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(flags)
		if err != nil {
			return err
		}
		rep, err := pub.Verify(context.Background(), c)
		if rep != nil {
			printReport(cmd.OutOrStdout(), rep)
		}
		return err
	}}
}

func cmdCheck(flags *pflag.FlagSet) *cobra.Command {
	return &cobra.Command{Use: "check", Short: "Check that every planned resource has a statement", RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(flags)
		if err != nil {
			return err
		}
		res, err := pub.Check(context.Background(), c)
		if err != nil {
			return err
		}
		printCheck(cmd.OutOrStdout(), res)
		if !res.OK() {
			return fmt.Errorf("%d planned resource(s) have no statement", len(res.Missing))
		}
		return nil
	}}
}

func cmdStatus(flags *pflag.FlagSet) *cobra.Command {
	return &cobra.Command{Use: "status", Short: "Show the journal of the last apply or rollback", RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(flags)
		if err != nil {
			return err
		}
		rep, err := pub.LastRun(context.Background(), c)
		if errors.Is(err, pub.ErrNoRun) {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
			return nil
		}
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), rep)
		return nil
	}}
}

func cmdSnapshot(flags *pflag.FlagSet) *cobra.Command {
	return &cobra.Command{Use: "snapshot", Short: "Print the persisted snapshot timestamp", RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(flags)
		if err != nil {
			return err
		}
		snap, ok, err := pub.PersistedSnapshot(context.Background(), c)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no snapshot recorded")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", snap.Millis(), snap.Time().Format(time.RFC3339Nano))
		return nil
	}}
}

func cmdCreate(flags *pflag.FlagSet) *cobra.Command {
	var (
		kind  string
		isNew bool
	)
	cmd := &cobra.Command{
		Use:   "create <dataset>.<name>",
		Short: "Create a statement template and add it to a CSV plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if c.DDLDir == "" {
				return errors.New("ddl_dir is required (env BQDDL_DDL_DIR or DDL_DIRECTORY, config ddl_dir)")
			}
			k, err := plan.ParseKind(kind)
			if err != nil {
				return err
			}
			loc, err := parseTarget(args[0], c.Project)
			if err != nil {
				return err
			}
			d := plan.Descriptor{Location: loc, Kind: k, IsNew: isNew}
			path, err := createTemplate(c.DDLDir, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)

			switch strings.ToLower(filepath.Ext(c.Plan)) {
			case "":
			case ".yaml", ".yml":
				slog.Warn("plan is YAML, add the resource by hand", "plan", c.Plan, "resource", loc.String())
			default:
				if err := plan.AppendCSV(c.Plan, d); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s\n", loc, c.Plan)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "table", "Resource kind: table|view|procedure")
	cmd.Flags().BoolVar(&isNew, "new", false, "The resource does not exist yet")
	return cmd
}

// parseTarget splits <dataset>.<name> or <project>.<dataset>.<name>.
func parseTarget(s, defaultProject string) (plan.Location, error) {
	parts := strings.Split(strings.Trim(s, "`"), ".")
	switch len(parts) {
	case 2:
		return plan.Location{Project: defaultProject, Dataset: sanitizeName(parts[0]), Name: sanitizeName(parts[1])}, nil
	case 3:
		return plan.Location{Project: parts[0], Dataset: sanitizeName(parts[1]), Name: sanitizeName(parts[2])}, nil
	}
	return plan.Location{}, fmt.Errorf("want <dataset>.<name>, got %q", s)
}

// createTemplate writes a DDL skeleton for d. It never overwrites.
func createTemplate(dir string, d plan.Descriptor) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	full := filepath.Join(dir, im.StatementFileName(d.Location))
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(templateFor(d)); err != nil {
		f.Close()
		return "", err
	}
	return full, f.Close()
}

func templateFor(d plan.Descriptor) string {
	target := d.Location.Quoted()
	if d.Location.Project == "" {
		target = "`" + d.Location.Dataset + "." + d.Location.Name + "`"
	}
	switch d.Kind {
	case plan.KindView:
		return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS\nSELECT\n  1 AS placeholder;\n", target)
	case plan.KindProcedure:
		return fmt.Sprintf("CREATE OR REPLACE PROCEDURE %s()\nBEGIN\n  SELECT 1;\nEND;\n", target)
	}
	if d.IsNew {
		return fmt.Sprintf("CREATE TABLE %s (\n  id INT64 NOT NULL\n);\n", target)
	}
	return fmt.Sprintf("ALTER TABLE %s\n  ADD COLUMN IF NOT EXISTS new_column STRING;\n", target)
}

// sanitizeName keeps characters valid in BigQuery dataset and table names.
func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else if r == ' ' || r == '-' || r == '/' || r == '\\' {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "resource"
	}
	return string(out)
}

type progress struct {
	bar *progressbar.ProgressBar
}

// newProgress returns nil when the plan cannot be read; apply reports that
// error itself.
func newProgress(c cfg.Config) *progress {
	p, err := plan.Load(c.Plan, c.Project)
	if err != nil {
		return nil
	}
	return &progress{bar: progressbar.NewOptions(len(p.Resources),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("applying"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)}
}

func (p *progress) observe(s im.Step) {
	switch s.Phase {
	case im.PhaseApply:
		p.bar.Describe(s.Resource)
		_ = p.bar.Add(1)
	case im.PhaseCompensate:
		p.bar.Describe("rolling back " + s.Resource)
	}
}

func (p *progress) finish() { _ = p.bar.Finish() }
