package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// State backends.
const (
	StateLocal    = "local"
	StateGCS      = "gcs"
	StateSQLite   = "sqlite"
	StatePostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	Project         string `mapstructure:"project"`
	Location        string `mapstructure:"location"`
	CredentialsFile string `mapstructure:"credentials_file"`

	Plan   string `mapstructure:"plan"`
	DDLDir string `mapstructure:"ddl_dir"`

	State      string `mapstructure:"state"` // local|gcs|sqlite|postgres
	StateDir   string `mapstructure:"state_dir"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	GCSPrefix  string `mapstructure:"gcs_prefix"`
	SQLitePath string `mapstructure:"sqlite_path"`
	DSN        string `mapstructure:"dsn"`
	StateTable string `mapstructure:"state_table"`
	LockKey    int64  `mapstructure:"lock_key"`

	TimestampFile      string `mapstructure:"timestamp_file"`
	ViewBackupDir      string `mapstructure:"view_backup_dir"`
	ProcedureBackupDir string `mapstructure:"procedure_backup_dir"`

	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
	Verify       bool          `mapstructure:"verify"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() Config {
	return Config{
		State:              StateLocal,
		StateDir:           ".",
		StateTable:         "bqddl_state",
		LockKey:            7243392,
		TimestampFile:      "timestamp.txt",
		ViewBackupDir:      ".",
		ProcedureBackupDir: ".",
		QueryTimeout:       10 * time.Minute,
		SafetyMargin:       time.Minute,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Environment names kept for compatibility with the existing deployment
// scripts. BQDDL_<KEY> always takes precedence.
var legacyEnv = map[string]string{
	"plan":                 "CSV_FILE",
	"ddl_dir":              "DDL_DIRECTORY",
	"view_backup_dir":      "VIEW_BACKUP_DIRECTORY",
	"procedure_backup_dir": "PROCEDURE_BACKUP_DIRECTORY",
	"project":              "GOOGLE_CLOUD_PROJECT",
}

// Load reads the configuration from defaults, an optional .env file, the
// config file, the environment and flags, in increasing precedence.
func Load(flags *pflag.FlagSet, configFile, envFile string) (Config, error) {
	if err := loadDotenv(envFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("BQDDL")
	v.AutomaticEnv()

	def := Default()
	defaults := map[string]any{
		"project":              def.Project,
		"location":             def.Location,
		"credentials_file":     def.CredentialsFile,
		"plan":                 def.Plan,
		"ddl_dir":              def.DDLDir,
		"state":                def.State,
		"state_dir":            def.StateDir,
		"gcs_bucket":           def.GCSBucket,
		"gcs_prefix":           def.GCSPrefix,
		"sqlite_path":          def.SQLitePath,
		"dsn":                  def.DSN,
		"state_table":          def.StateTable,
		"lock_key":             def.LockKey,
		"timestamp_file":       def.TimestampFile,
		"view_backup_dir":      def.ViewBackupDir,
		"procedure_backup_dir": def.ProcedureBackupDir,
		"query_timeout":        def.QueryTimeout.String(),
		"safety_margin":        def.SafetyMargin.String(),
		"verify":               def.Verify,
		"log_level":            def.LogLevel,
		"log_format":           def.LogFormat,
	}
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, "BQDDL_"+strings.ToUpper(key), legacy); err != nil {
			return Config{}, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := readAndExpandFile(v, configFile); err != nil {
			return Config{}, err
		}
	} else if path := findConfig("."); path != "" {
		if err := readAndExpandFile(v, path); err != nil {
			return Config{}, err
		}
	}

	if flags != nil {
		// Flags use dashes, keys use underscores.
		for key := range defaults {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	if err := c.normalize(def); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize(def Config) error {
	c.State = strings.ToLower(strings.TrimSpace(c.State))
	switch c.State {
	case "":
		c.State = def.State
	case StateLocal, StateSQLite:
	case StateGCS:
		if c.GCSBucket == "" {
			return errors.New("gcs_bucket is required for state gcs (env BQDDL_GCS_BUCKET or config gcs_bucket)")
		}
	case StatePostgres:
		if c.DSN == "" {
			return errors.New("dsn is required for state postgres (env BQDDL_DSN or config dsn)")
		}
	default:
		return fmt.Errorf("unknown state backend %q (want local|gcs|sqlite|postgres)", c.State)
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(c.StateDir, "bqddl_state.db")
	}
	if c.StateTable == "" {
		c.StateTable = def.StateTable
	}
	if c.LockKey == 0 {
		c.LockKey = def.LockKey
	}
	if c.TimestampFile == "" {
		c.TimestampFile = def.TimestampFile
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("safety_margin must not be negative, got %s", c.SafetyMargin)
	}
	c.Plan = absPath(c.Plan)
	c.DDLDir = absPath(c.DDLDir)
	c.StateDir = absPath(c.StateDir)
	c.SQLitePath = absPath(c.SQLitePath)
	c.CredentialsFile = absPath(c.CredentialsFile)

	var err error
	if c.ViewBackupDir, err = c.backupDir("view_backup_dir", c.ViewBackupDir); err != nil {
		return err
	}
	if c.ProcedureBackupDir, err = c.backupDir("procedure_backup_dir", c.ProcedureBackupDir); err != nil {
		return err
	}
	return nil
}

// backupDir resolves a backup root that leaves the state directory, such as
// "../backups". Only the local backend can store outside its root.
func (c *Config) backupDir(key, dir string) (string, error) {
	if dir == "" {
		return ".", nil
	}
	if filepath.IsAbs(dir) || filepath.IsLocal(dir) {
		return dir, nil
	}
	if c.State != StateLocal {
		return "", fmt.Errorf("%s %q must stay inside the %s state store", key, dir, c.State)
	}
	return filepath.Join(c.StateDir, dir), nil
}

// RequirePlan reports an error unless both the plan and the statement
// directory are configured.
func (c Config) RequirePlan() error {
	var errs []error
	if c.Plan == "" {
		errs = append(errs, errors.New("plan is required (env BQDDL_PLAN or CSV_FILE, config plan)"))
	}
	if c.DDLDir == "" {
		errs = append(errs, errors.New("ddl_dir is required (env BQDDL_DDL_DIR or DDL_DIRECTORY, config ddl_dir)"))
	}
	return errors.Join(errs...)
}

func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// loadDotenv exports variables from path without overriding the
// environment. A missing default .env is ignored.
func loadDotenv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func readAndExpandFile(v *viper.Viper, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := os.ExpandEnv(string(b))
	return v.MergeConfig(strings.NewReader(expanded))
}

// findConfig returns bqddl.yaml or bqddl.yml in dir, if present.
func findConfig(dir string) string {
	for _, name := range []string{"bqddl.yaml", "bqddl.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
