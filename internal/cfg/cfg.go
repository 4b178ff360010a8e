package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	EnvFile               string

	DatabaseURL   string
	DBMaxConns    int
	DBSlowQueryMS int
	DBLogArgs     bool
	SQLitePath    string

	SlackWebhookURL string

	KeywordsFile       string
	DepartmentsFile    string
	DuplicateThreshold float64
	MaxTextLength      int
	EscalationHours    int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required from the gateway on API requests")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional .env file loaded before reading the environment")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = sqlite or in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "PostgreSQL pool size (0 = pgx default)")
	fs.IntVar(&c.DBSlowQueryMS, "db-slow-query-ms", 200, "log PostgreSQL queries slower than this many milliseconds (0 = log all)")
	fs.BoolVar(&c.DBLogArgs, "db-log-args", false, "include bind arguments in PostgreSQL query logs")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file, used when no database URL is set (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.KeywordsFile, "keywords-file", "", "YAML keyword tables overriding the built-in set")
	fs.StringVar(&c.DepartmentsFile, "departments-file", "", "YAML department list seeded at startup")
	fs.Float64Var(&c.DuplicateThreshold, "duplicate-threshold", 0.75, "cosine similarity from which a grievance is a duplicate (0..1]")
	fs.IntVar(&c.MaxTextLength, "max-text-length", 5000, "maximum description and comment length in characters")
	fs.IntVar(&c.EscalationHours, "escalation-hours", 72, "hours after which an open grievance is overdue")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// One persistent backend at most
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}
	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMS < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMS))
	}

	if !(c.DuplicateThreshold > 0 && c.DuplicateThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid DUPLICATE_THRESHOLD %g (must be in (0, 1])", c.DuplicateThreshold))
	}
	// Must admit the 20 character minimum description
	if c.MaxTextLength < 20 || c.MaxTextLength > 100000 {
		errs = append(errs, fmt.Errorf("invalid MAX_TEXT_LENGTH %d (must be 20..100000)", c.MaxTextLength))
	}
	if c.EscalationHours <= 0 || c.EscalationHours > 24*365 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_HOURS %d (must be 1..8760)", c.EscalationHours))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EscalationWindow returns EscalationHours as a duration.
func (c *Config) EscalationWindow() time.Duration {
	return time.Duration(c.EscalationHours) * time.Hour
}

// SlowQuery returns DBSlowQueryMS as a duration.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.DBSlowQueryMS) * time.Millisecond
}
