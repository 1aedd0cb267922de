// Package config resolves leavelink settings from flags, the environment,
// .env files, an optional YAML file and defaults, in that order of
// precedence, and validates the result before any work starts.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/viper"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/reconcile"
	"github.com/agentworkforce/leavelink/internal/retry"
)

//go:embed schema.json
var schemaJSON []byte

const EnvPrefix = "LEAVELINK"

var ErrInvalid = errors.New("invalid configuration")

// Error is a configuration problem. It is always fatal.
type Error struct {
	Source   string
	Problems []string
	Err      error
}

func (e *Error) Error() string {
	msg := "invalid configuration"
	if e.Source != "" {
		msg += " (" + e.Source + ")"
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrInvalid }

type Config struct {
	NotionToken      string
	NotionBaseURL    string
	NotionAPIVersion string
	StoreDSN         string

	EmployeesDatabaseID     string
	LeaveRequestsDatabaseID string
	RelationField           string
	StatusField             string
	DefaultStatus           string
	IdentifierLabels        []string
	LinkPolicy              string
	OnlyUnlinked            bool
	DryRun                  bool

	PageSize         int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RequestTimeout   time.Duration

	RunlogDSN     string
	RunlogHistory int

	Interval       time.Duration
	IntervalJitter float64

	HTTPAddr           string
	JWTSecret          string
	RateLimitPerMinute int

	LogLevel  string
	LogFormat string
	LogOutput string

	// ConfigFile is the YAML file that was read, if any.
	ConfigFile string
	// EnvFiles are the .env files that existed when loading.
	EnvFiles []string
}

type LoadOptions struct {
	// ConfigFile is an explicit YAML path. It must exist when set.
	ConfigFile string
	// EnvFiles default to .env then .env.local; later files win.
	EnvFiles []string
	// Overrides take precedence over every other source, keyed like the
	// YAML file.
	Overrides map[string]any
}

// envAliases are accepted in addition to LEAVELINK_<KEY>.
var envAliases = map[string][]string{
	"notion_token":               {"NOTION_TOKEN", "NOTION_API_KEY"},
	"employees_database_id":      {"EMPLOYEES_DATABASE_ID", "EMPLOYEES_DB_ID"},
	"leave_requests_database_id": {"LEAVE_REQUESTS_DATABASE_ID", "LEAVE_REQUESTS_DB_ID"},
	"relation_field":             {"RELATION_FIELD"},
	"log_level":                  {"LOG_LEVEL"},
	"log_format":                 {"LOG_FORMAT"},
}

func defaults() map[string]any {
	return map[string]any{
		"notion_token":               "",
		"employees_database_id":      "",
		"leave_requests_database_id": "",
		"relation_field":             "",

		"notion_base_url":       notion.DefaultBaseURL,
		"notion_api_version":    notion.DefaultAPIVersion,
		"store_dsn":             "notion://",
		"status_field":          reconcile.DefaultStatusLabel,
		"default_status":        reconcile.DefaultStatus,
		"identifier_labels":     reconcile.DefaultIdentifierLabels,
		"link_policy":           string(reconcile.LinkFillEmpty),
		"only_unlinked":         false,
		"dry_run":               false,
		"page_size":             notion.MaxPageSize,
		"retry_max_attempts":    retry.DefaultMaxAttempts,
		"retry_base_delay":      retry.DefaultBaseDelay,
		"retry_max_delay":       retry.DefaultMaxDelay,
		"request_timeout":       30 * time.Second,
		"runlog_dsn":            "memory://",
		"runlog_history":        200,
		"interval":              15 * time.Minute,
		"interval_jitter":       0.1,
		"http_addr":             ":8080",
		"jwt_secret":            "",
		"rate_limit_per_minute": 60,
		"log_level":             "info",
		"log_format":            "auto",
		"log_output":            "stderr",
	}
}

// Load resolves and validates the configuration. Any failure is an *Error.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	configFile := strings.TrimSpace(opts.ConfigFile)
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Source: configFile, Err: err}
		}
	} else {
		v.SetConfigName("leavelink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/leavelink")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &Error{Source: v.ConfigFileUsed(), Err: err}
			}
		}
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env", ".env.local"}
	}
	dotenv, loaded, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, &Error{Source: "env file", Err: err}
	}
	for key := range defaults() {
		value, ok := lookupEnv(key, dotenv)
		if !ok {
			continue
		}
		if key == "identifier_labels" {
			v.Set(key, strings.Split(value, ","))
			continue
		}
		v.Set(key, value)
	}
	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	cfg := &Config{
		NotionToken:             strings.TrimSpace(v.GetString("notion_token")),
		NotionBaseURL:           strings.TrimSpace(v.GetString("notion_base_url")),
		NotionAPIVersion:        strings.TrimSpace(v.GetString("notion_api_version")),
		StoreDSN:                strings.TrimSpace(v.GetString("store_dsn")),
		EmployeesDatabaseID:     strings.TrimSpace(v.GetString("employees_database_id")),
		LeaveRequestsDatabaseID: strings.TrimSpace(v.GetString("leave_requests_database_id")),
		RelationField:           strings.TrimSpace(v.GetString("relation_field")),
		StatusField:             strings.TrimSpace(v.GetString("status_field")),
		DefaultStatus:           strings.TrimSpace(v.GetString("default_status")),
		IdentifierLabels:        labels(v.GetStringSlice("identifier_labels")),
		LinkPolicy:              strings.TrimSpace(v.GetString("link_policy")),
		OnlyUnlinked:            v.GetBool("only_unlinked"),
		DryRun:                  v.GetBool("dry_run"),
		PageSize:                v.GetInt("page_size"),
		RetryMaxAttempts:        v.GetInt("retry_max_attempts"),
		RetryBaseDelay:          v.GetDuration("retry_base_delay"),
		RetryMaxDelay:           v.GetDuration("retry_max_delay"),
		RequestTimeout:          v.GetDuration("request_timeout"),
		RunlogDSN:               strings.TrimSpace(v.GetString("runlog_dsn")),
		RunlogHistory:           v.GetInt("runlog_history"),
		Interval:                v.GetDuration("interval"),
		IntervalJitter:          v.GetFloat64("interval_jitter"),
		HTTPAddr:                strings.TrimSpace(v.GetString("http_addr")),
		JWTSecret:               v.GetString("jwt_secret"),
		RateLimitPerMinute:      v.GetInt("rate_limit_per_minute"),
		LogLevel:                strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:               strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
		LogOutput:               strings.TrimSpace(v.GetString("log_output")),
		ConfigFile:              v.ConfigFileUsed(),
		EnvFiles:                loaded,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against the embedded JSON schema.
func (c *Config) Validate() error {
	sch, err := compiledSchema()
	if err != nil {
		return &Error{Source: "schema", Err: err}
	}
	doc, err := json.Marshal(c.document())
	if err != nil {
		return &Error{Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return &Error{Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &Error{Source: c.ConfigFile, Problems: problems(verr)}
		}
		return &Error{Source: c.ConfigFile, Err: err}
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return &Error{Source: c.ConfigFile, Problems: []string{"retry_max_delay must not be below retry_base_delay"}}
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("leavelink-config.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("leavelink-config.json")
}

var printer = message.NewPrinter(language.English)

// problems flattens a validation error tree into one line per leaf.
func problems(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.ErrorKind.LocalizedString(printer))}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, problems(cause)...)
	}
	return out
}

// document is the configuration in the shape the schema describes, with
// durations in milliseconds.
func (c *Config) document() map[string]any {
	return map[string]any{
		"notion_token":               c.NotionToken,
		"notion_base_url":            c.NotionBaseURL,
		"notion_api_version":         c.NotionAPIVersion,
		"store_dsn":                  c.StoreDSN,
		"employees_database_id":      c.EmployeesDatabaseID,
		"leave_requests_database_id": c.LeaveRequestsDatabaseID,
		"relation_field":             c.RelationField,
		"status_field":               c.StatusField,
		"default_status":             c.DefaultStatus,
		"identifier_labels":          c.IdentifierLabels,
		"link_policy":                c.LinkPolicy,
		"only_unlinked":              c.OnlyUnlinked,
		"dry_run":                    c.DryRun,
		"page_size":                  c.PageSize,
		"retry_max_attempts":         c.RetryMaxAttempts,
		"retry_base_delay_ms":        c.RetryBaseDelay.Milliseconds(),
		"retry_max_delay_ms":         c.RetryMaxDelay.Milliseconds(),
		"request_timeout_ms":         c.RequestTimeout.Milliseconds(),
		"runlog_dsn":                 c.RunlogDSN,
		"runlog_history":             c.RunlogHistory,
		"interval_ms":                c.Interval.Milliseconds(),
		"interval_jitter":            c.IntervalJitter,
		"http_addr":                  c.HTTPAddr,
		"jwt_secret":                 c.JWTSecret,
		"rate_limit_per_minute":      c.RateLimitPerMinute,
		"log_level":                  c.LogLevel,
		"log_format":                 c.LogFormat,
		"log_output":                 c.LogOutput,
	}
}

func (c *Config) EngineOptions() reconcile.Options {
	return reconcile.Options{
		EmployeesDatabaseID:     c.EmployeesDatabaseID,
		LeaveRequestsDatabaseID: c.LeaveRequestsDatabaseID,
		IdentifierLabels:        c.IdentifierLabels,
		StatusLabel:             c.StatusField,
		RelationField:           c.RelationField,
		Plan: reconcile.PlanPolicy{
			Link:          reconcile.LinkPolicy(c.LinkPolicy),
			DefaultStatus: c.DefaultStatus,
		},
		PageSize:     c.PageSize,
		Retry:        c.RetryPolicy(),
		DryRun:       c.DryRun,
		OnlyUnlinked: c.OnlyUnlinked,
	}
}

func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// Store opens the database store named by StoreDSN: notion:// (or empty) for
// the remote API, memory:// for an empty in-process store, and
// memory://path, file://path or a bare .json path for an in-process store
// seeded from a snapshot file.
func (c *Config) Store() (reconcile.Store, error) {
	dsn := strings.TrimSpace(c.StoreDSN)
	if dsn == "" {
		return c.NotionClient(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, &Error{Source: "store_dsn", Err: err}
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "notion":
		return c.NotionClient(), nil
	case "memory", "mem":
		path := seedPath(parsed)
		if path == "" {
			return notion.NewMemoryStore(), nil
		}
		return openSeed(path)
	case "file":
		path := seedPath(parsed)
		if path == "" {
			return nil, &Error{Source: "store_dsn", Problems: []string{"file:// needs a seed path"}}
		}
		return openSeed(path)
	case "":
		return openSeed(dsn)
	default:
		return nil, &Error{Source: "store_dsn", Problems: []string{fmt.Sprintf("unsupported store scheme %q", scheme)}}
	}
}

func seedPath(parsed *url.URL) string {
	path := parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	// memory://seed.json puts the first segment in Host.
	return strings.TrimSpace(parsed.Host + path)
}

func openSeed(path string) (reconcile.Store, error) {
	store, err := notion.OpenSeedFile(path)
	if err != nil {
		return nil, &Error{Source: "store_dsn", Err: err}
	}
	return store, nil
}

func (c *Config) NotionClient() *notion.Client {
	return notion.NewClient(notion.ClientOptions{
		BaseURL:       c.NotionBaseURL,
		APIVersion:    c.NotionAPIVersion,
		TokenProvider: notion.StaticToken(c.NotionToken),
		HTTPClient:    &http.Client{Timeout: c.RequestTimeout},
		UserAgent:     "leavelink",
	})
}

func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat, Output: c.LogOutput}
}

// Sources lists the files whose changes should trigger a reload.
func (c *Config) Sources() []string {
	var out []string
	if c.ConfigFile != "" {
		out = append(out, c.ConfigFile)
	}
	return append(out, c.EnvFiles...)
}

func readEnvFiles(paths []string) (map[string]string, []string, error) {
	merged := map[string]string{}
	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, err
		}
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		for k, val := range values {
			merged[k] = val
		}
		loaded = append(loaded, path)
	}
	return merged, loaded, nil
}

// lookupEnv resolves key from the process environment first, then from .env
// values, trying LEAVELINK_<KEY> before any alias.
func lookupEnv(key string, dotenv map[string]string) (string, bool) {
	names := append([]string{EnvPrefix + "_" + strings.ToUpper(key)}, envAliases[key]...)
	for _, name := range names {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value, true
		}
	}
	for _, name := range names {
		if value, ok := dotenv[name]; ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func labels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, label := range in {
		if label = strings.TrimSpace(label); label != "" {
			out = append(out, label)
		}
	}
	return out
}
