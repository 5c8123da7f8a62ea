// Package config loads the replicator configuration: a YAML file checked
// against an embedded JSON schema, with TABLERELAY_* environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/tablerelay/internal/blob"
	"github.com/agentworkforce/tablerelay/internal/cluster"
	"github.com/agentworkforce/tablerelay/internal/engine"
	"github.com/agentworkforce/tablerelay/internal/model"
	"github.com/agentworkforce/tablerelay/internal/pipeline"
)

const (
	DefaultListen     = ":8080"
	DefaultLedgerName = "tablerelay"
)

var ErrInvalidConfig = errors.New("invalid config")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "config.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to load config schema: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Duration reads Go duration strings such as "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Table struct {
	ClusterURI string `yaml:"clusterUri,omitempty"`
	Database   string `yaml:"database"`
	Table      string `yaml:"table"`
}

type Activity struct {
	Name        string `yaml:"name"`
	Source      Table  `yaml:"source"`
	Destination Table  `yaml:"destination"`
	Mode        string `yaml:"mode,omitempty"`
	Filter      string `yaml:"filter,omitempty"`
}

// Tuning holds the knobs that shape load on the clusters. Zero values fall
// back to the pipeline and cluster defaults.
type Tuning struct {
	RowsPerBlock    int64    `yaml:"rowsPerBlock,omitempty"`
	MaxSamples      int      `yaml:"maxSamples,omitempty"`
	PollInterval    Duration `yaml:"pollInterval,omitempty"`
	AwaitPeriod     Duration `yaml:"awaitPeriod,omitempty"`
	LostAfter       int      `yaml:"lostAfter,omitempty"`
	IngestBatchSize int      `yaml:"ingestBatchSize,omitempty"`
	IterationDelay  Duration `yaml:"iterationDelay,omitempty"`
	CapacityTTL     Duration `yaml:"capacityTtl,omitempty"`
	StagingTTL      Duration `yaml:"stagingTtl,omitempty"`
	MaxAttempts     int      `yaml:"maxAttempts,omitempty"`
	QueryRatio      float64  `yaml:"queryRatio,omitempty"`
	CommandRatio    float64  `yaml:"commandRatio,omitempty"`
	ExportRatio     float64  `yaml:"exportRatio,omitempty"`
}

type Config struct {
	// Source and Destination are the default clusters for activities that
	// do not name their own.
	Source      string `yaml:"source,omitempty"`
	Destination string `yaml:"destination,omitempty"`
	Continuous  bool   `yaml:"continuous,omitempty"`
	Auth        string `yaml:"auth,omitempty"`
	Listen      string `yaml:"listen,omitempty"`
	// Ledger is a blob DSN, see blob.Open.
	Ledger     string `yaml:"ledger"`
	LedgerName string `yaml:"ledgerName,omitempty"`
	// Staging is a blob DSN that delegates export write urls. It is only
	// used when StorageRoots is empty.
	Staging      string     `yaml:"staging,omitempty"`
	StorageRoots []string   `yaml:"storageRoots,omitempty"`
	Activities   []Activity `yaml:"activities"`
	Tuning       Tuning     `yaml:"tuning,omitempty"`

	// Secrets never come from the file.
	EngineToken string `yaml:"-"`
	APIToken    string `yaml:"-"`
}

// Load reads the file at path, applies environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse checks data against the schema and decodes it. It does not apply
// environment overrides.
func Parse(data []byte) (*Config, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func checkSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	// The schema validator wants JSON values, so go through encoding/json.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth == "" {
		c.Auth = string(engine.AuthNone)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LedgerName == "" {
		c.LedgerName = DefaultLedgerName
	}
	if c.Tuning.IterationDelay == 0 {
		c.Tuning.IterationDelay = Duration(pipeline.DefaultIterationDelay)
	}
}

// ApplyEnv overrides file values with TABLERELAY_* variables. Unparseable
// values are logged and ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	env := envReader{getenv: getenv}
	c.Source = env.stringEnv("TABLERELAY_SOURCE", c.Source)
	c.Destination = env.stringEnv("TABLERELAY_DESTINATION", c.Destination)
	c.Continuous = env.boolEnv("TABLERELAY_CONTINUOUS", c.Continuous)
	c.Auth = env.stringEnv("TABLERELAY_AUTH", c.Auth)
	c.Listen = env.stringEnv("TABLERELAY_LISTEN", c.Listen)
	c.Ledger = env.stringEnv("TABLERELAY_LEDGER", c.Ledger)
	c.LedgerName = env.stringEnv("TABLERELAY_LEDGER_NAME", c.LedgerName)
	c.Staging = env.stringEnv("TABLERELAY_STAGING", c.Staging)
	if roots := env.stringEnv("TABLERELAY_STORAGE_ROOTS", ""); roots != "" {
		c.StorageRoots = splitList(roots)
	}
	c.EngineToken = env.stringEnv("TABLERELAY_ENGINE_TOKEN", c.EngineToken)
	c.APIToken = env.stringEnv("TABLERELAY_API_TOKEN", c.APIToken)

	t := &c.Tuning
	t.RowsPerBlock = env.int64Env("TABLERELAY_ROWS_PER_BLOCK", t.RowsPerBlock)
	t.MaxSamples = env.intEnv("TABLERELAY_MAX_SAMPLES", t.MaxSamples)
	t.PollInterval = env.durationEnv("TABLERELAY_POLL_INTERVAL", t.PollInterval)
	t.AwaitPeriod = env.durationEnv("TABLERELAY_AWAIT_PERIOD", t.AwaitPeriod)
	t.LostAfter = env.intEnv("TABLERELAY_LOST_AFTER", t.LostAfter)
	t.IngestBatchSize = env.intEnv("TABLERELAY_INGEST_BATCH_SIZE", t.IngestBatchSize)
	t.IterationDelay = env.durationEnv("TABLERELAY_ITERATION_DELAY", t.IterationDelay)
	t.CapacityTTL = env.durationEnv("TABLERELAY_CAPACITY_TTL", t.CapacityTTL)
	t.StagingTTL = env.durationEnv("TABLERELAY_STAGING_TTL", t.StagingTTL)
	t.MaxAttempts = env.intEnv("TABLERELAY_MAX_ATTEMPTS", t.MaxAttempts)
}

// Validate checks what the schema cannot: uri syntax, default cluster
// resolution and activity name uniqueness.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Ledger) == "" {
		return fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	switch engine.AuthMode(c.Auth) {
	case engine.AuthNone:
	case engine.AuthToken:
		if strings.TrimSpace(c.EngineToken) == "" {
			return fmt.Errorf("%w: auth token requires TABLERELAY_ENGINE_TOKEN", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalidConfig, c.Auth)
	}
	for _, uri := range []string{c.Source, c.Destination} {
		if uri == "" {
			continue
		}
		if err := model.ValidateClusterURI(uri); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if len(c.StorageRoots) == 0 && strings.TrimSpace(c.Staging) == "" {
		return fmt.Errorf("%w: one of storageRoots or staging is required", ErrInvalidConfig)
	}
	_, err := c.ModelActivities()
	return err
}

// ModelActivities resolves the configured activities, filling in the
// default clusters.
func (c *Config) ModelActivities() ([]model.Activity, error) {
	seen := make(map[string]struct{}, len(c.Activities))
	out := make([]model.Activity, 0, len(c.Activities))
	for i, a := range c.Activities {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: activity %d has no name", ErrInvalidConfig, i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate activity %q", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
		mode, err := model.ParseExportMode(a.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: activity %q: %v", ErrInvalidConfig, name, err)
		}
		activity := model.Activity{
			Name:        name,
			State:       model.ActivityActive,
			Source:      a.Source.resolve(c.Source),
			Destination: a.Destination.resolve(c.Destination),
			Mode:        mode,
			Filter:      a.Filter,
		}
		for _, table := range []model.TableID{activity.Source, activity.Destination} {
			if err := table.Validate(); err != nil {
				return nil, fmt.Errorf("%w: activity %q: %v", ErrInvalidConfig, name, err)
			}
		}
		out = append(out, activity)
	}
	return out, nil
}

func (t Table) resolve(defaultCluster string) model.TableID {
	uri := t.ClusterURI
	if uri == "" {
		uri = defaultCluster
	}
	return model.TableID{ClusterURI: strings.TrimSpace(uri), Database: t.Database, Table: t.Table}
}

// PipelineSettings maps the configuration onto the runners. staging may be
// nil when storage roots are configured.
func (c *Config) PipelineSettings(staging blob.Store) pipeline.Settings {
	return pipeline.Settings{
		RowsPerBlock:    c.Tuning.RowsPerBlock,
		MaxSamples:      c.Tuning.MaxSamples,
		PollInterval:    time.Duration(c.Tuning.PollInterval),
		IngestBatchSize: c.Tuning.IngestBatchSize,
		IterationDelay:  time.Duration(c.Tuning.IterationDelay),
		Continuous:      c.Continuous,
		StorageRoots:    c.StorageRoots,
		Staging:         staging,
		StagingTTL:      time.Duration(c.Tuning.StagingTTL),
	}
}

func (c *Config) RegistryOptions(newClient cluster.ClientFactory, logger zerolog.Logger) cluster.Options {
	retry := cluster.DefaultRetryPolicy()
	if c.Tuning.MaxAttempts > 0 {
		retry.MaxAttempts = c.Tuning.MaxAttempts
	}
	return cluster.Options{
		NewClient: newClient,
		Ratios: cluster.Ratios{
			Queries:  c.Tuning.QueryRatio,
			Commands: c.Tuning.CommandRatio,
			Exports:  c.Tuning.ExportRatio,
		},
		CapacityTTL: time.Duration(c.Tuning.CapacityTTL),
		Retry:       retry,
		Await: cluster.AwaiterOptions{
			Period:    time.Duration(c.Tuning.AwaitPeriod),
			LostAfter: c.Tuning.LostAfter,
		},
		Logger: logger,
	}
}

func (c *Config) EngineOptions() engine.HTTPOptions {
	return engine.HTTPOptions{Auth: engine.AuthMode(c.Auth), Token: c.EngineToken}
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) raw(name string) string {
	return strings.TrimSpace(e.getenv(name))
}

func (e envReader) stringEnv(name, fallback string) string {
	if raw := e.raw(name); raw != "" {
		return raw
	}
	return fallback
}

func (e envReader) intEnv(name string, fallback int) int {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid environment override")
		return fallback
	}
	return value
}

func (e envReader) int64Env(name string, fallback int64) int64 {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid environment override")
		return fallback
	}
	return value
}

func (e envReader) boolEnv(name string, fallback bool) bool {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid environment override")
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback Duration) Duration {
	raw := e.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Stringer("fallback", time.Duration(fallback)).Msg("invalid environment override")
		return fallback
	}
	return Duration(value)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
