// Package config loads and validates pipeline configuration files.
// A configuration is a single YAML document describing the signal
// pattern, the event templates and their selection mode, sample
// datasets, subprocesses and output sinks. Secret placeholders in
// sink fields are resolved at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eventum-io/eventum/internal/secrets"
)

// Error reports malformed, missing or contradictory configuration.
// It is fatal at startup and surfaced before any signal is generated.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func errf(field, format string, args ...any) *Error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Config is one pipeline definition.
type Config struct {
	Name       string       `yaml:"name"`
	TimeMode   string       `yaml:"time_mode,omitempty"` // live|sample; flags may override
	Input      InputConfig  `yaml:"input"`
	Event      EventConfig  `yaml:"event"`
	Output     OutputConfig `yaml:"output"`
	DeadLetter string       `yaml:"dead_letter,omitempty"` // path for finally-dropped events

	// Dir is the directory the config file was loaded from; relative
	// references (templates, samples, subprocess configs) resolve
	// against it. Not part of the YAML document.
	Dir string `yaml:"-"`
}

// InputConfig selects the pattern source. Patterns, when present, wins
// over everything else; otherwise the precedence is timestamps > cron
// > sample.
type InputConfig struct {
	// Patterns lists input fragment files, each contributing one
	// pattern source; their signals are merged into a single ordered
	// sequence. Fragments may not reference further patterns.
	Patterns []string `yaml:"patterns,omitempty"`

	Timestamps []string      `yaml:"timestamps,omitempty"`
	Cron       *CronConfig   `yaml:"cron,omitempty"`
	Sample     *SampleConfig `yaml:"sample,omitempty"`

	// Fragments holds the loaded pattern files; populated by Load.
	Fragments []InputConfig `yaml:"-"`
}

// CronConfig is a five-field cron pattern. Count zero means unbounded
// (live mode only).
type CronConfig struct {
	Expression string `yaml:"expression"`
	Count      int    `yaml:"count,omitempty"`
}

// SampleConfig draws Count timestamps from a distribution over the
// [Start, End) window.
type SampleConfig struct {
	Count        int     `yaml:"count"`
	Start        string  `yaml:"start"`
	End          string  `yaml:"end"`
	Distribution string  `yaml:"distribution,omitempty"` // uniform|normal|triangular
	Stddev       float64 `yaml:"stddev,omitempty"`       // seconds
	Mode         float64 `yaml:"mode,omitempty"`         // seconds from start
	Seed         uint64  `yaml:"seed,omitempty"`
}

// EventConfig describes how events are produced per signal.
type EventConfig struct {
	Mode         string                      `yaml:"mode,omitempty"`     // all|any|chance|spin, default all
	OnError      string                      `yaml:"on_error,omitempty"` // skip|abort, default skip
	Params       map[string]any              `yaml:"params,omitempty"`
	Samples      map[string]SampleSource     `yaml:"samples,omitempty"`
	Templates    TemplateList                `yaml:"templates"`
	Subprocesses map[string]SubprocessConfig `yaml:"subprocesses,omitempty"`
}

// SampleSource configures one dataset binding.
type SampleSource struct {
	Type      string `yaml:"type"` // csv|items
	Source    any    `yaml:"source"`
	Header    bool   `yaml:"header,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty"`
}

// TemplateConfig is one template binding. Exactly one of Template
// (a file reference) or Expression (inline source) must be set.
type TemplateConfig struct {
	Name       string  `yaml:"-"`
	Template   string  `yaml:"template,omitempty"`
	Expression string  `yaml:"expression,omitempty"`
	Chance     float64 `yaml:"chance,omitempty"`
	Enabled    *bool   `yaml:"enabled,omitempty"`

	// Source is the loaded template text; populated by Load.
	Source string `yaml:"-"`
}

// IsEnabled reports whether the template participates in selection.
func (t TemplateConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TemplateList preserves the declaration order of event.templates,
// which SPIN selection depends on. yaml.v3 maps do not keep order, so
// the mapping node is walked directly.
type TemplateList []TemplateConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *TemplateList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("templates must be a mapping, got %s", node.Tag)
	}
	out := make(TemplateList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var tpl TemplateConfig
		if err := node.Content[i+1].Decode(&tpl); err != nil {
			return fmt.Errorf("template %q: %w", node.Content[i].Value, err)
		}
		tpl.Name = node.Content[i].Value
		out = append(out, tpl)
	}
	*l = out
	return nil
}

// SubprocessConfig references a child pipeline configuration file.
// Required promotes a child's fatal failure to fatal-for-parent.
type SubprocessConfig struct {
	Config   string `yaml:"config"`
	Required bool   `yaml:"required,omitempty"`
}

// OutputConfig maps sink names to their settings, keeping declaration
// order for stable startup logging.
type OutputConfig []SinkConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *OutputConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("output must be a mapping, got %s", node.Tag)
	}
	out := make(OutputConfig, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var sc SinkConfig
		if err := node.Content[i+1].Decode(&sc); err != nil {
			return fmt.Errorf("sink %q: %w", node.Content[i].Value, err)
		}
		sc.Name = node.Content[i].Value
		if sc.Kind == "" {
			sc.Kind = sc.Name
		}
		out = append(out, sc)
	}
	*o = out
	return nil
}

// SinkConfig is one output binding. Kind defaults to the map key, so
// `output.console: {...}` needs no explicit kind.
type SinkConfig struct {
	Name   string `yaml:"-"`
	Kind   string `yaml:"kind,omitempty"` // console|file|indexer|kafka
	Format string `yaml:"format,omitempty"`

	// Delivery behavior.
	QueueSize int          `yaml:"queue_size,omitempty"`
	Ordered   *bool        `yaml:"ordered,omitempty"`
	Workers   int          `yaml:"workers,omitempty"`
	Retry     RetryConfig  `yaml:"retry,omitempty"`

	// file
	Path string `yaml:"path,omitempty"`

	// indexer
	Host      string      `yaml:"host,omitempty"`
	Port      int         `yaml:"port,omitempty"`
	Index     string      `yaml:"index,omitempty"`
	User      string      `yaml:"user,omitempty"`
	Password  string      `yaml:"password,omitempty"`
	TLS       bool        `yaml:"tls,omitempty"`
	Batch     BatchConfig `yaml:"batch,omitempty"`
	RateLimit float64     `yaml:"rate_limit,omitempty"` // requests/sec

	// kafka
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// RetryConfig bounds per-sink delivery retries.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts,omitempty"`
	InitialBackoff Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     Duration `yaml:"max_backoff,omitempty"`
}

// BatchConfig controls indexer batching: flush at Size events or
// after FlushInterval, whichever comes first.
type BatchConfig struct {
	Size          int      `yaml:"size,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
}

// Duration wraps time.Duration with YAML support for Go duration
// strings ("200ms", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"200ms\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, validates and finalizes a pipeline configuration.
// Template file references are read relative to the config file, and
// {{name}} placeholders in sink credential fields are expanded through
// the resolver.
func Load(path string, resolver secrets.Resolver) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errf("", "read %s: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errf("", "parse %s: %v", path, err)
	}
	cfg.Dir = filepath.Dir(path)
	if cfg.Name == "" {
		cfg.Name = trimExt(filepath.Base(path))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.loadPatterns(); err != nil {
		return nil, err
	}
	if err := cfg.loadTemplates(); err != nil {
		return nil, err
	}
	if err := cfg.resolveSecrets(resolver); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Input.Patterns) == 0 && len(c.Input.Timestamps) == 0 && c.Input.Cron == nil && c.Input.Sample == nil {
		return errf("input", "no pattern source configured (need patterns, timestamps, cron or sample)")
	}
	for i, ref := range c.Input.Patterns {
		if ref == "" {
			return errf("input.patterns", "entry %d is empty", i)
		}
	}
	if c.Input.Cron != nil && c.Input.Cron.Expression == "" && len(c.Input.Timestamps) == 0 {
		return errf("input.cron.expression", "expression is required")
	}
	if c.TimeMode != "" && c.TimeMode != "live" && c.TimeMode != "sample" {
		return errf("time_mode", "must be live or sample, got %q", c.TimeMode)
	}

	switch c.Event.Mode {
	case "", "all", "any", "chance", "spin":
	default:
		return errf("event.mode", "must be all, any, chance or spin, got %q", c.Event.Mode)
	}
	switch c.Event.OnError {
	case "", "skip", "abort":
	default:
		return errf("event.on_error", "must be skip or abort, got %q", c.Event.OnError)
	}

	if len(c.Event.Templates) == 0 {
		return errf("event.templates", "at least one template is required")
	}
	enabled := 0
	for _, tpl := range c.Event.Templates {
		field := "event.templates." + tpl.Name
		if tpl.Template == "" && tpl.Expression == "" {
			return errf(field, "either template or expression is required")
		}
		if tpl.Template != "" && tpl.Expression != "" {
			return errf(field, "template and expression are mutually exclusive")
		}
		if tpl.Chance < 0 {
			return errf(field+".chance", "must be non-negative, got %v", tpl.Chance)
		}
		if tpl.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return errf("event.templates", "all templates are disabled")
	}

	for name, s := range c.Event.Samples {
		field := "event.samples." + name
		switch s.Type {
		case "csv":
			if _, ok := s.Source.(string); !ok {
				return errf(field+".source", "csv source must be a file path")
			}
		case "items":
			if _, ok := s.Source.([]any); !ok {
				return errf(field+".source", "items source must be a list")
			}
		default:
			return errf(field+".type", "must be csv or items, got %q", s.Type)
		}
	}

	for name, sub := range c.Event.Subprocesses {
		if sub.Config == "" {
			return errf("event.subprocesses."+name+".config", "config reference is required")
		}
	}

	if len(c.Output) == 0 {
		return errf("output", "at least one sink is required")
	}
	for _, sc := range c.Output {
		field := "output." + sc.Name
		switch sc.Kind {
		case "console", "stdout":
		case "file":
			if sc.Path == "" {
				return errf(field+".path", "path is required")
			}
		case "indexer", "opensearch":
			if sc.Host == "" {
				return errf(field+".host", "host is required")
			}
			if sc.Index == "" {
				return errf(field+".index", "index is required")
			}
		case "kafka":
			if len(sc.Brokers) == 0 {
				return errf(field+".brokers", "at least one broker is required")
			}
			if sc.Topic == "" {
				return errf(field+".topic", "topic is required")
			}
		default:
			return errf(field, "unknown sink kind %q", sc.Kind)
		}
		switch sc.Format {
		case "", "original", "json-lines":
		default:
			return errf(field+".format", "must be original or json-lines, got %q", sc.Format)
		}
	}

	return nil
}

// loadPatterns reads the input fragment files. Each fragment is a YAML
// document with a single pattern source at the top level.
func (c *Config) loadPatterns() error {
	for i, ref := range c.Input.Patterns {
		field := fmt.Sprintf("input.patterns[%d]", i)
		data, err := os.ReadFile(c.ResolvePath(ref))
		if err != nil {
			return errf(field, "read %s: %v", ref, err)
		}
		var frag InputConfig
		if err := yaml.Unmarshal(data, &frag); err != nil {
			return errf(field, "parse %s: %v", ref, err)
		}
		if len(frag.Patterns) > 0 {
			return errf(field, "%s: pattern fragments may not reference further patterns", ref)
		}
		if len(frag.Timestamps) == 0 && frag.Cron == nil && frag.Sample == nil {
			return errf(field, "%s: no pattern source configured (need timestamps, cron or sample)", ref)
		}
		if frag.Cron != nil && frag.Cron.Expression == "" && len(frag.Timestamps) == 0 {
			return errf(field, "%s: cron expression is required", ref)
		}
		c.Input.Fragments = append(c.Input.Fragments, frag)
	}
	return nil
}

func (c *Config) loadTemplates() error {
	for i := range c.Event.Templates {
		tpl := &c.Event.Templates[i]
		if tpl.Expression != "" {
			tpl.Source = tpl.Expression
			continue
		}
		path := tpl.Template
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errf("event.templates."+tpl.Name+".template", "read %s: %v", path, err)
		}
		tpl.Source = string(data)
	}
	return nil
}

// resolveSecrets expands {{name}} placeholders in sink string fields.
func (c *Config) resolveSecrets(resolver secrets.Resolver) error {
	if resolver == nil {
		resolver = secrets.Env{}
	}
	for i := range c.Output {
		sc := &c.Output[i]
		for _, f := range []*string{&sc.Host, &sc.Index, &sc.User, &sc.Password, &sc.Topic, &sc.Path} {
			expanded, err := secrets.Expand(*f, resolver)
			if err != nil {
				return errf("output."+sc.Name, "%v", err)
			}
			*f = expanded
		}
		for j, b := range sc.Brokers {
			expanded, err := secrets.Expand(b, resolver)
			if err != nil {
				return errf("output."+sc.Name+".brokers", "%v", err)
			}
			sc.Brokers[j] = expanded
		}
	}
	return nil
}

// ResolvePath resolves a reference relative to the config directory.
func (c *Config) ResolvePath(ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(c.Dir, ref)
}

// ParseTimestamps converts the explicit timestamp list.
func (c *Config) ParseTimestamps() ([]time.Time, error) {
	return ParseTimestampList("input.timestamps", c.Input.Timestamps)
}

// ParseTimestampList converts RFC 3339 strings into times, reporting
// failures against the given field.
func ParseTimestampList(field string, ss []string) ([]time.Time, error) {
	out := make([]time.Time, len(ss))
	for i, s := range ss {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, errf(field, "entry %d: %v", i, err)
		}
		out[i] = t
	}
	return out, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
