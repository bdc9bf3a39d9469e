// Package config loads the YAML configuration of the serve command and
// validates it against an embedded CUE schema, which also supplies the
// defaults.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entsync/internal/record"
)

//go:embed schema.cue
var schemaCUE string

// Config is the serve configuration.
type Config struct {
	Listen       string            `json:"listen" yaml:"listen"`
	Database     string            `json:"database" yaml:"database"`
	LogLevel     string            `json:"log_level" yaml:"log_level"`
	HistoryLimit int               `json:"history_limit" yaml:"history_limit"`
	Auth         *Auth             `json:"auth,omitempty" yaml:"auth,omitempty"`
	Seeds        map[string]string `json:"seeds,omitempty" yaml:"seeds,omitempty"`

	// dir is the directory relative seed paths resolve against.
	dir string
}

// Auth enables token checks on the WebSocket endpoint.
type Auth struct {
	Secret   string `json:"secret" yaml:"secret"`
	TokenTTL string `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
}

// TTL parses TokenTTL; zero when unset.
func (a *Auth) TTL() time.Duration {
	if a == nil || a.TokenTTL == "" {
		return 0
	}
	d, _ := time.ParseDuration(a.TokenTTL) // validated by the schema
	return d
}

// Error is a configuration that does not match the schema.
type Error struct {
	Path     string
	Problems []string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid config: %v", e.Problems)
	}
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Problems)
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema rejects empty config: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		if ce, ok := err.(*Error); ok {
			ce.Path = path
		}
		return nil, err
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse validates YAML data against the schema and fills in defaults.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Problems: []string{err.Error()}}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &Error{Problems: problems(err)}
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, &Error{Problems: problems(err)}
	}
	return &cfg, nil
}

func problems(err error) []string {
	var out []string
	for _, e := range errors.Errors(err) {
		out = append(out, e.Error())
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SeedKinds returns the kinds with a seed file, sorted.
func (c *Config) SeedKinds() []string {
	kinds := make([]string, 0, len(c.Seeds))
	for k := range c.Seeds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// SeedPath resolves the seed file of kind against the config directory.
func (c *Config) SeedPath(kind string) string {
	p := c.Seeds[kind]
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// LoadSeeds reads a YAML (or JSON) list of records.
func LoadSeeds(path string) ([]record.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seeds %s: %w", path, err)
	}
	out := make([]record.Object, 0, len(raw))
	for i, r := range raw {
		obj, err := record.NormalizeObject(r)
		if err != nil {
			return nil, fmt.Errorf("seeds %s[%d]: %w", path, i, err)
		}
		out = append(out, obj)
	}
	return out, nil
}
