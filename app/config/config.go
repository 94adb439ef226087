// Package config loads the optional settings file. Everything has a working
// default; the file exists so users can tune letter writing style, link
// cleaning and search behavior without touching flags.
package config

//go:generate go run ./internal/schema

import (
	"fmt"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// DefaultWritingInstructions guide letter generation when neither the job
// nor the settings file overrides them.
var DefaultWritingInstructions = []string{
	"Write ONLY the body paragraphs (3-4 paragraphs). No salutation or closing.",
	"Focus on 2-3 strong connections, not every topic.",
	"Be specific: include metrics and concrete details.",
	"Keep it concise (250-350 words).",
	"Use contractions (I'm, I've, wasn't).",
	"Vary sentence and paragraph length. Not every paragraph should start with 'I'.",
	"Write to one person, not to an audience.",
	"Lead with YOUR experience, not descriptions of the job or company.",
}

// Duration is a time.Duration that unmarshals from "12h" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// JSONSchema renders Duration as a string in the generated schema
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: "go duration string", Examples: []any{"12h", "30m"}}
}

// Config is the settings file shape.
type Config struct {
	Writing struct {
		Instructions []string `yaml:"instructions" json:"instructions,omitempty" jsonschema:"description=letter writing instructions applied when a job has no style override"`
	} `yaml:"writing" json:"writing,omitempty"`

	Links struct {
		StripParams []string `yaml:"strip_params" json:"strip_params,omitempty" jsonschema:"description=extra query params stripped before links are compared"`
	} `yaml:"links" json:"links,omitempty"`

	Search struct {
		MinInterval      Duration `yaml:"min_interval" json:"min_interval,omitempty" jsonschema:"description=skip queries that ran more recently than this"`
		FetchConcurrency int      `yaml:"fetch_concurrency" json:"fetch_concurrency,omitempty" jsonschema:"minimum=1,description=parallel description fetches"`
		ScrapeRate       float64  `yaml:"scrape_rate" json:"scrape_rate,omitempty" jsonschema:"description=scrape calls per second"`
		FitScreen        bool     `yaml:"fit_screen" json:"fit_screen,omitempty" jsonschema:"description=screen candidates for fit before they are tracked"`
		MaxPerQuery      int      `yaml:"max_per_query" json:"max_per_query,omitempty" jsonschema:"minimum=1,description=cap on results taken per query"`
	} `yaml:"search" json:"search,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.Writing.Instructions = append([]string{}, DefaultWritingInstructions...)
	cfg.Search.MinInterval = Duration(12 * time.Hour)
	cfg.Search.FetchConcurrency = 4
	cfg.Search.ScrapeRate = 1.0
	cfg.Search.MaxPerQuery = 25
	return cfg
}

// Load reads the settings file on top of the defaults. Keys absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the user's own flag
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Search.FetchConcurrency < 1 {
		return fmt.Errorf("fetch_concurrency %d, must be at least 1", c.Search.FetchConcurrency)
	}
	if c.Search.ScrapeRate <= 0 {
		return fmt.Errorf("scrape_rate %.2f, must be positive", c.Search.ScrapeRate)
	}
	if c.Search.MaxPerQuery < 1 {
		return fmt.Errorf("max_per_query %d, must be at least 1", c.Search.MaxPerQuery)
	}
	if c.Search.MinInterval < 0 {
		return fmt.Errorf("min_interval can't be negative")
	}
	return nil
}

// Schema generates the JSON schema for the settings file.
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true}
	schema := r.Reflect(&Config{})
	schema.Title = "jobhound settings"
	schema.Description = "Schema for the jobhound YAML settings file"
	return schema
}
