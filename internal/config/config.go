// Package config loads the vizgraphd YAML configuration.
//
// The loader runs in strict mode (unknown keys are errors) and expands
// environment variables before decoding, so endpoints and credentials can be
// injected from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calterras/vizgraph/pkg/engine"
)

// Config is the top-level structure of the configuration file.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Engine    EngineConfig    `yaml:"engine"`
	LODBands  []LODBandConfig `yaml:"lod_bands"`
}

// TransportConfig points at the remote graph source.
type TransportConfig struct {
	// WebsocketURL is the duplex delta channel.
	WebsocketURL string `yaml:"websocket_url"`

	// FetchBaseURL is the HTTP endpoint for gap-fill range fetches.
	FetchBaseURL string `yaml:"fetch_base_url"`

	// PingInterval between liveness pings. Default 15s.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// EngineConfig mirrors engine.Options for the tunables that make sense in a
// file. Zero values fall back to the engine defaults.
type EngineConfig struct {
	MaxBatchSize    int           `yaml:"max_batch_size"`
	BatchDelay      time.Duration `yaml:"batch_delay"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxSize    int           `yaml:"cache_max_size"`
	RebuildFraction float64       `yaml:"rebuild_fraction"`
	Overscan        float64       `yaml:"overscan"`
	ChurnThreshold  float64       `yaml:"churn_threshold"`
	GapPolicy       string        `yaml:"gap_policy"` // "discard" or "reset"
	FetchRetries    int           `yaml:"fetch_retries"`
	FetchBackoff    time.Duration `yaml:"fetch_backoff"`
}

// LODBandConfig is one row of the zoom -> detail table.
type LODBandConfig struct {
	MinZoom float64 `yaml:"min_zoom"`
	MaxZoom float64 `yaml:"max_zoom"`
	Detail  string  `yaml:"detail"` // "coarse", "medium", "full"
}

// Load reads and parses the configuration file. An empty path yields the
// zero Config so every engine default applies.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
	}
	return &cfg, nil
}

// EngineOptions converts the file config into engine options, starting from
// the defaults. Band validation happens in engine.Open; detail-level parse
// errors surface here.
func (c *Config) EngineOptions() (engine.Options, error) {
	opts := engine.DefaultOptions()

	ec := c.Engine
	if ec.MaxBatchSize > 0 {
		opts.MaxBatchSize = ec.MaxBatchSize
	}
	if ec.BatchDelay > 0 {
		opts.BatchDelay = ec.BatchDelay
	}
	if ec.CacheTTL > 0 {
		opts.CacheTTL = ec.CacheTTL
	}
	if ec.CacheMaxSize > 0 {
		opts.CacheMaxSize = ec.CacheMaxSize
	}
	if ec.RebuildFraction > 0 {
		opts.RebuildFraction = ec.RebuildFraction
	}
	if ec.Overscan > 0 {
		opts.Overscan = ec.Overscan
	}
	if ec.ChurnThreshold > 0 {
		opts.ChurnThreshold = ec.ChurnThreshold
	}
	if ec.FetchRetries > 0 {
		opts.FetchRetries = ec.FetchRetries
	}
	if ec.FetchBackoff > 0 {
		opts.FetchBackoff = ec.FetchBackoff
	}

	switch ec.GapPolicy {
	case "", "discard":
		opts.GapPolicy = engine.GapPolicyDiscard
	case "reset":
		opts.GapPolicy = engine.GapPolicyReset
	default:
		return opts, fmt.Errorf("unknown gap_policy %q (want \"discard\" or \"reset\")", ec.GapPolicy)
	}

	if len(c.LODBands) > 0 {
		bands := make([]engine.LODBand, 0, len(c.LODBands))
		for _, b := range c.LODBands {
			detail, err := engine.ParseDetailLevel(b.Detail)
			if err != nil {
				return opts, fmt.Errorf("lod_bands: %w", err)
			}
			bands = append(bands, engine.LODBand{MinZoom: b.MinZoom, MaxZoom: b.MaxZoom, Detail: detail})
		}
		opts.Bands = bands
	}

	return opts, nil
}
