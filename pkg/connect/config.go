package connect

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/docpipe/pkg/engine/bridge"
	"github.com/jdziat/docpipe/pkg/engine/contradiction"
	"github.com/jdziat/docpipe/pkg/engine/similarity"
	"github.com/jdziat/docpipe/pkg/security"
)

// Scope selects the candidate pool engines compare sources against.
type Scope string

const (
	// ScopeLibrary compares against every chunk.
	ScopeLibrary Scope = "library"
	// ScopeDocument compares only against chunks of the selected document.
	ScopeDocument Scope = "document"
)

// EngineConfig is the per-engine section of Config.
type EngineConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Weight scales raw engine strength. Zero means 1.
	Weight float64 `mapstructure:"weight" yaml:"weight"`

	// Timeout bounds one Detect call. Zero uses DefaultEngineTimeout.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxCandidates caps what the engine may return. Zero means no cap.
	MaxCandidates int `mapstructure:"maxCandidates" yaml:"maxCandidates"`

	Params map[string]any `mapstructure:"params" yaml:"params"`
}

func (c EngineConfig) weight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return security.ClampWeight(c.Weight)
}

func (c EngineConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultEngineTimeout
	}
	return c.Timeout
}

// Config selects and tunes engines. Engines missing from Engines are
// disabled; names no engine is registered under are ignored.
type Config struct {
	Scope Scope `mapstructure:"scope" yaml:"scope"`

	// BatchSize is the number of connections written per upsert.
	BatchSize int `mapstructure:"batchSize" yaml:"batchSize"`

	Engines map[string]EngineConfig `mapstructure:"engines" yaml:"engines"`
}

// DefaultEngineTimeout applies to engines without a configured timeout.
const DefaultEngineTimeout = 60 * time.Second

const defaultBatchSize = 100

// DefaultConfig enables the local engines. The bridge engine needs a model
// and stays off until configured.
func DefaultConfig() Config {
	return Config{
		Scope:     ScopeLibrary,
		BatchSize: defaultBatchSize,
		Engines: map[string]EngineConfig{
			similarity.Name:    {Enabled: true, Weight: 1, Timeout: 30 * time.Second},
			contradiction.Name: {Enabled: true, Weight: 1, Timeout: 30 * time.Second},
			bridge.Name:        {Enabled: false, Weight: 1, Timeout: 2 * time.Minute, MaxCandidates: 200},
		},
	}
}

// Validate fills defaults and rejects unknown scopes and negative budgets.
func (c *Config) Validate() error {
	switch c.Scope {
	case "":
		c.Scope = ScopeLibrary
	case ScopeLibrary, ScopeDocument:
	default:
		return fmt.Errorf("connections: unknown scope %q", c.Scope)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	for name, ec := range c.Engines {
		if ec.MaxCandidates < 0 {
			return fmt.Errorf("connections: engine %s: maxCandidates must not be negative", name)
		}
		if ec.Weight < 0 {
			return fmt.Errorf("connections: engine %s: weight must not be negative", name)
		}
	}
	return nil
}

// ParseConfig decodes a YAML engine configuration.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse connections config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and decodes a YAML engine configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read connections config: %w", err)
	}
	return ParseConfig(data)
}
