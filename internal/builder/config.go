package builder

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"

	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/pkg/types"
	"yqhp/build-engine/pkg/utils"
)

// Diff policies.
const (
	DiffExhaustive  = "exhaustive"
	DiffApproximate = "approximate"
)

const DefaultChunkSize = 1000

// Config is the serializable description of a builder. It is the payload
// the manager sends to workers, with a chunk overlay merged into Query.
type Config struct {
	Type             string      `json:"@type" yaml:"type"`
	Source           store.Spec  `json:"source" yaml:"source"`
	Target           store.Spec  `json:"target" yaml:"target"`
	ChunkSize        int         `json:"chunk_size,omitempty" yaml:"chunk_size"`
	Query            types.Query `json:"query,omitempty" yaml:"query"`
	Incremental      *bool       `json:"incremental,omitempty" yaml:"incremental"`
	DiffPolicy       string      `json:"diff_policy,omitempty" yaml:"diff_policy"`
	RetryFailed      bool        `json:"retry_failed,omitempty" yaml:"retry_failed"`
	DeleteOrphans    bool        `json:"delete_orphans,omitempty" yaml:"delete_orphans"`
	Timeout          int         `json:"timeout,omitempty" yaml:"timeout"` // seconds, 0 disables
	Transform        string      `json:"transform,omitempty" yaml:"transform"`
	StoreProcessTime bool        `json:"store_process_time,omitempty" yaml:"store_process_time"`
}

// IsIncremental reports whether only changed keys are processed. Defaults to true.
func (c *Config) IsIncremental() bool {
	return c.Incremental == nil || *c.Incremental
}

// TimeoutDuration returns the per-item transform timeout.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.DiffPolicy == "" {
		c.DiffPolicy = DiffExhaustive
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("%w: @type is required", ErrInvalidConfig)
	}
	if c.Source.Name == "" || c.Target.Name == "" {
		return fmt.Errorf("%w: source and target names are required", ErrInvalidConfig)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	}
	switch c.DiffPolicy {
	case "", DiffExhaustive, DiffApproximate:
	default:
		return fmt.Errorf("%w: unknown diff_policy %q", ErrInvalidConfig, c.DiffPolicy)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := &Config{}
	if err := copier.CopyWithOption(out, c, copier.Option{DeepCopy: true}); err != nil {
		panic(fmt.Sprintf("clone builder config: %v", err))
	}
	return out
}

// WithOverlay returns a copy restricted by overlay. Orphan deletion is
// disabled on the copy: a key-restricted builder cannot tell orphans apart
// from keys outside its chunk.
func (c *Config) WithOverlay(overlay types.QueryOverlay) *Config {
	out := c.Clone()
	out.Query = out.Query.Merge(overlay)
	out.DeleteOrphans = false
	return out
}

// Encode serializes the config to its JSON payload.
func (c *Config) Encode() ([]byte, error) {
	return utils.Marshal(c)
}

// DecodeConfig parses a JSON payload.
func DecodeConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := utils.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode builder payload: %w", err)
	}
	return cfg, nil
}

// ConfigFromMap converts a free-form map (as loaded from YAML) to a Config.
func ConfigFromMap(m map[string]any) (*Config, error) {
	if _, ok := m["@type"]; !ok {
		if t, ok := m["type"]; ok {
			m = types.Document(m).Clone()
			m["@type"] = t
			delete(m, "type")
		}
	}
	cfg, err := utils.FromMap[Config](m)
	if err != nil {
		return nil, fmt.Errorf("convert builder config: %w", err)
	}
	return &cfg, nil
}
