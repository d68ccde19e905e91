package meta

import (
	"github.com/tesseradb/tessera"
)

const (
	// DefaultMaxParallelShards bounds concurrent per-shard sub-queries.
	DefaultMaxParallelShards = 10
)

// Config is the declarative shard catalog consumed at startup.
type Config struct {
	MaxParallelShards int `toml:"max-parallel-shards"`

	Shards   []ShardDescriptor `toml:"shard"`
	Entities []EntityBinding   `toml:"entity"`
}

// NewConfig builds a new configuration with default values.
func NewConfig() Config {
	return Config{
		MaxParallelShards: DefaultMaxParallelShards,
	}
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.MaxParallelShards <= 0 {
		return &tessera.Error{
			Code: tessera.EConfiguration,
			Msg:  "max-parallel-shards must be a positive number",
		}
	}
	for i := range c.Shards {
		if err := c.Shards[i].Validate(); err != nil {
			return err
		}
	}
	for i := range c.Entities {
		if err := c.Entities[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Registry builds a validated registry from the config.
func (c *Config) Registry(opts ...RegistryOption) (*Registry, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return NewRegistry(c.Shards, c.Entities, opts...)
}
