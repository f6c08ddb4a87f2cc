package restore

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/restore/pkg/logging"
	"github.com/i5heu/restore/pkg/types"
)

// Default configuration values, applied for zero fields.
const (
	DefaultPermutationRangeSize = 4096
	DefaultPermutationRounds    = 4
	DefaultTag                  = 42
)

// Config configures a Store. ReplicationLevel and, for constant
// offset mode, ConstOffset must be set; everything else has a working
// default.
type Config struct {
	// ReplicationLevel is the number of ranks each block is copied
	// to.
	ReplicationLevel int `yaml:"replicationLevel"`
	// OffsetMode selects the arena layout. Constant mode requires
	// ConstOffset; lookup-table mode is accepted but not implemented
	// yet.
	OffsetMode types.OffsetMode `yaml:"-"`
	// ConstOffset is the exact serialized size of every block in
	// constant offset mode, in bytes.
	ConstOffset uint64 `yaml:"constOffset"`
	// PermutationRangeSize is the granularity of the block-id
	// randomization: ids inside one permutation range stay
	// contiguous.
	PermutationRangeSize uint64 `yaml:"permutationRangeSize"`
	// PermutationRounds is the Feistel round count.
	PermutationRounds int `yaml:"permutationRounds"`
	// Seed keys the block-id permutation. All ranks must agree on it.
	Seed uint64 `yaml:"seed"`
	// Tag is the transport tag of the sparse all-to-all data plane.
	Tag int `yaml:"tag"`
	// DisableBlockIDRandomization substitutes the identity
	// permutation, keeping application block ids in place.
	DisableBlockIDRandomization bool `yaml:"disableBlockIdRandomization"`
	// CompressExchanges runs every exchange payload through zstd.
	CompressExchanges bool `yaml:"compressExchanges"`
	// ParallelDispatch stores received submission messages through
	// the shared worker pool instead of sequentially.
	ParallelDispatch bool `yaml:"parallelDispatch"`
	// Logger is an optional structured logger. If nil, a stderr
	// logger is used.
	Logger *slog.Logger `yaml:"-"`
}

// yamlConfig is the on-disk shape of Config; the offset mode travels
// as a string.
type yamlConfig struct {
	Config     `yaml:",inline"`
	OffsetMode string `yaml:"offsetMode"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("restore: read config: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("restore: parse config: %w", err)
	}
	switch yc.OffsetMode {
	case "", "constant":
		yc.Config.OffsetMode = types.OffsetModeConstant
	case "lookup-table":
		yc.Config.OffsetMode = types.OffsetModeLookupTable
	default:
		return Config{}, fmt.Errorf("%w: unknown offset mode %q", ErrInvalidConfiguration, yc.OffsetMode)
	}
	return yc.Config, nil
}

func (c *Config) applyDefaults() {
	if c.PermutationRangeSize == 0 {
		c.PermutationRangeSize = DefaultPermutationRangeSize
	}
	if c.PermutationRounds == 0 {
		c.PermutationRounds = DefaultPermutationRounds
	}
	if c.Tag == 0 {
		c.Tag = DefaultTag
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

func (c *Config) validate() error {
	if c.ReplicationLevel <= 0 {
		return fmt.Errorf("%w: replication level must be >= 1, got %d", ErrInvalidConfiguration, c.ReplicationLevel)
	}
	switch c.OffsetMode {
	case types.OffsetModeConstant:
		if c.ConstOffset == 0 {
			return fmt.Errorf("%w: constant offset mode requires a const offset > 0", ErrInvalidConfiguration)
		}
	case types.OffsetModeLookupTable:
		if c.ConstOffset != 0 {
			return fmt.Errorf("%w: lookup-table offset mode forbids a const offset, got %d", ErrInvalidConfiguration, c.ConstOffset)
		}
	default:
		return fmt.Errorf("%w: unknown offset mode %d", ErrInvalidConfiguration, c.OffsetMode)
	}
	if c.PermutationRounds < 3 {
		return fmt.Errorf("%w: the Feistel permutation needs at least 3 rounds, got %d", ErrInvalidConfiguration, c.PermutationRounds)
	}
	return nil
}

func defaultLogger() *slog.Logger {
	return logging.New(slog.LevelWarn)
}
