// Package config loads and validates the selfplay configuration file.
//
// Configuration is layered: built-in defaults, then the YAML config file given
// on the command line. The raw file bytes are kept around so each installed
// model can get a verbatim snapshot of the configuration that produced its
// data.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config holds every option the selfplay core recognizes. It is immutable
// after Load and safe for concurrent reads.
type Config struct {
	// NumGameThreads is the number of concurrent game workers.
	NumGameThreads int `koanf:"numGameThreads" validate:"min=1,max=16384"`

	// NumSearchThreads is the per-game search parallelism, used only to size
	// the evaluator's concurrent-evaluation budget.
	NumSearchThreads int `koanf:"numSearchThreads" validate:"min=1"`

	// NumGamesTotal caps how many games this process will start.
	NumGamesTotal int64 `koanf:"numGamesTotal" validate:"min=1"`

	// LogGamesEvery controls how often (in started games) progress is logged.
	LogGamesEvery int64 `koanf:"logGamesEvery" validate:"min=1"`

	// MaxDataQueueSize is the max number of finished but not yet written games
	// queued per model (per train/validation queue). Producers block when full.
	MaxDataQueueSize int `koanf:"maxDataQueueSize" validate:"min=1"`

	// MaxRowsPerTrainFile / MaxRowsPerValFile bound shard sizes.
	MaxRowsPerTrainFile int `koanf:"maxRowsPerTrainFile" validate:"min=1"`
	MaxRowsPerValFile   int `koanf:"maxRowsPerValFile" validate:"min=1"`

	// FirstFileRandMinProp is the minimum proportion of the row limit that the
	// randomly truncated first shard of each writer keeps.
	FirstFileRandMinProp float64 `koanf:"firstFileRandMinProp" validate:"gte=0,lte=1"`

	// ValidationProp is the probability that a finished game is assigned to
	// the validation split instead of training.
	ValidationProp float64 `koanf:"validationProp" validate:"gte=0,lte=0.5"`

	// SwitchNetsMidGame enables adopting a newly installed model in the middle
	// of a running game.
	SwitchNetsMidGame bool `koanf:"switchNetsMidGame"`

	// DataFeatureLen and DataPolicyLen are the record dimensions written to
	// the training shards.
	DataFeatureLen int `koanf:"dataFeatureLen" validate:"min=1"`
	DataPolicyLen  int `koanf:"dataPolicyLen" validate:"min=1"`

	// NNBackend selects the registered evaluator backend.
	NNBackend string `koanf:"nnBackend" validate:"required"`

	// GameRunner selects the registered game runner.
	GameRunner string `koanf:"gameRunner" validate:"required"`

	// MaxMovesPerGame bounds game length for runners that honor it.
	MaxMovesPerGame int `koanf:"maxMovesPerGame" validate:"min=1"`

	// raw is the verbatim config file contents, snapshotted per model.
	raw []byte
}

// defaultConfig returns the built-in defaults, overridden by the config file.
func defaultConfig() Config {
	return Config{
		NumGameThreads:       8,
		NumSearchThreads:     1,
		NumGamesTotal:        1 << 30,
		LogGamesEvery:        100,
		MaxDataQueueSize:     64,
		MaxRowsPerTrainFile:  100000,
		MaxRowsPerValFile:    100000,
		FirstFileRandMinProp: 0.15,
		ValidationProp:       0.05,
		SwitchNetsMidGame:    true,
		DataFeatureLen:       64,
		DataPolicyLen:        32,
		NNBackend:            "randomized",
		GameRunner:           "randomized",
		MaxMovesPerGame:      256,
	}
}

// Load reads configPath (YAML), layers it over the defaults and validates the
// result. Unknown keys in the file are logged as warnings but not fatal, so
// configs shared with sibling tools keep working.
func Load(configPath string) (*Config, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %q", configPath)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load config defaults")
	}
	known := make(map[string]bool)
	for _, key := range k.Keys() {
		known[key] = true
	}

	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", configPath)
	}
	for _, key := range k.Keys() {
		if !known[key] {
			klog.Warningf("Config file %q: unused key %q", configPath, key)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config file %q", configPath)
	}
	cfg.raw = raw

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %q", configPath)
	}
	return cfg, nil
}

// Contents returns the verbatim bytes of the loaded config file.
func (c *Config) Contents() []byte { return c.raw }
