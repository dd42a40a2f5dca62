// Package config loads the engine's tunables from YAML with environment
// variable overrides, following the UCTCORE_* naming convention used
// throughout this module.
package config

import (
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized search/network option plus the ambient
// fields (weights path, accelerator backend, telemetry) this module
// adds around them.
type Config struct {
	// PlayoutLimit is the number of simulations think() runs before
	// stopping; 0 means unlimited (time-bounded only).
	PlayoutLimit int `yaml:"playout_limit"`
	// TimeLimitMs bounds think()'s wall-clock budget; 0 means
	// unbounded (playout-bounded only).
	TimeLimitMs int `yaml:"time_limit_ms"`
	// NumThreads is the worker pool size; 0 resolves to
	// runtime.NumCPU() at load time.
	NumThreads int `yaml:"num_threads"`
	// CPuct is the PUCT exploration constant.
	CPuct float64 `yaml:"c_puct"`
	// SoftmaxTemperature scales the policy head's softmax.
	SoftmaxTemperature float64 `yaml:"softmax_temperature"`
	// VirtualLoss is the per-descent penalty added to a node's
	// visit/virtual-loss denominator.
	VirtualLoss int `yaml:"virtual_loss"`
	// MaxTreeNodes caps total node allocations across one think call.
	MaxTreeNodes int64 `yaml:"max_tree_nodes"`
	// SelfCheckProbability is S: the accelerator self-check triggers
	// with probability 1/S.
	SelfCheckProbability int64 `yaml:"self_check_probability"`
	// Quiet suppresses periodic analysis output.
	Quiet bool `yaml:"quiet"`
	// Analyze enables periodic dump_stats output during think/ponder.
	Analyze bool `yaml:"analyze"`

	// WeightsPath points at the network weight file (text or gzip).
	WeightsPath string `yaml:"weights_path"`
	// AcceleratorBackend selects "cpu" or "self-checked"; any other
	// value is rejected at startup.
	AcceleratorBackend string `yaml:"accelerator_backend"`
	// MetricsEnabled turns on the OpenTelemetry meter/tracer wiring in
	// pkg/telemetry.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns the spec's documented defaults, resolving
// NumThreads to the host's hardware concurrency.
func Default() *Config {
	return &Config{
		PlayoutLimit:         0,
		TimeLimitMs:          0,
		NumThreads:           runtime.NumCPU(),
		CPuct:                1.0,
		SoftmaxTemperature:   1.0,
		VirtualLoss:          3,
		MaxTreeNodes:         40_000_000,
		SelfCheckProbability: 2000,
		Quiet:                false,
		Analyze:              false,
		WeightsPath:          "",
		AcceleratorBackend:   "cpu",
		MetricsEnabled:       false,
	}
}

// Load reads YAML from path over the defaults, then applies any
// UCTCORE_* environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = runtime.NumCPU()
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt(&cfg.PlayoutLimit, "UCTCORE_PLAYOUT_LIMIT")
	envInt(&cfg.TimeLimitMs, "UCTCORE_TIME_LIMIT_MS")
	envInt(&cfg.NumThreads, "UCTCORE_NUM_THREADS")
	envFloat(&cfg.CPuct, "UCTCORE_C_PUCT")
	envFloat(&cfg.SoftmaxTemperature, "UCTCORE_SOFTMAX_TEMPERATURE")
	envInt(&cfg.VirtualLoss, "UCTCORE_VIRTUAL_LOSS")
	envInt64(&cfg.MaxTreeNodes, "UCTCORE_MAX_TREE_NODES")
	envInt64(&cfg.SelfCheckProbability, "UCTCORE_SELF_CHECK_PROBABILITY")
	envBool(&cfg.Quiet, "UCTCORE_QUIET")
	envBool(&cfg.Analyze, "UCTCORE_ANALYZE")
	envString(&cfg.WeightsPath, "UCTCORE_WEIGHTS_PATH")
	envString(&cfg.AcceleratorBackend, "UCTCORE_ACCELERATOR_BACKEND")
	envBool(&cfg.MetricsEnabled, "UCTCORE_METRICS_ENABLED")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
