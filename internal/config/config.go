package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the default prefix for environment overrides.
const EnvPrefix = "KVQ_"

type CacheStrategy int

const (
	// CacheFloat stores keys and values as float32.
	CacheFloat CacheStrategy = iota
	// CacheInt4 stores each appended row as a symmetric 4-bit tensor.
	CacheInt4
)

func (s CacheStrategy) String() string {
	switch s {
	case CacheFloat:
		return "float32"
	case CacheInt4:
		return "int4"
	default:
		return fmt.Sprintf("CacheStrategy(%d)", int(s))
	}
}

type Config struct {
	// HiddenDim is the fixed width of every key, value and query vector.
	HiddenDim int
	// Capacity is the maximum step count. 0 means unbounded.
	Capacity int

	Strategy CacheStrategy
	// ScaleScores divides attention scores by sqrt(HiddenDim).
	ScaleScores bool
	// QuantizeWeights stores projection weights as int4 and dequantizes on load.
	QuantizeWeights bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	FlightAddr  string
}

func (c *Config) Validate() error {
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Capacity < 0 {
		return fmt.Errorf("invalid capacity: %d (must be non-negative)", c.Capacity)
	}
	if c.Strategy != CacheFloat && c.Strategy != CacheInt4 {
		return fmt.Errorf("invalid cache strategy: %d", int(c.Strategy))
	}
	return nil
}

// Bounded reports whether a capacity limit is configured.
func (c *Config) Bounded() bool {
	return c.Capacity > 0
}

// Default matches the OPT-125m attention width.
func Default() Config {
	return Config{
		HiddenDim:   768,
		Capacity:    2048,
		Strategy:    CacheFloat,
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}

// LoadFromEnv overrides fields from prefixed environment variables.
// Unparseable values are reported, not ignored.
func (c *Config) LoadFromEnv(prefix string) error {
	var err error
	if c.HiddenDim, err = envInt(prefix+"HIDDEN_DIM", c.HiddenDim); err != nil {
		return err
	}
	if c.Capacity, err = envInt(prefix+"CAPACITY", c.Capacity); err != nil {
		return err
	}
	quantizeCache, err := envBool(prefix+"QUANTIZE_CACHE", c.Strategy == CacheInt4)
	if err != nil {
		return err
	}
	if quantizeCache {
		c.Strategy = CacheInt4
	} else {
		c.Strategy = CacheFloat
	}
	if c.ScaleScores, err = envBool(prefix+"SCALE_SCORES", c.ScaleScores); err != nil {
		return err
	}
	if c.QuantizeWeights, err = envBool(prefix+"QUANTIZE_WEIGHTS", c.QuantizeWeights); err != nil {
		return err
	}
	c.LogLevel = envString(prefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString(prefix+"LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = envString(prefix+"METRICS_ADDR", c.MetricsAddr)
	c.FlightAddr = envString(prefix+"FLIGHT_ADDR", c.FlightAddr)
	return nil
}

func envString(name, fallback string) string {
	if raw, ok := os.LookupEnv(name); ok {
		return strings.TrimSpace(raw)
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return v, nil
}

func envBool(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	return v, nil
}
