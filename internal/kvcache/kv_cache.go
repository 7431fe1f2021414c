package kvcache

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/quant"
	"github.com/23skdu/longbow-kvcache/internal/tensor"
)

var (
	// ErrCapacityExceeded is returned by Append when the cache already holds
	// Capacity steps. The cache is left unchanged.
	ErrCapacityExceeded = errors.New("kv cache capacity exceeded")
	ErrInvalidInput     = tensor.ErrInvalidInput
)

// View is a read-only picture of the cache at the time Snapshot was called.
// Keys and Values are row-major (Steps, HiddenDim). Callers must not mutate them.
type View struct {
	Keys      []float32
	Values    []float32
	Steps     int
	HiddenDim int
}

// Key returns row j of the key matrix.
func (v View) Key(j int) []float32 {
	return v.Keys[j*v.HiddenDim : (j+1)*v.HiddenDim]
}

// Value returns row j of the value matrix.
func (v View) Value(j int) []float32 {
	return v.Values[j*v.HiddenDim : (j+1)*v.HiddenDim]
}

// Tensors copies the view into two (Steps, HiddenDim) tensors.
func (v View) Tensors() (keys, values *tensor.Tensor, err error) {
	if v.Steps == 0 {
		return nil, nil, fmt.Errorf("%w: empty view", ErrInvalidInput)
	}
	keys, err = tensor.FromSlice(v.Keys, v.Steps, v.HiddenDim)
	if err != nil {
		return nil, nil, err
	}
	values, err = tensor.FromSlice(v.Values, v.Steps, v.HiddenDim)
	if err != nil {
		return nil, nil, err
	}
	return keys.WithName("keys"), values.WithName("values"), nil
}

// Reader is the read side consumed by attention.
type Reader interface {
	Snapshot() View
	Steps() int
	HiddenDim() int
}

// KVCache is an append-only store of per-step key and value vectors for one
// sequence. Implementations are not safe for concurrent use.
type KVCache interface {
	Reader
	Append(key, value []float32) error
	Capacity() int
	FootprintBytes() int64
	Strategy() config.CacheStrategy
}

// New builds the cache selected by cfg.Strategy.
func New(cfg config.Config) (KVCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch cfg.Strategy {
	case config.CacheInt4:
		return NewQuantizedCache(cfg.HiddenDim, cfg.Capacity)
	default:
		return NewTensorKVCache(cfg.HiddenDim, cfg.Capacity)
	}
}

// FootprintMB reports FootprintBytes in mebibytes.
func FootprintMB(c KVCache) float64 {
	return float64(c.FootprintBytes()) / (1024 * 1024)
}

// StepBytes is the storage one appended step costs under strategy: a key and
// a value row, each either hiddenDim float32s or packed int4 codes plus a
// float32 scale.
func StepBytes(strategy config.CacheStrategy, hiddenDim int) int64 {
	if strategy == config.CacheInt4 {
		return 2 * (int64(quant.PackedLen(hiddenDim)) + tensor.ElementSize)
	}
	return 2 * int64(hiddenDim) * tensor.ElementSize
}

// Stats is a point-in-time summary used by health reporting.
type Stats struct {
	Strategy       string  `json:"strategy"`
	Steps          int     `json:"steps"`
	HiddenDim      int     `json:"hidden_dim"`
	Capacity       int     `json:"capacity"`
	CapacityBytes  int64   `json:"capacity_bytes"`
	FootprintBytes int64   `json:"footprint_bytes"`
	Usage          float64 `json:"capacity_usage"`
}

func Describe(c KVCache) Stats {
	s := Stats{
		Strategy:       c.Strategy().String(),
		Steps:          c.Steps(),
		HiddenDim:      c.HiddenDim(),
		Capacity:       c.Capacity(),
		CapacityBytes:  int64(c.Capacity()) * StepBytes(c.Strategy(), c.HiddenDim()),
		FootprintBytes: c.FootprintBytes(),
	}
	if s.Capacity > 0 {
		s.Usage = float64(s.Steps) / float64(s.Capacity)
	}
	return s
}

// Replay appends every row of v to c in order. It stops at the first failed
// append and returns the number of rows written.
func Replay(c KVCache, v View) (int, error) {
	if v.HiddenDim != c.HiddenDim() {
		return 0, fmt.Errorf("%w: view hidden_dim %d, cache hidden_dim %d", ErrInvalidInput, v.HiddenDim, c.HiddenDim())
	}
	if len(v.Keys) != v.Steps*v.HiddenDim || len(v.Values) != v.Steps*v.HiddenDim {
		return 0, fmt.Errorf("%w: view holds %d/%d values for %d steps", ErrInvalidInput, len(v.Keys), len(v.Values), v.Steps)
	}
	for j := 0; j < v.Steps; j++ {
		if err := c.Append(v.Key(j), v.Value(j)); err != nil {
			return j, err
		}
	}
	return v.Steps, nil
}

func checkRow(hiddenDim int, key, value []float32) error {
	if len(key) != hiddenDim || len(value) != hiddenDim {
		return fmt.Errorf("%w: key/value lengths %d/%d, hidden_dim %d", ErrInvalidInput, len(key), len(value), hiddenDim)
	}
	return nil
}
