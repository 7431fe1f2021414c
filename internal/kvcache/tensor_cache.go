package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/simd"
)

// TensorKVCache stores keys and values as contiguous float32 rows.
type TensorKVCache struct {
	hiddenDim int
	capacity  int
	steps     int

	keys   []float32
	values []float32
}

// NewTensorKVCache creates an empty float32 cache. capacity 0 means unbounded;
// otherwise storage for capacity steps is allocated up front.
func NewTensorKVCache(hiddenDim, capacity int) (*TensorKVCache, error) {
	if hiddenDim <= 0 {
		return nil, fmt.Errorf("%w: hidden_dim %d", ErrInvalidInput, hiddenDim)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidInput, capacity)
	}
	c := &TensorKVCache{hiddenDim: hiddenDim, capacity: capacity}
	if capacity > 0 {
		c.keys = make([]float32, 0, capacity*hiddenDim)
		c.values = make([]float32, 0, capacity*hiddenDim)
	}

	metrics.RecordKVCacheStats(int64(capacity)*StepBytes(config.CacheFloat, hiddenDim), 0)
	logger.Log.Debug("KV cache created", "strategy", config.CacheFloat.String(), "hidden_dim", hiddenDim, "capacity", capacity)
	return c, nil
}

// Append adds one key/value row. On error the cache is unchanged.
func (c *TensorKVCache) Append(key, value []float32) error {
	if err := checkRow(c.hiddenDim, key, value); err != nil {
		metrics.RecordKVCacheRejected(config.CacheFloat.String(), "shape")
		return err
	}
	if c.capacity > 0 && c.steps == c.capacity {
		metrics.RecordKVCacheRejected(config.CacheFloat.String(), "capacity")
		logger.Log.Warn("KV cache full, rejecting append", "steps", c.steps, "capacity", c.capacity)
		return fmt.Errorf("%w: %d steps", ErrCapacityExceeded, c.capacity)
	}
	if nan, inf := simd.CountNonFinite(key); nan+inf > 0 {
		metrics.RecordNumericalInstability("kv_key", nan, inf)
	}
	if nan, inf := simd.CountNonFinite(value); nan+inf > 0 {
		metrics.RecordNumericalInstability("kv_value", nan, inf)
	}

	c.keys = append(c.keys, key...)
	c.values = append(c.values, value...)
	c.steps++

	metrics.RecordKVCacheAppend(config.CacheFloat.String(), c.FootprintBytes())
	return nil
}

// Snapshot returns views over the current rows. Later appends never become
// visible through a view that was already returned.
func (c *TensorKVCache) Snapshot() View {
	n := c.steps * c.hiddenDim
	metrics.RecordSnapshot()
	return View{
		Keys:      c.keys[:n:n],
		Values:    c.values[:n:n],
		Steps:     c.steps,
		HiddenDim: c.hiddenDim,
	}
}

func (c *TensorKVCache) Steps() int     { return c.steps }
func (c *TensorKVCache) HiddenDim() int { return c.hiddenDim }
func (c *TensorKVCache) Capacity() int  { return c.capacity }

func (c *TensorKVCache) Strategy() config.CacheStrategy { return config.CacheFloat }

// FootprintBytes is 2 * steps * hiddenDim * 4.
func (c *TensorKVCache) FootprintBytes() int64 {
	return int64(c.steps) * StepBytes(config.CacheFloat, c.hiddenDim)
}
