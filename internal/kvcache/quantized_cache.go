package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/quant"
	"github.com/23skdu/longbow-kvcache/internal/tensor"
)

// QuantizedCache stores every appended row as symmetric int4 codes with its
// own scale. Snapshot dequantizes, so readers see float32 rows whose error
// per element is at most half the row scale.
type QuantizedCache struct {
	hiddenDim int
	capacity  int
	steps     int
	rowBytes  int

	keyCodes    []byte
	valueCodes  []byte
	keyScales   []float32
	valueScales []float32

	// scratch rows keep Append all-or-nothing
	kRow []byte
	vRow []byte
}

func NewQuantizedCache(hiddenDim, capacity int) (*QuantizedCache, error) {
	if hiddenDim <= 0 {
		return nil, fmt.Errorf("%w: hidden_dim %d", ErrInvalidInput, hiddenDim)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidInput, capacity)
	}
	rowBytes := quant.PackedLen(hiddenDim)
	c := &QuantizedCache{
		hiddenDim: hiddenDim,
		capacity:  capacity,
		rowBytes:  rowBytes,
		kRow:      make([]byte, rowBytes),
		vRow:      make([]byte, rowBytes),
	}
	if capacity > 0 {
		c.keyCodes = make([]byte, 0, capacity*rowBytes)
		c.valueCodes = make([]byte, 0, capacity*rowBytes)
		c.keyScales = make([]float32, 0, capacity)
		c.valueScales = make([]float32, 0, capacity)
	}

	metrics.RecordKVCacheStats(int64(capacity)*StepBytes(config.CacheInt4, hiddenDim), 0)
	logger.Log.Debug("KV cache created", "strategy", config.CacheInt4.String(), "hidden_dim", hiddenDim, "capacity", capacity, "row_bytes", rowBytes)
	return c, nil
}

// Append quantizes key and value and adds them as one row. Non-finite input
// is rejected with ErrInvalidInput. On error the cache is unchanged.
func (c *QuantizedCache) Append(key, value []float32) error {
	if err := checkRow(c.hiddenDim, key, value); err != nil {
		metrics.RecordKVCacheRejected(config.CacheInt4.String(), "shape")
		return err
	}
	if c.capacity > 0 && c.steps == c.capacity {
		metrics.RecordKVCacheRejected(config.CacheInt4.String(), "capacity")
		logger.Log.Warn("KV cache full, rejecting append", "steps", c.steps, "capacity", c.capacity)
		return fmt.Errorf("%w: %d steps", ErrCapacityExceeded, c.capacity)
	}

	kScale, err := quant.QuantizeInto(c.kRow, key)
	if err != nil {
		metrics.RecordKVCacheRejected(config.CacheInt4.String(), "encode")
		return fmt.Errorf("quantize key: %w", err)
	}
	vScale, err := quant.QuantizeInto(c.vRow, value)
	if err != nil {
		metrics.RecordKVCacheRejected(config.CacheInt4.String(), "encode")
		return fmt.Errorf("quantize value: %w", err)
	}

	c.keyCodes = append(c.keyCodes, c.kRow...)
	c.valueCodes = append(c.valueCodes, c.vRow...)
	c.keyScales = append(c.keyScales, kScale)
	c.valueScales = append(c.valueScales, vScale)
	c.steps++

	metrics.RecordKVCacheAppend(config.CacheInt4.String(), c.FootprintBytes())
	return nil
}

// Snapshot dequantizes all rows into freshly allocated buffers.
func (c *QuantizedCache) Snapshot() View {
	n := c.steps * c.hiddenDim
	v := View{
		Keys:      make([]float32, n),
		Values:    make([]float32, n),
		Steps:     c.steps,
		HiddenDim: c.hiddenDim,
	}
	for j := 0; j < c.steps; j++ {
		codes := c.keyCodes[j*c.rowBytes : (j+1)*c.rowBytes]
		// Row lengths are fixed at construction, so decode cannot fail.
		_ = quant.DequantizeInto(v.Key(j), codes, c.keyScales[j])
		codes = c.valueCodes[j*c.rowBytes : (j+1)*c.rowBytes]
		_ = quant.DequantizeInto(v.Value(j), codes, c.valueScales[j])
	}
	metrics.RecordSnapshot()
	return v
}

// Row returns the stored int4 form of key and value at step j.
func (c *QuantizedCache) Row(j int) (key, value *quant.QuantizedTensor, err error) {
	if j < 0 || j >= c.steps {
		return nil, nil, fmt.Errorf("%w: step %d of %d", tensor.ErrOutOfRange, j, c.steps)
	}
	lo, hi := j*c.rowBytes, (j+1)*c.rowBytes
	key = &quant.QuantizedTensor{
		Data:  append([]byte(nil), c.keyCodes[lo:hi]...),
		Scale: c.keyScales[j],
		Count: c.hiddenDim,
	}
	value = &quant.QuantizedTensor{
		Data:  append([]byte(nil), c.valueCodes[lo:hi]...),
		Scale: c.valueScales[j],
		Count: c.hiddenDim,
	}
	return key, value, nil
}

func (c *QuantizedCache) Steps() int     { return c.steps }
func (c *QuantizedCache) HiddenDim() int { return c.hiddenDim }
func (c *QuantizedCache) Capacity() int  { return c.capacity }

func (c *QuantizedCache) Strategy() config.CacheStrategy { return config.CacheInt4 }

// FootprintBytes is 2 * steps * (ceil(hiddenDim/2) + 4): packed codes plus
// one float32 scale per row.
func (c *QuantizedCache) FootprintBytes() int64 {
	return int64(c.steps) * StepBytes(config.CacheInt4, c.hiddenDim)
}
