package kvcache

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-kvcache/internal/config"
)

func newCaches(t *testing.T, hiddenDim, capacity int) map[string]KVCache {
	t.Helper()
	f, err := NewTensorKVCache(hiddenDim, capacity)
	if err != nil {
		t.Fatalf("NewTensorKVCache: %v", err)
	}
	q, err := NewQuantizedCache(hiddenDim, capacity)
	if err != nil {
		t.Fatalf("NewQuantizedCache: %v", err)
	}
	return map[string]KVCache{"float32": f, "int4": q}
}

func randomRow(rng *rand.Rand, n int) []float32 {
	row := make([]float32, n)
	for i := range row {
		row[i] = rng.Float32()*2 - 1
	}
	return row
}

func TestKVCacheAppend(t *testing.T) {
	const hiddenDim = 8
	for name, c := range newCaches(t, hiddenDim, 0) {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			for n := 1; n <= 5; n++ {
				if err := c.Append(randomRow(rng, hiddenDim), randomRow(rng, hiddenDim)); err != nil {
					t.Fatalf("Append %d: %v", n, err)
				}
				if c.Steps() != n {
					t.Errorf("expected %d steps, got %d", n, c.Steps())
				}
				v := c.Snapshot()
				if len(v.Keys) != n*hiddenDim || len(v.Values) != n*hiddenDim {
					t.Errorf("view holds %d/%d values, want %d", len(v.Keys), len(v.Values), n*hiddenDim)
				}
			}
		})
	}
}

func TestTensorKVCacheFootprint(t *testing.T) {
	c, err := NewTensorKVCache(768, 0)
	if err != nil {
		t.Fatalf("NewTensorKVCache: %v", err)
	}
	row := make([]float32, 768)
	for n := 1; n <= 10; n++ {
		if err := c.Append(row, row); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if want := int64(2 * n * 768 * 4); c.FootprintBytes() != want {
			t.Errorf("after %d appends: expected %d bytes, got %d", n, want, c.FootprintBytes())
		}
	}
	if mb := FootprintMB(c); math.Abs(mb-61440.0/(1024*1024)) > 1e-12 {
		t.Errorf("unexpected footprint MB %v", mb)
	}
}

func TestQuantizedCacheFootprint(t *testing.T) {
	c, err := NewQuantizedCache(7, 0)
	if err != nil {
		t.Fatalf("NewQuantizedCache: %v", err)
	}
	row := []float32{1, 2, 3, 4, 5, 6, 7}
	for i := 0; i < 3; i++ {
		if err := c.Append(row, row); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// ceil(7/2)=4 code bytes plus a 4-byte scale, for keys and values.
	if want := int64(3 * 2 * (4 + 4)); c.FootprintBytes() != want {
		t.Errorf("expected %d bytes, got %d", want, c.FootprintBytes())
	}
}

func TestKVCacheCapacityExceeded(t *testing.T) {
	const hiddenDim = 4
	for name, c := range newCaches(t, hiddenDim, 2) {
		t.Run(name, func(t *testing.T) {
			row := []float32{1, 2, 3, 4}
			for i := 0; i < 2; i++ {
				if err := c.Append(row, row); err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
			}
			before := c.Snapshot()
			footprint := c.FootprintBytes()
			for i := 0; i < 3; i++ {
				if err := c.Append(row, row); !errors.Is(err, ErrCapacityExceeded) {
					t.Fatalf("expected ErrCapacityExceeded, got %v", err)
				}
			}
			if c.Steps() != 2 {
				t.Errorf("expected steps to stay 2, got %d", c.Steps())
			}
			if c.FootprintBytes() != footprint {
				t.Errorf("footprint changed on rejected append")
			}
			after := c.Snapshot()
			for i := range before.Keys {
				if before.Keys[i] != after.Keys[i] {
					t.Fatalf("keys changed on rejected append at %d", i)
				}
			}
		})
	}
}

func TestKVCacheShapeMismatch(t *testing.T) {
	for name, c := range newCaches(t, 4, 0) {
		t.Run(name, func(t *testing.T) {
			tests := []struct {
				key, value []float32
			}{
				{[]float32{1, 2, 3}, []float32{1, 2, 3, 4}},
				{[]float32{1, 2, 3, 4}, []float32{1, 2, 3, 4, 5}},
				{nil, nil},
			}
			for _, tt := range tests {
				if err := c.Append(tt.key, tt.value); !errors.Is(err, ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput for lengths %d/%d, got %v", len(tt.key), len(tt.value), err)
				}
			}
			if c.Steps() != 0 {
				t.Errorf("expected 0 steps, got %d", c.Steps())
			}
		})
	}
}

func TestQuantizedCacheRejectsNonFinite(t *testing.T) {
	c, err := NewQuantizedCache(2, 0)
	if err != nil {
		t.Fatalf("NewQuantizedCache: %v", err)
	}
	nan := float32(math.NaN())
	if err := c.Append([]float32{1, 2}, []float32{nan, 1}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if c.Steps() != 0 || c.FootprintBytes() != 0 {
		t.Errorf("failed append changed state: steps=%d", c.Steps())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, c := range newCaches(t, 2, 4) {
		t.Run(name, func(t *testing.T) {
			if err := c.Append([]float32{1, 1}, []float32{2, 2}); err != nil {
				t.Fatalf("Append: %v", err)
			}
			v := c.Snapshot()
			if err := c.Append([]float32{3, 3}, []float32{4, 4}); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if v.Steps != 1 || len(v.Keys) != 2 {
				t.Errorf("earlier view changed: steps=%d len=%d", v.Steps, len(v.Keys))
			}
			if cap(v.Keys) != len(v.Keys) && name == "float32" {
				t.Errorf("view capacity %d exceeds length %d", cap(v.Keys), len(v.Keys))
			}
		})
	}
}

func TestQuantizedCacheAccuracy(t *testing.T) {
	const hiddenDim = 64
	c, err := NewQuantizedCache(hiddenDim, 16)
	if err != nil {
		t.Fatalf("NewQuantizedCache: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	var keys [][]float32
	for i := 0; i < 16; i++ {
		k := randomRow(rng, hiddenDim)
		keys = append(keys, k)
		if err := c.Append(k, randomRow(rng, hiddenDim)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	v := c.Snapshot()
	for j, k := range keys {
		kq, _, err := c.Row(j)
		if err != nil {
			t.Fatalf("Row: %v", err)
		}
		bound := kq.ErrorBound() + 1e-6
		for i, x := range k {
			if d := float32(math.Abs(float64(x - v.Key(j)[i]))); d > bound {
				t.Errorf("step %d index %d: error %v exceeds %v", j, i, d, bound)
			}
		}
	}
	if _, _, err := c.Row(16); err == nil {
		t.Error("expected error for row past the end")
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.HiddenDim = 16
	cfg.Capacity = 8

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.(*TensorKVCache); !ok {
		t.Errorf("expected *TensorKVCache, got %T", c)
	}

	cfg.Strategy = config.CacheInt4
	c, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.(*QuantizedCache); !ok {
		t.Errorf("expected *QuantizedCache, got %T", c)
	}
	if c.Capacity() != 8 || c.HiddenDim() != 16 {
		t.Errorf("unexpected dims: capacity=%d hidden=%d", c.Capacity(), c.HiddenDim())
	}

	cfg.HiddenDim = 0
	if _, err := New(cfg); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	c, err := NewTensorKVCache(4, 4)
	if err != nil {
		t.Fatalf("NewTensorKVCache: %v", err)
	}
	row := []float32{1, 2, 3, 4}
	_ = c.Append(row, row)
	s := Describe(c)
	if s.Steps != 1 || s.Usage != 0.25 || s.Strategy != "float32" || s.FootprintBytes != 32 || s.CapacityBytes != 128 {
		t.Errorf("unexpected stats %+v", s)
	}

	q, _ := NewQuantizedCache(7, 3)
	if s := Describe(q); s.CapacityBytes != 3*StepBytes(config.CacheInt4, 7) || s.CapacityBytes != 48 {
		t.Errorf("unexpected int4 capacity bytes %d", s.CapacityBytes)
	}
}

func TestReplay(t *testing.T) {
	src, _ := NewTensorKVCache(3, 0)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 4; i++ {
		_ = src.Append(randomRow(rng, 3), randomRow(rng, 3))
	}

	dst, _ := NewTensorKVCache(3, 0)
	n, err := Replay(dst, src.Snapshot())
	if err != nil || n != 4 {
		t.Fatalf("Replay: n=%d err=%v", n, err)
	}
	a, b := src.Snapshot(), dst.Snapshot()
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			t.Fatalf("value %d differs after replay", i)
		}
	}

	small, _ := NewTensorKVCache(3, 2)
	if n, err := Replay(small, src.Snapshot()); !errors.Is(err, ErrCapacityExceeded) || n != 2 {
		t.Errorf("expected 2 rows then ErrCapacityExceeded, got n=%d err=%v", n, err)
	}
	wide, _ := NewTensorKVCache(5, 0)
	if _, err := Replay(wide, src.Snapshot()); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestViewTensors(t *testing.T) {
	c, _ := NewTensorKVCache(2, 0)
	_ = c.Append([]float32{1, 2}, []float32{3, 4})
	_ = c.Append([]float32{5, 6}, []float32{7, 8})
	k, v, err := c.Snapshot().Tensors()
	if err != nil {
		t.Fatalf("Tensors: %v", err)
	}
	row, _ := k.Row(1)
	if row[0] != 5 {
		t.Errorf("expected 5, got %v", row[0])
	}
	if v.Shape()[0] != 2 {
		t.Errorf("expected 2 rows, got %v", v.Shape())
	}
	empty, _ := NewTensorKVCache(2, 0)
	if _, _, err := empty.Snapshot().Tensors(); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := NewTensorKVCache(0, 0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewQuantizedCache(4, -1); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func FuzzKVCacheAppend(f *testing.F) {
	f.Add(4, 2, 3)
	f.Add(1, 0, 10)
	f.Add(8, 1, 1)
	f.Add(3, 5, 0)

	f.Fuzz(func(t *testing.T, hiddenDim, capacity, appends int) {
		if hiddenDim <= 0 || hiddenDim > 64 || capacity < 0 || capacity > 64 || appends < 0 || appends > 128 {
			return
		}
		c, err := NewTensorKVCache(hiddenDim, capacity)
		if err != nil {
			t.Fatalf("NewTensorKVCache: %v", err)
		}
		row := make([]float32, hiddenDim)
		ok := 0
		for i := 0; i < appends; i++ {
			err := c.Append(row, row)
			if capacity > 0 && i >= capacity {
				if !errors.Is(err, ErrCapacityExceeded) {
					t.Fatalf("append %d beyond capacity %d: got %v", i, capacity, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			ok++
		}
		if c.Steps() != ok {
			t.Errorf("expected %d steps, got %d", ok, c.Steps())
		}
		if want := int64(2 * ok * hiddenDim * 4); c.FootprintBytes() != want {
			t.Errorf("expected footprint %d, got %d", want, c.FootprintBytes())
		}
	})
}
