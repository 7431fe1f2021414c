package sequence

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/quant"
	"github.com/23skdu/longbow-kvcache/internal/tensor"
)

// Projection file names inside a weights directory.
const (
	QueryFile = "q_proj.npy"
	KeyFile   = "k_proj.npy"
	ValueFile = "v_proj.npy"

	quantizedExt = ".kvq"
)

// Weights are the query, key and value projections of one attention layer,
// each a (hiddenDim, hiddenDim) row-major matrix applied as x·W.
type Weights struct {
	Q, K, V   *tensor.Tensor
	HiddenDim int
}

func NewWeights(q, k, v *tensor.Tensor) (*Weights, error) {
	if q == nil || k == nil || v == nil {
		return nil, fmt.Errorf("%w: missing projection", tensor.ErrInvalidInput)
	}
	shape := q.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		return nil, fmt.Errorf("%w: projection shape %v is not square", tensor.ErrInvalidInput, shape)
	}
	d := shape[0]
	for _, t := range []*tensor.Tensor{k, v} {
		s := t.Shape()
		if len(s) != 2 || s[0] != d || s[1] != d {
			return nil, fmt.Errorf("%w: projection shapes %v and %v differ", tensor.ErrInvalidInput, shape, s)
		}
	}
	return &Weights{Q: q, K: k, V: v, HiddenDim: d}, nil
}

// SyntheticWeights draws uniform weights in ±1/sqrt(hiddenDim) from a seeded
// source, for runs without exported model weights.
func SyntheticWeights(hiddenDim int, seed int64) (*Weights, error) {
	if hiddenDim <= 0 {
		return nil, fmt.Errorf("%w: hidden_dim %d", tensor.ErrInvalidInput, hiddenDim)
	}
	rng := rand.New(rand.NewSource(seed))
	limit := 1 / float32(math.Sqrt(float64(hiddenDim)))
	mk := func(name string) (*tensor.Tensor, error) {
		t, err := tensor.New(hiddenDim, hiddenDim)
		if err != nil {
			return nil, err
		}
		data := t.Data()
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * limit
		}
		return t.WithName(name), nil
	}
	q, err := mk("q_proj")
	if err != nil {
		return nil, err
	}
	k, err := mk("k_proj")
	if err != nil {
		return nil, err
	}
	v, err := mk("v_proj")
	if err != nil {
		return nil, err
	}
	return NewWeights(q, k, v)
}

// LoadWeights reads q_proj.npy, k_proj.npy and v_proj.npy from dir.
func LoadWeights(dir string, hiddenDim int) (*Weights, error) {
	load := func(name string) (*tensor.Tensor, error) {
		rf, err := tensor.LoadRaw(filepath.Join(dir, name), hiddenDim*hiddenDim)
		if err != nil {
			return nil, err
		}
		t, err := rf.Tensor(hiddenDim, hiddenDim)
		if err != nil {
			return nil, err
		}
		return t.WithName(name), nil
	}
	q, err := load(QueryFile)
	if err != nil {
		return nil, err
	}
	k, err := load(KeyFile)
	if err != nil {
		return nil, err
	}
	v, err := load(ValueFile)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Loaded projection weights", "dir", dir, "hidden_dim", hiddenDim)
	return NewWeights(q, k, v)
}

// QuantizedWeights hold the three projections as int4 tensors.
type QuantizedWeights struct {
	Q, K, V   *quant.QuantizedTensor
	HiddenDim int
}

// Quantize encodes each projection and audits its reconstruction.
func (w *Weights) Quantize() (*QuantizedWeights, error) {
	qw := &QuantizedWeights{HiddenDim: w.HiddenDim}
	for _, p := range []struct {
		src *tensor.Tensor
		dst **quant.QuantizedTensor
	}{{w.Q, &qw.Q}, {w.K, &qw.K}, {w.V, &qw.V}} {
		q, err := quant.Quantize(p.src)
		if err != nil {
			return nil, fmt.Errorf("quantize %s: %w", p.src.Name(), err)
		}
		res, err := quant.Audit(p.src.Data(), q)
		if err != nil {
			return nil, err
		}
		logger.Log.Debug("Quantized projection", "name", p.src.Name(), "scale", q.Scale,
			"ratio", q.CompressionRatio(), "max_abs_err", res.MaxAbsError)
		*p.dst = q
	}
	return qw, nil
}

// Dequantize reconstructs float32 projections.
func (qw *QuantizedWeights) Dequantize() (*Weights, error) {
	n := qw.HiddenDim * qw.HiddenDim
	out := make([]*tensor.Tensor, 0, 3)
	for _, q := range []*quant.QuantizedTensor{qw.Q, qw.K, qw.V} {
		flat, err := quant.Dequantize(q, n)
		if err != nil {
			return nil, err
		}
		t, err := flat.Reshape(qw.HiddenDim, qw.HiddenDim)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return NewWeights(out[0].WithName("q_proj"), out[1].WithName("k_proj"), out[2].WithName("v_proj"))
}

// ByteSize is the packed footprint of all three projections.
func (qw *QuantizedWeights) ByteSize() int64 {
	return qw.Q.ByteSize() + qw.K.ByteSize() + qw.V.ByteSize()
}

// Save writes q_proj.kvq, k_proj.kvq and v_proj.kvq to dir.
func (qw *QuantizedWeights) Save(dir string) error {
	for name, q := range map[string]*quant.QuantizedTensor{QueryFile: qw.Q, KeyFile: qw.K, ValueFile: qw.V} {
		if err := quant.Save(quantizedPath(dir, name), q); err != nil {
			return err
		}
	}
	return nil
}

// LoadQuantizedWeights reads projections written by Save.
func LoadQuantizedWeights(dir string, hiddenDim int) (*QuantizedWeights, error) {
	qw := &QuantizedWeights{HiddenDim: hiddenDim}
	for _, p := range []struct {
		name string
		dst  **quant.QuantizedTensor
	}{{QueryFile, &qw.Q}, {KeyFile, &qw.K}, {ValueFile, &qw.V}} {
		q, err := quant.Load(quantizedPath(dir, p.name))
		if err != nil {
			return nil, err
		}
		if q.Count != hiddenDim*hiddenDim {
			return nil, fmt.Errorf("%w: %s holds %d codes, want %d", tensor.ErrInvalidInput, p.name, q.Count, hiddenDim*hiddenDim)
		}
		*p.dst = q
	}
	return qw, nil
}

func quantizedPath(dir, name string) string {
	return filepath.Join(dir, name[:len(name)-len(filepath.Ext(name))]+quantizedExt)
}
