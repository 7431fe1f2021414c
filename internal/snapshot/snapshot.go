package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// Schema metadata keys.
const (
	MetaSequence  = "kvcache.sequence"
	MetaStrategy  = "kvcache.strategy"
	MetaHiddenDim = "kvcache.hidden_dim"
	MetaSteps     = "kvcache.steps"
	MetaChecksum  = "kvcache.checksum"
)

var (
	ErrMalformed = errors.New("malformed kv snapshot")
	ErrCorrupt   = errors.New("kv snapshot checksum mismatch")
)

// Snapshot is a cache view tagged with the sequence it belongs to. As an
// Arrow record it has one row per step: step int32, key and value as
// fixed-size lists of hidden_dim float32.
type Snapshot struct {
	Sequence string
	Strategy string
	kvcache.View
}

// Capture takes a snapshot of c.
func Capture(sequence string, c kvcache.KVCache) Snapshot {
	return Snapshot{
		Sequence: sequence,
		Strategy: c.Strategy().String(),
		View:     c.Snapshot(),
	}
}

// Restore replays the snapshot rows into an empty cache.
func (s Snapshot) Restore(c kvcache.KVCache) error {
	if c.Steps() != 0 {
		return fmt.Errorf("%w: restore into cache holding %d steps", kvcache.ErrInvalidInput, c.Steps())
	}
	_, err := kvcache.Replay(c, s.View)
	return err
}

// Checksum is xxhash64 over the little-endian keys then values.
func (s Snapshot) Checksum() uint64 {
	h := xxhash.New()
	hashFloats(h, s.Keys)
	hashFloats(h, s.Values)
	return h.Sum64()
}

func hashFloats(h *xxhash.Digest, x []float32) {
	var buf [256]byte
	for len(x) > 0 {
		n := len(x)
		if n > len(buf)/4 {
			n = len(buf) / 4
		}
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x[i]))
		}
		_, _ = h.Write(buf[:n*4])
		x = x[n:]
	}
}

// Schema returns the record schema for a snapshot of the given width.
func Schema(hiddenDim int, md *arrow.Metadata) *arrow.Schema {
	row := arrow.FixedSizeListOf(int32(hiddenDim), arrow.PrimitiveTypes.Float32)
	return arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "key", Type: row},
		{Name: "value", Type: row},
	}, md)
}

// Record builds an Arrow record. The caller must Release it.
func (s Snapshot) Record(mem memory.Allocator) (arrow.Record, error) {
	if s.HiddenDim <= 0 {
		return nil, fmt.Errorf("%w: hidden_dim %d", ErrMalformed, s.HiddenDim)
	}
	n := s.Steps * s.HiddenDim
	if len(s.Keys) != n || len(s.Values) != n {
		return nil, fmt.Errorf("%w: %d/%d values for %d steps", ErrMalformed, len(s.Keys), len(s.Values), s.Steps)
	}
	md := arrow.NewMetadata(
		[]string{MetaSequence, MetaStrategy, MetaHiddenDim, MetaSteps, MetaChecksum},
		[]string{s.Sequence, s.Strategy, strconv.Itoa(s.HiddenDim), strconv.Itoa(s.Steps), strconv.FormatUint(s.Checksum(), 16)},
	)

	b := array.NewRecordBuilder(mem, Schema(s.HiddenDim, &md))
	defer b.Release()

	steps := b.Field(0).(*array.Int32Builder)
	keys := b.Field(1).(*array.FixedSizeListBuilder)
	values := b.Field(2).(*array.FixedSizeListBuilder)
	keyVals := keys.ValueBuilder().(*array.Float32Builder)
	valueVals := values.ValueBuilder().(*array.Float32Builder)

	steps.Reserve(s.Steps)
	keyVals.Reserve(n)
	valueVals.Reserve(n)
	for j := 0; j < s.Steps; j++ {
		steps.Append(int32(j))
		keys.Append(true)
		keyVals.AppendValues(s.Key(j), nil)
		values.Append(true)
		valueVals.AppendValues(s.Value(j), nil)
	}
	return b.NewRecord(), nil
}

// FromRecord decodes a record produced by Record and verifies its checksum.
func FromRecord(rec arrow.Record) (Snapshot, error) {
	md := rec.Schema().Metadata()
	meta := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	if rec.NumCols() != 3 {
		return Snapshot{}, fmt.Errorf("%w: %d columns", ErrMalformed, rec.NumCols())
	}
	keys, ok := rec.Column(1).(*array.FixedSizeList)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: key column is %s", ErrMalformed, rec.Column(1).DataType())
	}
	values, ok := rec.Column(2).(*array.FixedSizeList)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: value column is %s", ErrMalformed, rec.Column(2).DataType())
	}
	hiddenDim := int(keys.DataType().(*arrow.FixedSizeListType).Len())
	if hiddenDim <= 0 {
		return Snapshot{}, fmt.Errorf("%w: hidden_dim %d", ErrMalformed, hiddenDim)
	}
	if d, err := strconv.Atoi(meta(MetaHiddenDim)); err == nil && d != hiddenDim {
		return Snapshot{}, fmt.Errorf("%w: metadata hidden_dim %d, column width %d", ErrMalformed, d, hiddenDim)
	}

	steps := int(rec.NumRows())
	s := Snapshot{
		Sequence: meta(MetaSequence),
		Strategy: meta(MetaStrategy),
		View: kvcache.View{
			Keys:      make([]float32, steps*hiddenDim),
			Values:    make([]float32, steps*hiddenDim),
			Steps:     steps,
			HiddenDim: hiddenDim,
		},
	}
	if err := copyRows(s.Keys, keys, hiddenDim); err != nil {
		return Snapshot{}, err
	}
	if err := copyRows(s.Values, values, hiddenDim); err != nil {
		return Snapshot{}, err
	}

	if want := meta(MetaChecksum); want != "" {
		if got := strconv.FormatUint(s.Checksum(), 16); got != want {
			metrics.RecordChecksumMismatch()
			return Snapshot{}, fmt.Errorf("%w: sequence %q want %s, got %s", ErrCorrupt, s.Sequence, want, got)
		}
	}
	return s, nil
}

func copyRows(dst []float32, col *array.FixedSizeList, hiddenDim int) error {
	vals, ok := col.ListValues().(*array.Float32)
	if !ok {
		return fmt.Errorf("%w: list values are %s", ErrMalformed, col.ListValues().DataType())
	}
	raw := vals.Float32Values()
	for j := 0; j < col.Len(); j++ {
		if col.IsNull(j) {
			return fmt.Errorf("%w: null row %d", ErrMalformed, j)
		}
		start, end := col.ValueOffsets(j)
		if int(end-start) != hiddenDim || int(end) > len(raw) {
			return fmt.Errorf("%w: row %d spans [%d,%d)", ErrMalformed, j, start, end)
		}
		copy(dst[j*hiddenDim:(j+1)*hiddenDim], raw[start:end])
	}
	return nil
}

// Encode writes s as an Arrow IPC stream.
func (s Snapshot) Encode(w io.Writer) error {
	mem := memory.NewGoAllocator()
	rec, err := s.Record(mem)
	if err != nil {
		return err
	}
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		_ = wr.Close()
		return fmt.Errorf("write snapshot record: %w", err)
	}
	return wr.Close()
}

// Decode reads the first record of an Arrow IPC stream written by Encode.
func Decode(r io.Reader) (Snapshot, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Snapshot{}, fmt.Errorf("%w: stream holds no record", ErrMalformed)
	}
	return FromRecord(rdr.Record())
}
