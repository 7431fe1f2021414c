package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// Binary envelope layout (little-endian):
//
//	magic    [4]byte "KVQ4"
//	version  uint16
//	reserved uint16
//	count    uint64
//	scale    float32 bits
//	checksum uint64  xxhash64 of count, scale and payload
//	payload  [ceil(count/2)]byte
const (
	envelopeVersion   = 1
	envelopeHeaderLen = 4 + 2 + 2 + 8 + 4 + 8
)

var envelopeMagic = [4]byte{'K', 'V', 'Q', '4'}

// ErrChecksumMismatch reports a payload whose checksum does not match its header.
var ErrChecksumMismatch = errors.New("quantized payload checksum mismatch")

// Checksum hashes the logical content: count, scale bits and packed codes.
func (q *QuantizedTensor) Checksum() uint64 {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(q.Count))
	binary.LittleEndian.PutUint32(hdr[8:12], math.Float32bits(q.Scale))

	h := xxhash.New()
	_, _ = h.Write(hdr[:])
	_, _ = h.Write(q.Data)
	return h.Sum64()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (q *QuantizedTensor) MarshalBinary() ([]byte, error) {
	if q.Count <= 0 || len(q.Data) != PackedLen(q.Count) {
		return nil, fmt.Errorf("%w: count %d with %d packed bytes", ErrInvalidInput, q.Count, len(q.Data))
	}
	buf := make([]byte, envelopeHeaderLen+len(q.Data))
	copy(buf[0:4], envelopeMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], envelopeVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(q.Count))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(q.Scale))
	binary.LittleEndian.PutUint64(buf[20:28], q.Checksum())
	copy(buf[envelopeHeaderLen:], q.Data)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (q *QuantizedTensor) UnmarshalBinary(buf []byte) error {
	if len(buf) < envelopeHeaderLen {
		return fmt.Errorf("%w: envelope of %d bytes is shorter than its header", ErrInvalidInput, len(buf))
	}
	if [4]byte(buf[0:4]) != envelopeMagic {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidInput, buf[0:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != envelopeVersion {
		return fmt.Errorf("%w: unsupported envelope version %d", ErrInvalidInput, v)
	}
	count := binary.LittleEndian.Uint64(buf[8:16])
	payload := buf[envelopeHeaderLen:]
	if count == 0 || count > uint64(2*len(payload)) || uint64(len(payload)) != (count+1)/2 {
		return fmt.Errorf("%w: count %d does not match %d payload bytes", ErrInvalidInput, count, len(payload))
	}

	decoded := QuantizedTensor{
		Data:  append([]byte(nil), payload...),
		Scale: math.Float32frombits(binary.LittleEndian.Uint32(buf[16:20])),
		Count: int(count),
	}
	want := binary.LittleEndian.Uint64(buf[20:28])
	if got := decoded.Checksum(); got != want {
		metrics.RecordChecksumMismatch()
		logger.Log.Warn("Rejected quantized payload", "count", count, "want", want, "got", got)
		return fmt.Errorf("%w: want %016x, got %016x", ErrChecksumMismatch, want, got)
	}
	*q = decoded
	return nil
}

// Save writes q to path in the envelope format.
func Save(path string, q *QuantizedTensor) error {
	buf, err := q.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// Load reads an envelope written by Save.
func Load(path string) (*QuantizedTensor, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	q := &QuantizedTensor{}
	if err := q.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return q, nil
}
