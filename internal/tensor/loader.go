package tensor

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/23skdu/longbow-kvcache/internal/logger"
)

// MaxHeaderLen bounds the search for the header terminator. NumPy headers
// never exceed this.
const MaxHeaderLen = 1 << 16

// RawFile is a tensor file decoded as opaque header plus float payload.
type RawFile struct {
	Header []byte
	Data   []float32
}

// LoadRaw reads a tensor file whose header runs up to and including the first
// line feed, followed by little-endian float32 values. The header is not
// interpreted. If expected is positive the element count must match it.
func LoadRaw(path string, expected int) (*RawFile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rf, err := DecodeRaw(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if expected > 0 && len(rf.Data) != expected {
		return nil, fmt.Errorf("%w: %s holds %d floats, want %d", ErrInvalidInput, path, len(rf.Data), expected)
	}
	logger.Log.Debug("Loaded raw tensor", "path", path, "header_len", len(rf.Header), "elements", len(rf.Data))
	return rf, nil
}

// DecodeRaw splits an in-memory tensor file into header and payload.
func DecodeRaw(buf []byte) (*RawFile, error) {
	limit := len(buf)
	if limit > MaxHeaderLen {
		limit = MaxHeaderLen
	}
	idx := bytes.IndexByte(buf[:limit], '\n')
	if idx < 0 {
		return nil, fmt.Errorf("%w: no header terminator in first %d bytes", ErrInvalidInput, limit)
	}
	headerLen := idx + 1
	payload := buf[headerLen:]
	n := len(payload) / ElementSize
	if rem := len(payload) % ElementSize; rem != 0 {
		logger.Log.Warn("Ignoring trailing bytes after float payload", "trailing", rem)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*ElementSize:]))
	}
	return &RawFile{
		Header: append([]byte(nil), buf[:headerLen]...),
		Data:   data,
	}, nil
}

// Tensor wraps the payload in a tensor of the given shape.
func (rf *RawFile) Tensor(shape ...int) (*Tensor, error) {
	return FromSlice(rf.Data, shape...)
}

// WriteRaw writes header, a line feed and the little-endian payload.
// The header must not itself contain a line feed.
func WriteRaw(w io.Writer, header string, data []float32) error {
	if bytes.IndexByte([]byte(header), '\n') >= 0 {
		return fmt.Errorf("%w: header contains a line feed", ErrInvalidInput)
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(header + "\n"); err != nil {
		return err
	}
	var b [ElementSize]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveRaw writes a tensor file to path.
func SaveRaw(path, header string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteRaw(f, header, data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
