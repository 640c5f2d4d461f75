// Package compression provides the compression providers applied to message
// bodies before encryption on publish and after decryption on consume.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// ErrEmptyInput is returned when there is nothing to compress or decompress.
var ErrEmptyInput = errors.New("compression: empty input")

// Provider compresses and decompresses byte slices. Type is recorded in the
// message metadata and headers.
type Provider interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() string
}

// Gzip compresses with klauspost's gzip implementation.
type Gzip struct {
	Level int
}

// NewGzip returns a gzip provider using the default compression level.
func NewGzip() *Gzip {
	return &Gzip{Level: gzip.DefaultCompression}
}

func (g *Gzip) Type() string { return "GZIP" }

func (g *Gzip) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.Level)
	if err != nil {
		return nil, fmt.Errorf("compression: gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compression: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Gzip) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compression: gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compression: gzip read: %w", err)
	}
	return out, nil
}

// Zstd compresses with zstandard. The encoder and decoder are created lazily
// and shared; both are safe for concurrent EncodeAll/DecodeAll calls.
type Zstd struct {
	once    sync.Once
	initErr error
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a zstandard provider.
func NewZstd() *Zstd {
	return &Zstd{}
}

func (z *Zstd) Type() string { return "ZSTD" }

func (z *Zstd) init() error {
	z.once.Do(func() {
		z.encoder, z.initErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if z.initErr != nil {
			return
		}
		z.decoder, z.initErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return z.initErr
}

func (z *Zstd) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("compression: zstd init: %w", err)
	}
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	if err := z.init(); err != nil {
		return nil, fmt.Errorf("compression: zstd init: %w", err)
	}
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("compression: zstd decode: %w", err)
	}
	return out, nil
}

// Close releases the zstd decoder goroutines.
func (z *Zstd) Close() error {
	if z.decoder != nil {
		z.decoder.Close()
	}
	if z.encoder != nil {
		return z.encoder.Close()
	}
	return nil
}

// S2 compresses with the Snappy-compatible s2 block format.
type S2 struct{}

// NewS2 returns an s2 provider.
func NewS2() S2 {
	return S2{}
}

func (S2) Type() string { return "S2" }

func (S2) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	return s2.Encode(nil, data), nil
}

func (S2) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("compression: s2 decode: %w", err)
	}
	return out, nil
}

// ByType returns a new provider for a type tag, as found in message headers.
func ByType(typ string) (Provider, error) {
	switch typ {
	case "GZIP":
		return NewGzip(), nil
	case "ZSTD":
		return NewZstd(), nil
	case "S2":
		return NewS2(), nil
	default:
		return nil, fmt.Errorf("compression: unknown type %q", typ)
	}
}
