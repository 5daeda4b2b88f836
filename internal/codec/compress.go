package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a frame body is stored. The values are part of
// the wire format.
type Compression uint8

const (
	CompressionNone Compression = 0

	// CompressionLZ4 is used for incremental deltas, where latency matters
	// more than ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd is used for full snapshots, which are mostly text.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// minCompressSize is the body size below which compression is skipped.
const minCompressSize = 256

var errIncompressible = errors.New("incompressible")

// Shared across calls; safe for concurrent use.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
}

// compress returns the stored body and the tag actually used. Small or
// incompressible bodies are stored as-is.
func compress(body []byte, want Compression) ([]byte, Compression) {
	if want == CompressionNone || len(body) < minCompressSize {
		return body, CompressionNone
	}
	var (
		out []byte
		err error
	)
	switch want {
	case CompressionLZ4:
		out, err = compressLZ4(body)
	case CompressionZstd:
		out, err = compressZstd(body)
	default:
		return body, CompressionNone
	}
	if err != nil {
		return body, CompressionNone
	}
	return out, want
}

func decompress(stored []byte, tag Compression, size int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(stored) != size {
			return nil, fmt.Errorf("stored body is %d bytes, header says %d", len(stored), size)
		}
		return stored, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4: got %d bytes, expected %d", n, size)
		}
		return out, nil
	case CompressionZstd:
		return decompressZstd(stored, size)
	default:
		return nil, fmt.Errorf("unknown compression tag %d", tag)
	}
}

// decompressZstd stream-decodes at most size+1 bytes, so a body that
// inflates past its declared length fails without being expanded in full.
func decompressZstd(stored []byte, size int) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(stored),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxBodySize),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(io.LimitReader(dec, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	if len(out) != size {
		if len(out) > size {
			return nil, fmt.Errorf("zstd: body exceeds declared %d bytes", size)
		}
		return nil, fmt.Errorf("zstd: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
