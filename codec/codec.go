// Package codec compresses the intent payloads exchanged with the server
// and stored in the database
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned by DecompressLimit when the decompressed data
// exceeds the limit
var ErrTooLarge = errors.New("decompressed data too large")

// ContentEncoding is the value of the Content-Encoding header of zstd
// compressed bodies
const ContentEncoding = "zstd"

// a nil io.Writer/io.Reader is valid when only EncodeAll/DecodeAll are used,
// and both are safe for concurrent use
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Errorf("create encoder: %w", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Errorf("create decoder: %w", err))
	}
}

// Compress compresses data using zstd
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, nil)
}

// Decompress decompresses zstd compressed data
func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// DecompressLimit decompresses zstd compressed data from an untrusted
// source, failing with ErrTooLarge as soon as the output exceeds limit bytes
func DecompressLimit(data []byte, limit int64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(io.LimitReader(dec, limit+1))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}
	return out, nil
}
