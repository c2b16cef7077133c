package cloudio

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies the whole-file compression of an input.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0x1 // CompressionNone represents no compression.
	CompressionZstd CompressionType = 0x2 // CompressionZstd represents a Zstandard frame.
	CompressionS2   CompressionType = 0x3 // CompressionS2 represents an S2 stream.
	CompressionLZ4  CompressionType = 0x4 // CompressionLZ4 represents an LZ4 frame.
	CompressionGzip CompressionType = 0x5 // CompressionGzip represents a gzip member.
	CompressionZlib CompressionType = 0x6 // CompressionZlib represents a zlib stream.
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "None"
	case CompressionZstd:
		return "Zstd"
	case CompressionS2:
		return "S2"
	case CompressionLZ4:
		return "LZ4"
	case CompressionGzip:
		return "Gzip"
	case CompressionZlib:
		return "Zlib"
	default:
		return "Unknown"
	}
}

// Codec compresses and decompresses whole files.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// CreateCodec is a factory function that creates a Codec for the specified compression type.
func CreateCodec(compressionType CompressionType) (Codec, error) {
	switch compressionType {
	case CompressionNone:
		return noOpCodec{}, nil
	case CompressionZstd:
		return zstdCodec{}, nil
	case CompressionS2:
		return s2Codec{}, nil
	case CompressionLZ4:
		return lz4Codec{}, nil
	case CompressionGzip:
		return gzipCodec{}, nil
	case CompressionZlib:
		return zlibCodec{}, nil
	default:
		return nil, fmt.Errorf("invalid compression: %s: %w", compressionType, ErrUnsupportedFormat)
	}
}

var compressionExtensions = map[string]CompressionType{
	".zst":  CompressionZstd,
	".zstd": CompressionZstd,
	".s2":   CompressionS2,
	".sz":   CompressionS2,
	".lz4":  CompressionLZ4,
	".gz":   CompressionGzip,
	".zz":   CompressionZlib,
}

// CompressionForPath returns the compression implied by the last extension
// of path and the path with that extension removed.
func CompressionForPath(path string) (CompressionType, string) {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := compressionExtensions[ext]; ok {
		return ct, strings.TrimSuffix(path, filepath.Ext(path))
	}
	return CompressionNone, path
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
	s2Magic   = []byte("\xff\x06\x00\x00S2sTwO")
	gzipMagic = []byte{0x1f, 0x8b}
)

// SniffCompression recognizes zstd, lz4, s2 and gzip payloads by their magic
// bytes. Zlib has no reliable magic and is only chosen by extension.
func SniffCompression(data []byte) CompressionType {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(data, lz4Magic):
		return CompressionLZ4
	case bytes.HasPrefix(data, s2Magic):
		return CompressionS2
	case bytes.HasPrefix(data, gzipMagic):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

type noOpCodec struct{}

func (noOpCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noOpCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

// zstdDecoderPool pools zstd decoders; they run without allocations after warmup.
var zstdDecoderPool = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd decoder for pool: %v", err))
		}
		return decoder
	},
}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("failed to create zstd encoder for pool: %v", err))
		}
		return encoder
	},
}

type zstdCodec struct{}

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	encoder := zstdEncoderPool.Get().(*zstd.Encoder)
	defer zstdEncoderPool.Put(encoder)
	return encoder.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := zstdDecoderPool.Get().(*zstd.Decoder)
	defer zstdDecoderPool.Put(decoder)

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

// s2Codec uses the S2 stream format so files interoperate with the s2c/s2d tools.
type s2Codec struct{}

func (s2Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s2Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := io.ReadAll(s2.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("s2 decompression failed: %w", err)
	}
	return out, nil
}

// lz4Codec uses the LZ4 frame format, as written by the lz4 command line tool.
type lz4Codec struct{}

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompression failed: %w", err)
	}
	return out, nil
}

type gzipCodec struct{}

func (gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompression failed: %w", err)
	}
	return out, nil
}

type zlibCodec struct{}

func (zlibCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib decompression failed: %w", err)
	}
	return out, nil
}
