// Package compress handles compression of risk report blobs for storage
// and publishing. ZSTD is the default for its ratio/speed balance; gzip is
// kept for endpoints that cannot negotiate zstd.
package compress

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/exploopio/extrisk/pkg/xrs"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	AlgorithmZSTD Algorithm = "zstd"
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmNone Algorithm = "none"
)

// Level represents compression level.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBetter  Level = 6
	LevelBest    Level = 9
)

// MinCompressSize is the payload size below which compression is skipped:
// small reports gain nothing and the frame overhead can grow them.
const MinCompressSize = 512

// Compressor compresses and decompresses report blobs. Safe for
// concurrent use.
type Compressor struct {
	algorithm Algorithm
	level     Level

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// New creates a compressor with the given algorithm and level.
func New(algorithm Algorithm, level Level) *Compressor {
	c := &Compressor{
		algorithm: algorithm,
		level:     level,
	}
	if algorithm == AlgorithmZSTD {
		c.encoderPool = sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
				return enc
			},
		}
		c.decoderPool = sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		}
	}
	return c
}

// Algorithm returns the configured algorithm.
func (c *Compressor) Algorithm() Algorithm {
	return c.algorithm
}

// ShouldCompress reports whether a payload of the given size is worth
// compressing.
func (c *Compressor) ShouldCompress(size int) bool {
	return c.algorithm != AlgorithmNone && size >= MinCompressSize
}

// Compress compresses data.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return c.compressZSTD(data)
	case AlgorithmGzip:
		return c.compressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	switch c.algorithm {
	case AlgorithmZSTD:
		return c.decompressZSTD(data)
	case AlgorithmGzip:
		return c.decompressGzip(data)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", c.algorithm)
	}
}

// EncodeReport marshals a risk report and compresses the JSON. Payloads
// under MinCompressSize ship as plain JSON.
func (c *Compressor) EncodeReport(report *xrs.RiskReport) ([]byte, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	if !c.ShouldCompress(len(raw)) {
		return raw, nil
	}
	return c.Compress(raw)
}

// DecodeReport reverses EncodeReport. The blob's frame magic decides
// whether to decompress, so a decoder accepts reports from encoders with
// any size threshold.
func (c *Compressor) DecodeReport(blob []byte) (*xrs.RiskReport, error) {
	raw := blob
	if isCompressed(blob) {
		var err error
		raw, err = c.Decompress(blob)
		if err != nil {
			return nil, err
		}
	}
	var report xrs.RiskReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// zstd frame and gzip member magic numbers.
var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// DetectEncoding returns the Content-Encoding of a blob produced by
// EncodeReport, empty for plain JSON.
func DetectEncoding(blob []byte) string {
	switch {
	case bytes.HasPrefix(blob, zstdMagic):
		return "zstd"
	case bytes.HasPrefix(blob, gzipMagic):
		return "gzip"
	default:
		return ""
	}
}

// isCompressed reports whether the blob starts with a known compression
// frame. Plain JSON reports start with '{' and match neither.
func isCompressed(blob []byte) bool {
	return DetectEncoding(blob) != ""
}

func (c *Compressor) compressZSTD(data []byte) ([]byte, error) {
	enc := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	if _, err := enc.Write(data); err != nil {
		return nil, fmt.Errorf("zstd write error: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compressor) decompressZSTD(data []byte) ([]byte, error) {
	dec := c.decoderPool.Get().(*zstd.Decoder)
	defer c.decoderPool.Put(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("zstd reset error: %w", err)
	}
	result, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return result, nil
}

func (c *Compressor) compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	level := gzip.DefaultCompression
	if c.level <= 3 {
		level = gzip.BestSpeed
	} else if c.level >= 7 {
		level = gzip.BestCompression
	}

	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer error: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write error: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close error: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Compressor) decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader error: %w", err)
	}
	defer reader.Close()

	result, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress error: %w", err)
	}
	return result, nil
}

// DefaultZSTD is the default report compressor.
var DefaultZSTD = New(AlgorithmZSTD, LevelDefault)
