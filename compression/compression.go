// Package compression implements the optional payload compressor of spec
// §4.A: Compress/Decompress/IsCompressed plus magic-byte detection, with
// Brotli detection delegated to the x-compression header per §9 since
// brotli has no reliable magic prefix.
package compression

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/andybalholm/brotli"

	relayerrors "github.com/baechuer/relay/errors"
)

// Algorithm identifies a compression codec.
type Algorithm byte

const (
	None Algorithm = iota
	GZip
	Deflate
	Brotli
)

func (a Algorithm) String() string {
	switch a {
	case GZip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "brotli"
	default:
		return "none"
	}
}

// ParseAlgorithm maps the x-compression header value back to an Algorithm.
func ParseAlgorithm(s string) Algorithm {
	switch s {
	case "gzip":
		return GZip
	case "deflate":
		return Deflate
	case "brotli":
		return Brotli
	default:
		return None
	}
}

var (
	gzipMagic = []byte{0x1F, 0x8B}
)

// Stats accumulates the counters spec §4.A calls out.
type Stats struct {
	SkippedMessages    uint64
	CompressedMessages uint64
}

// Config controls compression behavior, mirroring the `compression` option
// group of spec §6.
type Config struct {
	Enabled         bool
	Algorithm       Algorithm
	Level           int
	MinimumSizeBytes int
}

// Compressor compresses/decompresses payloads and tracks Stats. Zero value
// is a usable, disabled compressor (Enabled defaults to false).
type Compressor struct {
	cfg   Config
	stats Stats
}

func New(cfg Config) *Compressor {
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	return &Compressor{cfg: cfg}
}

// Stats returns a snapshot of the running counters.
func (c *Compressor) Stats() Stats { return c.stats }

// Compress returns the compressed bytes, or the original bytes unchanged
// with algorithm None. Empty input is returned as is without touching the
// counters; SkippedMessages is incremented when compression is disabled,
// the input is shorter than MinimumSizeBytes, or the encoded output is not
// smaller than the input.
func (c *Compressor) Compress(b []byte) ([]byte, Algorithm) {
	if len(b) == 0 {
		return b, None
	}
	if !c.cfg.Enabled || len(b) < c.cfg.MinimumSizeBytes {
		c.stats.SkippedMessages++
		return b, None
	}

	out, err := c.encode(b)
	if err != nil || len(out) >= len(b) {
		c.stats.SkippedMessages++
		return b, None
	}

	c.stats.CompressedMessages++
	return out, c.cfg.Algorithm
}

func (c *Compressor) encode(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c.cfg.Algorithm {
	case GZip:
		w, err := gzip.NewWriterLevel(&buf, c.cfg.Level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case Deflate:
		w, err := zlib.NewWriterLevel(&buf, c.cfg.Level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case Brotli:
		w := brotli.NewWriterLevel(&buf, brotliLevel(c.cfg.Level))
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return b, nil
	}
	return buf.Bytes(), nil
}

func brotliLevel(level int) int {
	if level <= 0 || level > brotli.BestCompression {
		return brotli.DefaultCompression
	}
	return level
}

// Decompress reverses Compress given the algorithm the sender recorded in
// the x-compression header (or detected via IsCompressed for gzip/deflate).
func (c *Compressor) Decompress(b []byte, algo Algorithm) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	switch algo {
	case None:
		return b, nil
	case GZip:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, relayerrors.InvalidCompressedData(err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, relayerrors.InvalidCompressedData(err)
		}
		return out, nil
	case Deflate:
		r, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, relayerrors.InvalidCompressedData(err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, relayerrors.InvalidCompressedData(err)
		}
		return out, nil
	case Brotli:
		r := brotli.NewReader(bytes.NewReader(b))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, relayerrors.InvalidCompressedData(err)
		}
		return out, nil
	default:
		return nil, relayerrors.InvalidCompressedData(nil)
	}
}

// IsCompressed reports whether b looks like a GZip or Deflate stream via
// magic-byte sniffing. Brotli is intentionally excluded — spec §9 mandates
// the x-compression header as the source of truth for it.
func IsCompressed(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	if bytes.HasPrefix(b, gzipMagic) {
		return true
	}
	// Deflate streams commonly start with 0x78 (CMF byte, zlib-wrapped);
	// raw DEFLATE has no reliable magic, so this only detects zlib-wrapped
	// deflate, which matches what the teacher's stack would sniff for.
	return b[0] == 0x78
}
