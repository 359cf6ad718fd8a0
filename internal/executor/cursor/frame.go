package cursor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Connect frame flag bits (spec.md §4.B).
const (
	flagCompressed     = 0x01
	flagEndStream      = 0x02
	flagCompressedEnd  = 0x03
)

// EncodeFrame wraps payload in a 5-byte Connect frame header: 1 flag byte
// followed by a 4-byte big-endian length, flag=0 (uncompressed, not the
// final frame of the stream).
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// DecodeFrame reads one Connect frame from r: flag byte, 4-byte BE length,
// then that many payload bytes, gzip-inflating when flag bit 0x01 is set.
func DecodeFrame(r io.Reader) (flag byte, payload []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	flag = header[0]
	length := binary.BigEndian.Uint32(header[1:5])
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return flag, nil, err
	}
	if flag&flagCompressed != 0 {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return flag, nil, fmt.Errorf("cursor: gzip frame: %w", err)
		}
		defer func() { _ = zr.Close() }()
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return flag, nil, fmt.Errorf("cursor: gzip inflate: %w", err)
		}
		return flag, inflated, nil
	}
	return flag, raw, nil
}

// IsRateLimitPayload reports whether a frame payload is the JSON error
// envelope signaling resource_exhausted, per spec.md §4.B: "JSON payload
// starting with {"error" and code resource_exhausted → map to HTTP 429".
func IsRateLimitPayload(payload []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(payload), []byte(`{"error"`)) &&
		bytes.Contains(payload, []byte("resource_exhausted"))
}
