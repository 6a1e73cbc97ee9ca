package pipeline

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/CellMechLab/barytech/internal/monitoring"
)

// Outbound broadcast frames carry a one-byte tag ahead of the body so the
// client can tell raw JSON from deflate-compressed JSON without guessing.
const (
	FrameRaw     byte = 0x00
	FrameDeflate byte = 0x01

	// CompressionLevel is the deflate level for outbound frames.
	CompressionLevel = 6
)

// EncodeFrame wraps a serialized batch body into a binary frame. Bodies
// larger than threshold bytes are deflate-compressed; a threshold <= 0
// disables compression.
func EncodeFrame(body []byte, threshold int) []byte {
	if threshold <= 0 || len(body) <= threshold {
		frame := make([]byte, 0, len(body)+1)
		frame = append(frame, FrameRaw)
		return append(frame, body...)
	}

	var buf bytes.Buffer
	buf.Grow(len(body)/2 + 1)
	buf.WriteByte(FrameDeflate)

	w, err := flate.NewWriter(&buf, CompressionLevel)
	if err != nil {
		// Only reachable with an invalid level constant; fall back to raw.
		frame := make([]byte, 0, len(body)+1)
		frame = append(frame, FrameRaw)
		return append(frame, body...)
	}
	if _, err := w.Write(body); err != nil {
		frame := make([]byte, 0, len(body)+1)
		frame = append(frame, FrameRaw)
		return append(frame, body...)
	}
	if err := w.Close(); err != nil {
		frame := make([]byte, 0, len(body)+1)
		frame = append(frame, FrameRaw)
		return append(frame, body...)
	}

	monitoring.CompressionRatio.Observe(float64(buf.Len()-1) / float64(len(body)))
	return buf.Bytes()
}

// DecodeFrame unwraps a binary frame back into the serialized batch body.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch frame[0] {
	case FrameRaw:
		return frame[1:], nil
	case FrameDeflate:
		r := flate.NewReader(bytes.NewReader(frame[1:]))
		defer r.Close()
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("inflate frame: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown frame tag 0x%02x", frame[0])
	}
}
