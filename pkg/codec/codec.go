// Package codec encodes conversation contexts for persistence.
//
// Contexts are serialized with CBOR Core Deterministic Encoding so the
// same logical context always yields identical bytes, then compressed
// with zstd when that actually saves space. The uncompressed CBOR length
// doubles as the engine's byte-size estimate.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/nainya/convmemory/pkg/conversation"
)

// Snapshot format bytes
const (
	formatCBOR     byte = 0x00
	formatCBORZstd byte = 0x01
)

// ErrInvalidSnapshot indicates bytes that are not a context snapshot
var ErrInvalidSnapshot = errors.New("codec: invalid snapshot")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keep sub-second precision; turn ordering relies on it.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Size returns the encoded size of v in bytes, or 0 if v cannot be encoded
func Size(v any) int {
	data, err := encMode.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// EncodeContext produces a storage snapshot of c
func EncodeContext(c *conversation.ConversationContext) ([]byte, error) {
	raw, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode context %s: %w", c.ID, err)
	}

	compressed := zstdEncoder.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
	if len(compressed)-1 < len(raw) {
		compressed[0] = formatCBORZstd
		return compressed, nil
	}

	out := make([]byte, 0, len(raw)+1)
	out = append(out, formatCBOR)
	return append(out, raw...), nil
}

// DecodeContext restores a context from a snapshot produced by EncodeContext
func DecodeContext(data []byte) (*conversation.ConversationContext, error) {
	if len(data) < 2 {
		return nil, ErrInvalidSnapshot
	}

	raw := data[1:]
	switch data[0] {
	case formatCBOR:
	case formatCBORZstd:
		var err error
		raw, err = zstdDecoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format byte 0x%02x", ErrInvalidSnapshot, data[0])
	}

	var c conversation.ConversationContext
	if err := decMode.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	c.CumulativeContext = conversation.CloneCumulative(c.CumulativeContext)
	return &c, nil
}
