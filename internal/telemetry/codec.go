package telemetry

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The engine publishes each frame as a single CBOR map keyed by the field
// names in the wire contract (see the cbor struct tags on Frame). The
// codec below is the only place the hub touches the wire encoding.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("telemetry: build CBOR encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		// The engine never nests deeper than frame → object → vector, so a
		// tight limit keeps hostile payloads from exhausting the decoder.
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("telemetry: build CBOR decode mode: %v", err))
	}
}

// ErrEmptyMessage is returned when a transport delivers a zero-length payload.
var ErrEmptyMessage = errors.New("telemetry: empty message")

// EncodeFrame serialises a frame into its wire form.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, errors.New("telemetry: encode nil frame")
	}
	b, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", f.Sequence, err)
	}
	return b, nil
}

// DecodeFrame parses one wire message into a Frame. The returned frame is
// treated as immutable by all consumers.
func DecodeFrame(payload []byte) (*Frame, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyMessage
	}
	var f Frame
	if err := decMode.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}
