package document

import (
	"encoding/binary"
	"errors"
)

// Frame tags for the document channel. Each binary websocket message is a
// uvarint tag followed by the tag-specific payload: sync frames carry
// document sync-protocol bytes, awareness frames carry opaque ephemeral
// presence state relayed between peers.
const (
	FrameSync      uint64 = 0
	FrameAwareness uint64 = 1
)

var ErrMalformedFrame = errors.New("malformed document frame")

// EncodeFrame prepends the tag to the payload.
func EncodeFrame(tag uint64, payload []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(payload))
	n := binary.PutUvarint(buf, tag)
	n += copy(buf[n:], payload)
	return buf[:n]
}

// DecodeFrame splits a message into its tag and payload.
func DecodeFrame(data []byte) (tag uint64, payload []byte, err error) {
	tag, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, ErrMalformedFrame
	}
	return tag, data[n:], nil
}
