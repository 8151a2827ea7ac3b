package document

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFrame(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	for _, tag := range []uint64{FrameSync, FrameAwareness} {
		frame := EncodeFrame(tag, payload)
		gotTag, gotPayload, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		if gotTag != tag {
			t.Errorf("tag = %d, want %d", gotTag, tag)
		}
		if !bytes.Equal(gotPayload, payload) {
			t.Errorf("payload = %x, want %x", gotPayload, payload)
		}
	}
}

func TestDecodeFrameEmptyPayload(t *testing.T) {
	tag, payload, err := DecodeFrame(EncodeFrame(FrameSync, nil))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if tag != FrameSync || len(payload) != 0 {
		t.Errorf("got tag=%d payload=%x, want tag=0 empty payload", tag, payload)
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	if _, _, err := DecodeFrame(nil); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeFrame(nil) = %v, want ErrMalformedFrame", err)
	}
	// A lone continuation byte is an incomplete varint.
	if _, _, err := DecodeFrame([]byte{0x80}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeFrame(0x80) = %v, want ErrMalformedFrame", err)
	}
}
