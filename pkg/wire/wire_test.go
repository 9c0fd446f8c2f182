package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := EntryHeader{Key: 0x1122334455667788, Size: 17}

	var b [HeaderSize]byte
	h.Encode(b[:])
	if got := DecodeHeader(b[:]); got != h {
		t.Fatalf("round trip: got %+v, want %+v", got, h)
	}
	if got := h.AppendEncode(nil); !bytes.Equal(got, b[:]) {
		t.Fatalf("append encode mismatch: %x vs %x", got, b)
	}
}

func TestHeaderEncodingLittleEndian(t *testing.T) {
	h := EntryHeader{Key: 1, Size: 3}
	want := []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0x03}
	if got := h.AppendEncode(nil); !bytes.Equal(got, want) {
		t.Fatalf("encoded %x, want %x", got, want)
	}
}

func TestPadding(t *testing.T) {
	for _, tc := range []struct {
		n, pad int
	}{
		{0, 0},
		{1, 15},
		{9, 7},
		{12, 4},
		{16, 0},
		{17, 15},
		{137, 7},
	} {
		if got := Padding(tc.n); got != tc.pad {
			t.Errorf("Padding(%d) = %d, want %d", tc.n, got, tc.pad)
		}
	}
}

func TestStoredSize(t *testing.T) {
	for _, tc := range []struct {
		size   uint8
		stored int
	}{
		{0, 16},
		{3, 16},
		{7, 16},
		{8, 32},
		{119, 128},
		{128, 144},
	} {
		h := EntryHeader{Key: 1, Size: tc.size}
		if got := h.StoredSize(); got != tc.stored {
			t.Errorf("StoredSize(size=%d) = %d, want %d", tc.size, got, tc.stored)
		}
		if got := h.StoredSize(); got%16 != 0 {
			t.Errorf("StoredSize(size=%d) = %d not 16-byte aligned", tc.size, got)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := (EntryHeader{Size: MaxPayloadSize}).Validate(); err != nil {
		t.Fatalf("size %d rejected: %v", MaxPayloadSize, err)
	}
	if err := (EntryHeader{Size: MaxPayloadSize + 1}).Validate(); err == nil {
		t.Fatalf("size %d accepted", MaxPayloadSize+1)
	}
}

func TestAppendFrame(t *testing.T) {
	frame := AppendFrame(nil, EntryHeader{Key: 1, Size: 3}, []byte("abc"))
	want := []byte{0x01, 0x01, 0, 0, 0, 0, 0, 0, 0, 0x03, 0x61, 0x62, 0x63}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame %x, want %x", frame, want)
	}
}
