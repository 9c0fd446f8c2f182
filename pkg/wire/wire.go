// Package wire defines the multi-server framing: handshake magics, op codes,
// and the packed entry record shared by the wire protocol and the on-disk
// ledger format.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Handshake magics. Legacy clients send MagicLegacy alone; newer clients send
// MagicV2 followed by a little-endian u32 protocol version.
const (
	MagicLegacy = "OoTMM"
	MagicV2     = "OOMM2"
	MagicSize   = 5
)

// Op codes. Every frame in the Ready state starts with a 1-byte op, in both
// directions.
const (
	OpNone     = 0x00 // keepalive, no payload
	OpTransfer = 0x01 // entry header + payload follows
)

const (
	// HeaderSize is the packed size of an EntryHeader on the wire and on
	// disk: key u64 + size u8, no alignment padding.
	HeaderSize = 9

	// MaxPayloadSize is the largest payload a client may transfer.
	MaxPayloadSize = 128

	// recordAlign is the on-disk record alignment. Each stored record is
	// zero-padded so that header plus payload ends on a 16-byte boundary.
	recordAlign = 16

	// HandshakeSizeV2 is the size of the v2 client hello: magic + version.
	HandshakeSizeV2 = MagicSize + 4

	// JoinSize is the size of the join message: 16-byte ledger UUID plus a
	// little-endian u32 base index.
	JoinSize = 16 + 4
)

// EntryHeader is the fixed-size prefix of a ledger entry.
type EntryHeader struct {
	Key  uint64
	Size uint8
}

// Encode writes the packed 9-byte header into b, which must hold at least
// HeaderSize bytes.
func (h EntryHeader) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b, h.Key)
	b[8] = h.Size
}

// AppendEncode appends the packed header to b.
func (h EntryHeader) AppendEncode(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, h.Key)
	return append(b, h.Size)
}

// DecodeHeader parses a packed header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) EntryHeader {
	return EntryHeader{
		Key:  binary.LittleEndian.Uint64(b),
		Size: b[8],
	}
}

// Validate checks the header against protocol limits.
func (h EntryHeader) Validate() error {
	if h.Size > MaxPayloadSize {
		return fmt.Errorf("entry payload size %d exceeds limit %d", h.Size, MaxPayloadSize)
	}
	return nil
}

// StoredSize returns the on-disk footprint of the record: header plus payload,
// rounded up to the record alignment.
func (h EntryHeader) StoredSize() int {
	n := HeaderSize + int(h.Size)
	return n + Padding(n)
}

// Padding returns the number of zero bytes needed to pad n up to the record
// alignment.
func Padding(n int) int {
	return (recordAlign - n%recordAlign) % recordAlign
}

// AppendFrame appends a server-to-client transfer frame for the given entry:
// op byte, packed header, payload.
func AppendFrame(b []byte, h EntryHeader, payload []byte) []byte {
	b = append(b, OpTransfer)
	b = h.AppendEncode(b)
	return append(b, payload...)
}
