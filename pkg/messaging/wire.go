package messaging

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// MaxDataSize bounds a message's data payload.
const MaxDataSize = 4096

// HeaderSize is the fixed wire header length.
const HeaderSize = 8

// Message types. Handler registration is keyed by these.
const (
	TypeGetBlock           uint8 = 0
	TypeGetBlockResult     uint8 = 1
	TypeWriteBlock         uint8 = 2
	TypeWriteBlockResult   uint8 = 3
	TypeGetManifest        uint8 = 4
	TypeGetManifestResult  uint8 = 5
)

// WireErr is the closed wire error enumeration. Any other value maps to
// ErrProtocol at the receiver.
type WireErr uint8

const (
	WireOK WireErr = iota
	WireUnknown
	WireIO
	WireNoMemory
)

func (e WireErr) valid() bool { return e <= WireNoMemory }

// Header is the fixed 8-byte wire header. CRC checksums the ctl and data
// payloads that follow it (xxhash64 truncated to 32 bits), catching
// corruption that TCP's own checksum misses.
type Header struct {
	CRC      uint32
	DataSize uint16
	CtlSize  uint8
	Type     uint8
}

// Marshal encodes h into a fresh 8-byte little-endian buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
	binary.LittleEndian.PutUint16(buf[4:6], h.DataSize)
	buf[6] = h.CtlSize
	buf[7] = h.Type
	return buf
}

// UnmarshalHeader decodes buf, which must be exactly HeaderSize bytes, and
// validates that the message is non-empty and data_size is within bound.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("messaging: short header (%d bytes)", len(buf))
	}
	h := Header{
		CRC:      binary.LittleEndian.Uint32(buf[0:4]),
		DataSize: binary.LittleEndian.Uint16(buf[4:6]),
		CtlSize:  buf[6],
		Type:     buf[7],
	}
	if err := h.validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

func (h Header) validate() error {
	if int(h.DataSize) > MaxDataSize {
		return fmt.Errorf("messaging: data_size %d exceeds %d", h.DataSize, MaxDataSize)
	}
	if h.CtlSize == 0 && h.DataSize == 0 {
		return fmt.Errorf("messaging: empty message: ctl_size and data_size both zero")
	}
	return nil
}

// Message is one decoded wire message, ready for dispatch or already built
// for send.
type Message struct {
	Type uint8
	Ctl  []byte
	Data []byte
}

// Marshal encodes m as {header, ctl, data} for a single vectored write.
func (m Message) Marshal() [][]byte {
	h := Header{CRC: checksum(m.Ctl, m.Data), DataSize: uint16(len(m.Data)), CtlSize: uint8(len(m.Ctl)), Type: m.Type}
	return [][]byte{h.Marshal(), m.Ctl, m.Data}
}

// checksum returns the truncated xxhash64 of ctl immediately followed by
// data, without concatenating them into a single buffer.
func checksum(ctl, data []byte) uint32 {
	d := xxhash.New()
	d.Write(ctl)
	d.Write(data)
	return uint32(d.Sum64())
}

// GetBlockCtl is the 16-byte control payload of a GET_BLOCK message.
type GetBlockCtl struct {
	BNR    uint64
	Access uint8
}

func (c GetBlockCtl) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	buf[8] = c.Access
	return buf
}

func UnmarshalGetBlockCtl(buf []byte) (GetBlockCtl, error) {
	if len(buf) != 16 {
		return GetBlockCtl{}, fmt.Errorf("messaging: GET_BLOCK ctl must be 16 bytes, got %d", len(buf))
	}
	return GetBlockCtl{BNR: binary.LittleEndian.Uint64(buf[0:8]), Access: buf[8]}, nil
}

// GetBlockResultCtl is the 16-byte control payload of a GET_BLOCK_RESULT
// message.
type GetBlockResultCtl struct {
	BNR    uint64
	Access uint8
	Err    WireErr
}

func (c GetBlockResultCtl) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	buf[8] = c.Access
	buf[9] = uint8(c.Err)
	return buf
}

func UnmarshalGetBlockResultCtl(buf []byte) (GetBlockResultCtl, error) {
	if len(buf) != 16 {
		return GetBlockResultCtl{}, fmt.Errorf("messaging: GET_BLOCK_RESULT ctl must be 16 bytes, got %d", len(buf))
	}
	c := GetBlockResultCtl{BNR: binary.LittleEndian.Uint64(buf[0:8]), Access: buf[8], Err: WireErr(buf[9])}
	if !c.Err.valid() {
		return GetBlockResultCtl{}, fmt.Errorf("messaging: unknown wire error code %d", buf[9])
	}
	return c, nil
}

// WriteBlockCtl is the 8-byte control payload of a WRITE_BLOCK message.
type WriteBlockCtl struct {
	BNR uint64
}

func (c WriteBlockCtl) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, c.BNR)
	return buf
}

func UnmarshalWriteBlockCtl(buf []byte) (WriteBlockCtl, error) {
	if len(buf) != 8 {
		return WriteBlockCtl{}, fmt.Errorf("messaging: WRITE_BLOCK ctl must be 8 bytes, got %d", len(buf))
	}
	return WriteBlockCtl{BNR: binary.LittleEndian.Uint64(buf)}, nil
}

// WriteBlockResultCtl is the 16-byte control payload of a
// WRITE_BLOCK_RESULT message.
type WriteBlockResultCtl struct {
	BNR uint64
	Err WireErr
}

func (c WriteBlockResultCtl) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	buf[8] = uint8(c.Err)
	return buf
}

func UnmarshalWriteBlockResultCtl(buf []byte) (WriteBlockResultCtl, error) {
	if len(buf) != 16 {
		return WriteBlockResultCtl{}, fmt.Errorf("messaging: WRITE_BLOCK_RESULT ctl must be 16 bytes, got %d", len(buf))
	}
	c := WriteBlockResultCtl{BNR: binary.LittleEndian.Uint64(buf[0:8]), Err: WireErr(buf[8])}
	if !c.Err.valid() {
		return WriteBlockResultCtl{}, fmt.Errorf("messaging: unknown wire error code %d", buf[8])
	}
	return c, nil
}

// GetManifestCtl is the 8-byte control payload of a GET_MANIFEST message.
type GetManifestCtl struct {
	SeqNr uint64
}

func (c GetManifestCtl) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, c.SeqNr)
	return buf
}

func UnmarshalGetManifestCtl(buf []byte) (GetManifestCtl, error) {
	if len(buf) != 8 {
		return GetManifestCtl{}, fmt.Errorf("messaging: GET_MANIFEST ctl must be 8 bytes, got %d", len(buf))
	}
	return GetManifestCtl{SeqNr: binary.LittleEndian.Uint64(buf)}, nil
}

// GetManifestResultCtl is the 16-byte control payload of a
// GET_MANIFEST_RESULT message.
type GetManifestResultCtl struct {
	SeqNr uint64
	Err   WireErr
}

func (c GetManifestResultCtl) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.SeqNr)
	buf[8] = uint8(c.Err)
	return buf
}

func UnmarshalGetManifestResultCtl(buf []byte) (GetManifestResultCtl, error) {
	if len(buf) != 16 {
		return GetManifestResultCtl{}, fmt.Errorf("messaging: GET_MANIFEST_RESULT ctl must be 16 bytes, got %d", len(buf))
	}
	c := GetManifestResultCtl{SeqNr: binary.LittleEndian.Uint64(buf[0:8]), Err: WireErr(buf[8])}
	if !c.Err.valid() {
		return GetManifestResultCtl{}, fmt.Errorf("messaging: unknown wire error code %d", buf[8])
	}
	return c, nil
}
