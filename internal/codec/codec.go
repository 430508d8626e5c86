// Package codec implements the canonical byte encoding for every protocol
// artifact: offers, spend-info, presign requests, signature bundles and
// persisted session state. Encodings are deterministic — fixed field
// order, fixed-width integers (little-endian satoshi amounts, big-endian
// timestamps and tags per Bitcoin convention) — so hashes and signatures
// computed over them agree on every machine.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CurrentApiVersion tags the on-wire and on-disk formats produced by this
// implementation. Version 0 carried a single liquidator address; version
// 1 splits it into a {default, liquidation} pair.
const CurrentApiVersion = 1

// MaxElementLen bounds any single length-prefixed element. Protocol
// artifacts are small; anything larger is malformed input.
const MaxElementLen = 65535

// Wire errors
var (
	ErrBadFrame      = errors.New("malformed frame")
	ErrWrongMsgType  = errors.New("unexpected message type")
	ErrVersionTooNew = errors.New("artifact api version exceeds supported version")
	ErrElementSize   = errors.New("element length out of range")
)

// MessageType is the 2-byte big-endian tag identifying an artifact kind.
type MessageType uint16

// Artifact message types.
const (
	MsgOffer          MessageType = 1
	MsgSpendInfo      MessageType = 2
	MsgPresignRequest MessageType = 3
	MsgSigBundle      MessageType = 4
	MsgSessionState   MessageType = 5
)

// String returns a human-readable artifact name for errors.
func (t MessageType) String() string {
	switch t {
	case MsgOffer:
		return "offer"
	case MsgSpendInfo:
		return "spend-info"
	case MsgPresignRequest:
		return "presign-request"
	case MsgSigBundle:
		return "signature-bundle"
	case MsgSessionState:
		return "session-state"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// Message is an artifact with a canonical body encoding. Encode writes
// the body only; framing (type + version) is handled by WriteFrame /
// ReadFrame.
type Message interface {
	MsgType() MessageType
	Encode(w io.Writer) error
	Decode(r io.Reader, version byte) error
}

// WriteFrame writes [type:2 BE][api-version:1][body].
func WriteFrame(w io.Writer, msg Message) error {
	var hdr [3]byte
	binary.BigEndian.PutUint16(hdr[:2], uint16(msg.MsgType()))
	hdr[2] = CurrentApiVersion
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	return msg.Encode(w)
}

// WriteFrameVersion writes a frame at an explicit api version. Used by
// the deterministic downgrade path kept for audit; everything else goes
// through WriteFrame.
func WriteFrameVersion(w io.Writer, msgType MessageType, version byte, body func(io.Writer) error) error {
	var hdr [3]byte
	binary.BigEndian.PutUint16(hdr[:2], uint16(msgType))
	hdr[2] = version
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	return body(w)
}

// ReadFrame reads a frame header, checks the type and version, and
// decodes the body into msg. Versions older than current are handed to
// the message's Decode for upgrade; newer versions are refused.
func ReadFrame(r io.Reader, msg Message) error {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	gotType := MessageType(binary.BigEndian.Uint16(hdr[:2]))
	if gotType != msg.MsgType() {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongMsgType, gotType, msg.MsgType())
	}
	version := hdr[2]
	if version > CurrentApiVersion {
		return fmt.Errorf("%w: %d > %d", ErrVersionTooNew, version, CurrentApiVersion)
	}
	return msg.Decode(r, version)
}

// WriteUint8 writes a single byte.
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte.
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint16 writes a big-endian uint16 (tags, counts).
func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint16 reads a big-endian uint16.
func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// WriteUint32 writes a big-endian uint32 (block counts, sequences).
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads a big-endian uint32.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteUint64 writes a big-endian uint64 (timestamps).
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint64 reads a big-endian uint64.
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteSats writes a satoshi amount as little-endian uint64, matching
// Bitcoin's own value encoding.
func WriteSats(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadSats reads a little-endian satoshi amount.
func ReadSats(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteBytes writes a 2-byte big-endian length prefix followed by the
// bytes.
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxElementLen {
		return fmt.Errorf("%w: %d bytes", ErrElementSize, len(b))
	}
	if err := WriteUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBytes reads a length-prefixed byte string.
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteString writes a length-prefixed UTF-8 string (addresses, IDs).
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// ReadString reads a length-prefixed string.
func ReadString(r io.Reader) (string, error) {
	b, err := ReadBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteFixed writes raw bytes with no prefix (fixed-width fields such as
// 32-byte keys and hashes).
func WriteFixed(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}

// ReadFixed fills b from the reader.
func ReadFixed(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return err
}
