// Package wire defines the protocol shared between the router and its
// peers: the binary frame format spoken on router-querier streams, the
// JSON envelopes spoken to clients, and the routing error taxonomy.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

const (
	Version1 uint8 = 1

	FrameData  uint8 = 1
	FrameError uint8 = 2
	FramePing  uint8 = 3
	FramePong  uint8 = 4
	FrameEnd   uint8 = 5

	MaxTraceIDLen uint32 = 128
	MaxPayloadLen uint32 = 16 * 1024 * 1024

	// FlagConnLost marks a synthetic error frame generated by the router
	// for a trace whose querier connection died mid-flight.
	FlagConnLost uint16 = 0x1
)

var (
	ErrBadVersion    = errors.New("bad protocol version")
	ErrBadFrameType  = errors.New("bad frame type")
	ErrFieldTooLarge = errors.New("field too large")
)

// Frame is one message on a router-querier stream. Frames for different
// trace ids are interleaved on the same stream; TraceID is the
// demultiplexing key. Seq is a per-connection sequence number used for
// debugging, not ordering (the stream itself is ordered).
type Frame struct {
	Type    uint8
	Flags   uint16
	Seq     uint64
	TraceID string
	Payload []byte
}

// Fixed header size: 1+1+2 +8 +4+4 +4 pad = 24 bytes
const headerSize = 24

// WriteFrame writes the header followed by trace id and payload bytes.
// The caller owns buffering and flushing.
func WriteFrame(w io.Writer, f Frame) error {
	if uint32(len(f.TraceID)) > MaxTraceIDLen || uint32(len(f.Payload)) > MaxPayloadLen {
		return ErrFieldTooLarge
	}

	var b [headerSize]byte
	b[0] = Version1
	b[1] = f.Type
	binary.BigEndian.PutUint16(b[2:4], f.Flags)
	binary.BigEndian.PutUint64(b[4:12], f.Seq)
	binary.BigEndian.PutUint32(b[12:16], uint32(len(f.TraceID)))
	binary.BigEndian.PutUint32(b[16:20], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(b[20:24], 0)

	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte(f.TraceID)); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one full frame. A version or size violation is returned
// as a typed error so the connection owner can treat it as a protocol
// violation rather than a transient I/O failure.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Frame{}, err
	}

	if b[0] != Version1 {
		return Frame{}, ErrBadVersion
	}

	f := Frame{
		Type:  b[1],
		Flags: binary.BigEndian.Uint16(b[2:4]),
		Seq:   binary.BigEndian.Uint64(b[4:12]),
	}

	if f.Type == 0 || f.Type > FrameEnd {
		return Frame{}, ErrBadFrameType
	}

	traceLen := binary.BigEndian.Uint32(b[12:16])
	bodyLen := binary.BigEndian.Uint32(b[16:20])

	traceID, err := readExactBytes(r, traceLen, MaxTraceIDLen)
	if err != nil {
		return Frame{}, err
	}
	f.TraceID = string(traceID)

	f.Payload, err = readExactBytes(r, bodyLen, MaxPayloadLen)
	if err != nil {
		return Frame{}, err
	}

	return f, nil
}

// readExactBytes avoids big allocations on hot paths by rejecting
// oversized fields before allocating.
func readExactBytes(r *bufio.Reader, n uint32, limit uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n > limit {
		return nil, ErrFieldTooLarge
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}
