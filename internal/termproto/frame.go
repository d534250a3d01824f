// Package termproto defines the framed wire protocol spoken between a
// terminal session daemon (codev-termd) and its clients over a unix
// domain socket.
//
// Every message is a frame: one type byte, a 4-byte big-endian payload
// length, then the payload. DATA and REPLAY payloads are raw terminal
// bytes; all control payloads are JSON. Unknown frame types must be
// skipped by receivers so that older daemons and newer clients can
// coexist on the same socket.
package termproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Version is the protocol version announced in HELLO. A daemon accepts
// clients announcing Version or newer (with a warning) and rejects
// clients announcing older versions.
const Version = 1

// MaxPayload caps a single frame's payload. Terminal traffic is tiny;
// the cap exists so a corrupt length field cannot make a reader
// allocate gigabytes.
const MaxPayload = 16 << 20

// FrameType identifies the kind of payload a frame carries.
type FrameType byte

const (
	// FrameData carries raw terminal bytes. Client→daemon it is child
	// input; daemon→client it is child output.
	FrameData FrameType = 0x01

	// FrameResize changes the PTY dimensions. Honored from any client;
	// last write wins.
	FrameResize FrameType = 0x02

	// FrameSignal delivers a named signal to the child. Controller
	// connections only.
	FrameSignal FrameType = 0x03

	// FrameExit announces that the child process terminated. Broadcast
	// by the daemon to every connection.
	FrameExit FrameType = 0x04

	// FrameReplay is the one-shot dump of buffered output sent to a
	// connection right after its handshake, before any live data.
	FrameReplay FrameType = 0x05

	// FramePing and FramePong are the liveness probe pair. Either side
	// may ping; the peer answers with a pong on the same connection.
	FramePing FrameType = 0x06
	FramePong FrameType = 0x07

	// FrameHello is the client's opening handshake message.
	FrameHello FrameType = 0x08

	// FrameWelcome is the daemon's handshake reply.
	FrameWelcome FrameType = 0x09

	// FrameSpawn asks the daemon to replace an exited child with a
	// freshly started one. Controller connections only.
	FrameSpawn FrameType = 0x0A
)

// String returns the frame type name for logs.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameResize:
		return "RESIZE"
	case FrameSignal:
		return "SIGNAL"
	case FrameExit:
		return "EXIT"
	case FrameReplay:
		return "REPLAY"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameHello:
		return "HELLO"
	case FrameWelcome:
		return "WELCOME"
	case FrameSpawn:
		return "SPAWN"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
}

// Framing errors.
var (
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")
	ErrShortHeader   = errors.New("short frame header")
)

// headerSize is one type byte plus a 4-byte big-endian length.
const headerSize = 5

// WriteFrame writes a single frame to w. It performs exactly one Write
// call so that concurrent writers serialized by a mutex never interleave
// partial frames.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads the next frame from r. A header announcing more than
// MaxPayload bytes returns ErrFrameTooLarge after consuming and
// discarding the announced payload, leaving the stream aligned on the
// next frame; the caller may keep reading.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, ErrShortHeader
		}
		return 0, nil, err
	}
	t := FrameType(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayload {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return t, nil, fmt.Errorf("discarding oversized %s payload: %w", t, err)
		}
		return t, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return t, nil, fmt.Errorf("reading %s payload: %w", t, err)
	}
	return t, payload, nil
}
