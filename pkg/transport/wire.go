package transport

import (
	"encoding/binary"
	"errors"
	"io"
)

// Frames on both the bridge and lockdown wire are a 4-byte big-endian length
// prefix followed by that many payload bytes.

const maxFramePayload = 16 << 20

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErrorf("truncated frame header")
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFramePayload {
		return nil, protocolErrorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErrorf("truncated frame: expected %d bytes", n)
		}
		return nil, err
	}
	return payload, nil
}

// Remote process output is carried as tagged records: one tag byte followed
// by the record body. Both the bridge shell service and the lockdown spawn
// service use this framing.
const (
	recordStdout byte = 1
	recordStderr byte = 2
	recordExit   byte = 3
)
