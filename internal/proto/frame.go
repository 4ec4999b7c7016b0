package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest body a 2-byte length prefix can describe.
const MaxFrameSize = 1<<16 - 1

// ErrFrameTooLarge is returned when a body does not fit the length prefix.
var ErrFrameTooLarge = errors.New("frame exceeds 65535 bytes")

// ReadFrame reads one big-endian length-prefixed frame body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint16(header[:])
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// WriteFrame writes body to w behind its length prefix in a single write.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	copy(buf[2:], body)

	_, err := w.Write(buf)
	return err
}

// WriteEnvelope encodes e and writes it as one frame.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadEnvelope reads and decodes one frame.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
