package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the length prefix in front of every frame.
const HeaderSize = 2

// MaxFrameSize is the largest payload a frame may carry. The prefix is a
// signed 16-bit integer.
const MaxFrameSize = math.MaxInt16

var (
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrInvalidLength = errors.New("wire: invalid frame length")
)

// EncodeFrame returns payload prefixed with its big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if err := checkSize(len(payload)); err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// WriteFrame writes one framed payload with a single Write call so nothing
// is written when the payload cannot be framed.
func WriteFrame(w io.Writer, payload []byte) error {
	b, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	return WriteRaw(w, b)
}

// DecodeHeader reads a length prefix. Non-positive lengths are reported as
// ErrInvalidLength: the stream is not positioned on a frame.
func DecodeHeader(r io.Reader) (int, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := int(int16(binary.BigEndian.Uint16(hdr[:])))
	if n <= 0 {
		return n, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return n, nil
}

// ReadExact blocks until exactly n bytes were read from r.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFrame reads one header and the payload it announces.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := DecodeHeader(r)
	if err != nil {
		return nil, err
	}
	return ReadExact(r, n)
}

// ReadRaw reads an unframed byte range of known length. Only protocol state
// tells the caller that raw bytes follow; nothing on the wire marks them.
func ReadRaw(r io.Reader, n int) ([]byte, error) {
	return ReadExact(r, n)
}

// WriteRaw writes b in full, without framing.
func WriteRaw(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

func checkSize(n int) error {
	switch {
	case n == 0:
		return ErrEmptyFrame
	case n > MaxFrameSize:
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, MaxFrameSize)
	}
	return nil
}
