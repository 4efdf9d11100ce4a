// Package wire implements the length-prefixed frame codec shared by the
// dashboard push loop and the server's ingest listener: every
// frame on the wire is a big-endian uint32 length followed by that many
// bytes of JSON payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/peepviz/peep/errors"
)

// MaxFrameSize is the largest payload this codec will read or write.
const MaxFrameSize = 128 << 20

const lengthPrefixSize = 4

// WriteFrame marshals v as JSON and writes it to w as one length-prefixed
// frame. It is the caller's responsibility to serialize writes to w if
// multiple goroutines share one connection — the writer task owns the
// outbound stream exclusively.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "wire: marshal frame payload")
	}
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(errors.ErrFrameTooLarge, "payload is %d bytes, max %d", len(payload), MaxFrameSize)
	}

	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "wire: write frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "wire: write frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its raw
// payload bytes. Callers decode the payload themselves via Envelope once
// they know its type.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // io.EOF propagates as-is for normal connection close
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, errors.Wrapf(errors.ErrFrameTooLarge, "frame declares %d bytes, max %d", n, MaxFrameSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "wire: read frame payload")
	}
	return payload, nil
}
