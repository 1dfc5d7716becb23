// Package nativehost implements the native messaging side channel: the
// length-prefixed stdio framing spoken with the browser, the local unix
// socket bridge that re-exposes it to one authenticated client, and the
// port manager that agents use to reach the bridge.
package nativehost

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize caps a single native messaging frame at 8 MiB. Oversized
// frames are consumed and rejected so the stream stays parseable.
const MaxFrameSize = 8 << 20

// ErrFrameTooLarge reports a frame whose declared length exceeds
// MaxFrameSize. The frame body has been drained when this is returned.
var ErrFrameTooLarge = errors.New("native frame exceeds 8 MiB limit")

// ReadFrame reads one native messaging frame: a 4-byte little-endian
// length followed by that many bytes of UTF-8 JSON. io.EOF on a clean
// end of stream, io.ErrUnexpectedEOF on a truncated frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		// Drain the declared body so the next frame starts at a boundary.
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one native messaging frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("refusing to write %d byte frame: %w", len(body), ErrFrameTooLarge)
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteJSONFrame marshals v and writes it as a single frame.
func WriteJSONFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}
