package nativehost

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	messages := [][]byte{
		[]byte(`{"type":"ping","id":"1"}`),
		[]byte(`{}`),
		[]byte(`{"payload":"` + string(bytes.Repeat([]byte("x"), 1024)) + `"}`),
	}
	for _, msg := range messages {
		if err := WriteFrame(&buf, msg); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range messages {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("drained stream err = %v, want io.EOF", err)
	}
}

func TestOversizedFrameLeavesStreamParseable(t *testing.T) {
	var buf bytes.Buffer

	// Hand-build a frame just over the cap, then a normal one after it.
	big := bytes.Repeat([]byte("a"), MaxFrameSize+1)
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(big)))
	buf.Write(header[:])
	buf.Write(big)

	if err := WriteFrame(&buf, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversized frame err = %v, want ErrFrameTooLarge", err)
	}
	// The oversized body was drained: the next frame reads cleanly.
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("frame after oversize: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("frame after oversize = %q", got)
	}
}

func TestWriteFrameRefusesOversized(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, bytes.Repeat([]byte("a"), MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("refused write left %d bytes in stream", buf.Len())
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 100)
	buf.Write(header[:])
	buf.WriteString("short")

	if _, err := ReadFrame(&buf); err != io.ErrUnexpectedEOF {
		t.Errorf("truncated frame err = %v, want io.ErrUnexpectedEOF", err)
	}
}
