// Package framing implements the length-prefixed stdio wire format: a
// little-endian uint32 byte count followed by exactly that many bytes of
// UTF-8 JSON.
package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// MaxFrameSize is the hard ceiling on a single frame's payload, in bytes.
const MaxFrameSize = 1 << 20 // 1 MiB

// Sentinel frame-read failures, matching spec.md §4.1 and §7 exactly.
var (
	ErrEOF             = errors.New("eof")
	ErrTruncatedLength = errors.New("truncated_length")
	ErrTruncatedFrame  = errors.New("truncated_payload")
	ErrNotUTF8         = errors.New("not_utf8")
	ErrMalformedJSON   = errors.New("malformed_json")
	ErrFrameTooLarge   = errors.New("frame_too_large")
)

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
// On ErrFrameTooLarge the oversize payload is still drained from r so the
// stream stays in sync for the next frame.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	switch {
	case err == io.EOF && n == 0:
		return ErrEOF
	case err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0):
		return ErrTruncatedLength
	case err != nil:
		return ErrTruncatedLength
	}

	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		if _, drainErr := io.CopyN(io.Discard, r, int64(size)); drainErr != nil {
			return ErrFrameTooLarge
		}
		return ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return ErrTruncatedFrame
	}

	if !utf8.Valid(payload) {
		return ErrNotUTF8
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return ErrMalformedJSON
	}
	return nil
}

// WriteFrame serializes v compactly, verifies its size, and writes the
// length prefix and payload to w in a single buffered flush.
func WriteFrame(w *bufio.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("framing: marshal: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("framing: write length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return w.Flush()
}
