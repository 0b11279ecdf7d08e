package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	RequestID string `json:"request_id"`
	Value     int    `json:"value"`
}

func TestFrame_WriteThenReadRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	in := payload{RequestID: "abc", Value: 42}
	require.NoError(t, WriteFrame(w, in))

	var out payload
	require.NoError(t, ReadFrame(&buf, &out))
	assert.Equal(t, in, out)
}

func TestReadFrame_EmptyStreamReturnsEOF(t *testing.T) {
	var buf bytes.Buffer
	var out payload
	assert.ErrorIs(t, ReadFrame(&buf, &out), ErrEOF)
}

func TestReadFrame_PartialLengthPrefixIsTruncatedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x01, 0x00})
	var out payload
	assert.ErrorIs(t, ReadFrame(buf, &out), ErrTruncatedLength)
}

func TestReadFrame_PayloadShorterThanDeclaredIsTruncatedFrame(t *testing.T) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], 10)
	buf := bytes.NewBuffer(append(lenBuf[:], []byte("short")...))

	var out payload
	assert.ErrorIs(t, ReadFrame(buf, &out), ErrTruncatedFrame)
}

func TestReadFrame_OversizeFrameIsRejectedAndDrained(t *testing.T) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], MaxFrameSize+1)

	var buf bytes.Buffer
	buf.Write(lenBuf[:])
	buf.Write(bytes.Repeat([]byte("a"), MaxFrameSize+1))

	// A well-formed frame immediately follows the oversize one.
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, payload{RequestID: "next", Value: 1}))

	var out payload
	assert.ErrorIs(t, ReadFrame(&buf, &out), ErrFrameTooLarge)

	// The oversize payload was drained, so the stream is back in sync.
	require.NoError(t, ReadFrame(&buf, &out))
	assert.Equal(t, "next", out.RequestID)
}

func TestReadFrame_InvalidUTF8PayloadIsRejected(t *testing.T) {
	invalid := []byte{0xff, 0xfe, 0xfd}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(invalid)))

	buf := bytes.NewBuffer(append(lenBuf[:], invalid...))
	var out payload
	assert.ErrorIs(t, ReadFrame(buf, &out), ErrNotUTF8)
}

func TestReadFrame_MalformedJSONIsRejected(t *testing.T) {
	body := []byte("{not json")
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))

	buf := bytes.NewBuffer(append(lenBuf[:], body...))
	var out payload
	assert.ErrorIs(t, ReadFrame(buf, &out), ErrMalformedJSON)
}

func TestWriteFrame_OversizePayloadIsRejected(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	oversized := payload{RequestID: strings.Repeat("x", MaxFrameSize+1)}
	assert.ErrorIs(t, WriteFrame(w, oversized), ErrFrameTooLarge)
}
