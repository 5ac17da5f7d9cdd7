package symbiosome

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []frame{
		{typ: frameInit, source: "https://a.example", target: "https://b.example"},
		{typ: frameData, id: "msg-1", payload: []byte("hello")},
		{typ: frameData, payload: []byte{}},
		{typ: frameData, id: "msg-2", payload: bytes.Repeat([]byte{0xAB}, 4096)},
	}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, writeFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for i, want := range frames {
		got, err := readFrame(r)
		require.NoError(t, err, "frame %d", i)
		require.Equal(t, want.typ, got.typ)
		require.Equal(t, want.source, got.source)
		require.Equal(t, want.target, got.target)
		require.Equal(t, want.id, got.id)
		require.Equal(t, want.payload, got.payload)
	}
}

func TestParseFrameSkipsUnknownFields(t *testing.T) {
	body := appendFrame(nil, frame{typ: frameData, id: "x", payload: []byte("y")})
	body = protowire.AppendTag(body, 9, protowire.VarintType)
	body = protowire.AppendVarint(body, 42)
	body = protowire.AppendTag(body, 10, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future"))

	f, err := parseFrame(body)
	require.NoError(t, err)
	require.Equal(t, frameData, f.typ)
	require.Equal(t, "x", f.id)
	require.Equal(t, []byte("y"), f.payload)
}

func TestParseFrameRejects(t *testing.T) {
	t.Run("truncated field", func(t *testing.T) {
		body := appendFrame(nil, frame{typ: frameData, payload: []byte("hello")})
		_, err := parseFrame(body[:len(body)-2])
		require.ErrorIs(t, err, ErrFrameInvalid)
	})

	t.Run("unknown frame type", func(t *testing.T) {
		body := protowire.AppendTag(nil, fieldType, protowire.VarintType)
		body = protowire.AppendVarint(body, 99)
		_, err := parseFrame(body)
		require.ErrorIs(t, err, ErrFrameInvalid)
	})

	t.Run("missing frame type", func(t *testing.T) {
		body := protowire.AppendTag(nil, fieldID, protowire.BytesType)
		body = protowire.AppendString(body, "x")
		_, err := parseFrame(body)
		require.ErrorIs(t, err, ErrFrameInvalid)
	})
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frame{
		typ:     frameData,
		payload: make([]byte, maxFrameBytes+1),
	})
	require.ErrorIs(t, err, ErrTooLargeFrame)
	require.Zero(t, buf.Len())
}

func TestReadFrameTooLarge(t *testing.T) {
	buf := protowire.AppendVarint(nil, maxFrameBytes+1)
	_, err := readFrame(bufio.NewReader(bytes.NewReader(buf)))
	require.ErrorIs(t, err, ErrTooLargeFrame)
}
