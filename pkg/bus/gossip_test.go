package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeCodecRoundTrip(t *testing.T) {
	in := Envelope{
		ID:     "msg-1",
		Origin: "https://a.example",
		Data:   []byte("hello"),
	}

	buf := appendEnvelope(nil, "symbiosome:https://a.example", in)
	channelName, out, err := decodeEnvelope(buf)
	require.NoError(t, err)
	require.Equal(t, "symbiosome:https://a.example", channelName)
	require.Equal(t, in, out)
}

func TestEnvelopeCodecSkipsUnknownFields(t *testing.T) {
	buf := appendEnvelope(nil, "ch", Envelope{Origin: "https://a.example"})
	buf = protowire.AppendTag(buf, 9, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 7)

	channelName, env, err := decodeEnvelope(buf)
	require.NoError(t, err)
	require.Equal(t, "ch", channelName)
	require.Equal(t, "https://a.example", env.Origin)
}

func TestEnvelopeCodecRejects(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		buf := appendEnvelope(nil, "ch", Envelope{Origin: "https://a.example", Data: []byte("x")})
		_, _, err := decodeEnvelope(buf[:len(buf)-1])
		require.ErrorIs(t, err, ErrEnvelopeInvalid)
	})
	t.Run("missing origin", func(t *testing.T) {
		buf := protowire.AppendTag(nil, fieldChannel, protowire.BytesType)
		buf = protowire.AppendString(buf, "ch")
		_, _, err := decodeEnvelope(buf)
		require.ErrorIs(t, err, ErrEnvelopeInvalid)
	})
	t.Run("missing channel", func(t *testing.T) {
		buf := protowire.AppendTag(nil, fieldOrigin, protowire.BytesType)
		buf = protowire.AppendString(buf, "https://a.example")
		_, _, err := decodeEnvelope(buf)
		require.ErrorIs(t, err, ErrEnvelopeInvalid)
	})
}

func TestNewGossipRequiresChannel(t *testing.T) {
	_, err := NewGossip(GossipConfig{})
	require.ErrorIs(t, err, ErrChannelRequired)
}

func TestGossipLocalDelivery(t *testing.T) {
	g, err := NewGossip(GossipConfig{
		ChannelName: "symbiosome:https://a.example",
		BindAddr:    "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	got := &recorder{}
	cancel, err := g.Subscribe(got.handle)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, g.Publish(Envelope{Origin: "https://a.example", Data: []byte("hi")}))
	require.Eventually(t, func() bool {
		seen := got.snapshot()
		return len(seen) == 1 && string(seen[0].Data) == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	// Publish assigns a message id when the caller did not.
	require.NotEmpty(t, got.snapshot()[0].ID)
}

func TestGossipDelegateDropsForeignChannels(t *testing.T) {
	g, err := NewGossip(GossipConfig{
		ChannelName: "symbiosome:https://a.example",
		BindAddr:    "127.0.0.1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	got := &recorder{}
	cancel, err := g.Subscribe(got.handle)
	require.NoError(t, err)
	defer cancel()

	d := (*gossipDelegate)(g)
	d.NotifyMsg(appendEnvelope(nil, "symbiosome:https://other.example", Envelope{
		Origin: "https://other.example",
		Data:   []byte("foreign"),
	}))
	d.NotifyMsg([]byte{0xFF, 0xFF})

	d.NotifyMsg(appendEnvelope(nil, "symbiosome:https://a.example", Envelope{
		Origin: "https://a.example",
		Data:   []byte("mine"),
	}))

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "mine", string(got.snapshot()[0].Data))
}

func TestGossipClosedOperations(t *testing.T) {
	g, err := NewGossip(GossipConfig{
		ChannelName: "symbiosome:https://a.example",
		BindAddr:    "127.0.0.1",
	})
	require.NoError(t, err)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	require.ErrorIs(t, g.Publish(Envelope{Origin: "https://a.example"}), ErrBusClosed)
	_, err = g.Subscribe((&recorder{}).handle)
	require.ErrorIs(t, err, ErrBusClosed)
}
