package firehose_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qdl/pkg/edl/firehose"
	"qdl/pkg/edl/transport"
	"qdl/pkg/edl/transporttest"
)

func openTransport(t *testing.T) *transporttest.Transport {
	t.Helper()
	tr := transporttest.New()
	require.NoError(t, tr.Open(context.Background(), transport.OpenOptions{Endpoint: "mock"}))
	return tr
}

func TestFramerSendCommandChunking(t *testing.T) {
	tr := openTransport(t)
	fr := firehose.NewFramer(tr)
	fr.MaxPayloadFromTarget = 16

	require.NoError(t, fr.SendCommand(context.Background(), "nop", []firehose.Attr{
		firehose.A("value", "ping"),
	}))

	var joined []byte
	for _, w := range tr.Writes() {
		require.LessOrEqual(t, len(w), 16)
		joined = append(joined, w...)
	}
	require.Contains(t, string(joined), `<nop value="ping"/>`)
}

func TestFramerReceiveFrameLogAndAck(t *testing.T) {
	tr := openTransport(t)
	fr := firehose.NewFramer(tr)

	tr.Push([]byte(`<?xml version="1.0" ?><data><log value="hello from device"/></data>`))
	tr.Push([]byte(`<?xml version="1.0" ?><data><response value="ACK" rawmode="false"/></data>`))

	f1, err := fr.ReceiveFrame(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"hello from device"}, f1.Logs)
	require.Nil(t, f1.Ack)

	f2, err := fr.ReceiveFrame(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, f2.Ack)
	require.True(t, f2.Ack.IsACK())
	require.False(t, f2.Ack.RawMode)
}

func TestFramerReceiveFrameNak(t *testing.T) {
	tr := openTransport(t)
	fr := firehose.NewFramer(tr)
	tr.Push([]byte(`<data><response value="NAK"/></data>`))

	f, err := fr.ReceiveFrame(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, f.Ack.IsACK())
	require.Equal(t, "NAK", f.Ack.Value)
}

func TestFramerReadRawAfterRawmodeAck(t *testing.T) {
	tr := openTransport(t)
	fr := firehose.NewFramer(tr)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Device batches the rawmode ACK and the raw sector payload in one push,
	// mirroring a real USB bulk transfer that does not respect XML document
	// boundaries.
	msg := append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), payload...)
	tr.Push(msg)

	f, err := fr.ReceiveFrame(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, f.Ack.RawMode)

	raw, err := fr.ReadRaw(context.Background(), len(payload), time.Second)
	require.NoError(t, err)
	require.Equal(t, payload, raw)
}

func TestFramerReceiveFrameTimeout(t *testing.T) {
	tr := openTransport(t)
	fr := firehose.NewFramer(tr)
	_, err := fr.ReceiveFrame(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
}
