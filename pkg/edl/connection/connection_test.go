package connection_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"qdl/pkg/edl"
	"qdl/pkg/edl/auth"
	"qdl/pkg/edl/connection"
	"qdl/pkg/edl/sahara"
	"qdl/pkg/edl/transport"
	"qdl/pkg/edl/transporttest"
)

type memImage struct{ data []byte }

func (m memImage) ReadAt(p []byte, off int64) (int, error) { return copy(p, m.data[off:]), nil }
func (m memImage) Size() int64                             { return int64(len(m.data)) }

func helloFrame(version uint32) []byte {
	return sahara.Frame{Command: sahara.CmdHello, Payload: sahara.EncodeHelloResp(version, version, 0, 0)}.Encode()
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

func readDataFrame(imageID, offset, length uint32) []byte {
	payload := make([]byte, 12)
	putU32(payload[0:4], imageID)
	putU32(payload[4:8], offset)
	putU32(payload[8:12], length)
	return sahara.Frame{Command: sahara.CmdReadData, Payload: payload}.Encode()
}

func endImageTransferFrame(imageID, status uint32) []byte {
	payload := make([]byte, 8)
	putU32(payload[0:4], imageID)
	putU32(payload[4:8], status)
	return sahara.Frame{Command: sahara.CmdEndImageTransfer, Payload: payload}.Encode()
}

func doneRespFrame(status, mode uint32) []byte {
	payload := make([]byte, 8)
	putU32(payload[0:4], status)
	putU32(payload[4:8], mode)
	return sahara.Frame{Command: sahara.CmdDoneResp, Payload: payload}.Encode()
}

// TestConnectFullHandshake drives Sahara upload through to a Ready
// Firehose session, implementing spec.md §8 scenario 1 at the orchestrator
// level rather than the bare Sahara client level.
func TestConnectFullHandshake(t *testing.T) {
	tr := transporttest.New()
	image := memImage{data: make([]byte, 4096)}

	tr.Push(helloFrame(2))
	tr.Push(readDataFrame(1, 0, 4096))
	tr.Push(endImageTransferFrame(1, 0))

	tr.OnWrite = func(tr *transporttest.Transport, data []byte) {
		cmd, _, err := sahara.DecodeFrame(data)
		if err == nil && cmd == sahara.CmdDone {
			tr.Push(doneRespFrame(0, 0))
		}
	}
	// The Firehose configure ACK only becomes available once the transport
	// is reopened post-settle-delay (spec.md §4.G), not while Sahara is
	// still talking.
	tr.OnOpen = func(tr *transporttest.Transport, opts transport.OpenOptions) {
		if opts.DiscardOnOpen {
			tr.Push([]byte(`<data><response value="ACK" MaxPayloadSizeToTargetInBytes="4096" MaxPayloadSizeFromTargetInBytes="4096"/></data>`))
		}
	}

	eng := connection.New(tr)
	var transitions []edl.ConnectionState
	eng.OnEvent(func(ev any) {
		if sc, ok := ev.(connection.StateChanged); ok {
			transitions = append(transitions, sc.To)
		}
	})

	err := eng.Connect(context.Background(), transport.OpenOptions{Endpoint: "mock"}, image,
		edl.StorageDescriptor{Kind: edl.StorageUFS, SectorSize: 4096})
	require.NoError(t, err)
	require.Equal(t, edl.Ready, eng.State())
	require.Contains(t, transitions, edl.SaharaMode)
	require.Contains(t, transitions, edl.FirehoseMode)
	require.Contains(t, transitions, edl.Ready)
}

func connectReady(t *testing.T, tr *transporttest.Transport) *connection.Engine {
	t.Helper()
	eng := connection.New(tr)
	tr.Push([]byte(`<data><response value="ACK"/></data>`))
	require.NoError(t, eng.ConnectFirehoseDirect(context.Background(), transport.OpenOptions{Endpoint: "mock"},
		edl.StorageDescriptor{Kind: edl.StorageUFS, SectorSize: 512}))
	return eng
}

func gptHeaderAndEntries(t *testing.T, numEntries uint32) (header []byte, entries []byte) {
	t.Helper()
	header = make([]byte, 512)
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint64(header[72:80], 2)
	binary.LittleEndian.PutUint32(header[80:84], numEntries)
	binary.LittleEndian.PutUint32(header[84:88], 128)

	entries = make([]byte, 512*4) // 16 entries * 128 bytes = 2048 = 4 sectors of 512
	typeGUID := [16]byte{1}
	unique := [16]byte{2}
	binary.LittleEndian.PutUint64(entries[32:40], 10)
	binary.LittleEndian.PutUint64(entries[40:48], 20)
	copy(entries[0:16], typeGUID[:])
	copy(entries[16:32], unique[:])
	u16 := utf16.Encode([]rune("boot"))
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(entries[56+i*2:58+i*2], v)
	}
	return header, entries
}

func TestReadAllGptAndFindPartition(t *testing.T) {
	tr := transporttest.New()
	eng := connectReady(t, tr)

	header, entries := gptHeaderAndEntries(t, 16)
	tr.Push(append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), header...))
	tr.Push([]byte(`<data><response value="ACK"/></data>`))
	tr.Push(append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), entries...))
	tr.Push([]byte(`<data><response value="ACK"/></data>`))

	require.NoError(t, eng.ReadAllGpt(context.Background(), 1))

	part, ok := eng.FindPartition("boot")
	require.True(t, ok)
	require.Equal(t, uint64(10), part.FirstLBA)
	require.Equal(t, uint64(20), part.LastLBA)
}

func TestReadPartitionNotFound(t *testing.T) {
	tr := transporttest.New()
	eng := connectReady(t, tr)
	err := eng.ReadPartition(context.Background(), "nonexistent", filepath.Join(t.TempDir(), "out.bin"), nil)
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, edl.KindNotFound, ee.Kind)
}

func TestWritePartitionRejectsOversizedImage(t *testing.T) {
	tr := transporttest.New()
	eng := connectReady(t, tr)

	header, entries := gptHeaderAndEntries(t, 16)
	tr.Push(append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), header...))
	tr.Push([]byte(`<data><response value="ACK"/></data>`))
	tr.Push(append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), entries...))
	tr.Push([]byte(`<data><response value="ACK"/></data>`))
	require.NoError(t, eng.ReadAllGpt(context.Background(), 1))

	big := filepath.Join(t.TempDir(), "big.bin")
	// boot spans sectors [10,20] = 11 sectors * 512 bytes = 5632 bytes capacity.
	require.NoError(t, os.WriteFile(big, make([]byte, 6000), 0o644))

	err := eng.WritePartition(context.Background(), "boot", big, nil)
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, edl.KindBadImage, ee.Kind)
}

func TestPortDisconnectedEvent(t *testing.T) {
	tr := transporttest.New()
	eng := connectReady(t, tr)

	disconnected := make(chan struct{})
	eng.OnEvent(func(ev any) {
		if _, ok := ev.(connection.PortDisconnected); ok {
			close(disconnected)
		}
	})

	tr.SimulateDisconnect()

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("PortDisconnected event was not delivered")
	}
	require.Equal(t, edl.Disconnected, eng.State())
}

func TestDefaultAuthRegistryChallengeResponseForKnownOEM(t *testing.T) {
	tr := transporttest.New()
	eng := connection.New(tr)

	chip := edl.ChipIdentity{HWID: uint64(auth.ChallengeResponseOEM) << 16}
	require.Equal(t, edl.AuthChallenge, eng.AuthRegs.Resolve(chip).Mode())

	unknown := edl.ChipIdentity{HWID: uint64(0xBEEF) << 16}
	require.Equal(t, edl.AuthNone, eng.AuthRegs.Resolve(unknown).Mode())
}

func TestWriteDirectNegativeSectorRoutesToBackupAddressing(t *testing.T) {
	tr := transporttest.New()
	eng := connectReady(t, tr)

	path := filepath.Join(t.TempDir(), "gpt_backup.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	tr.Push([]byte(`<data><response value="ACK" rawmode="true"/></data>`))
	tr.Push([]byte(`<data><response value="ACK"/></data>`))

	require.NoError(t, eng.WriteDirect(context.Background(), 0, -34, path, nil))

	// writes[0] is the configure command sent by connectReady; writes[1] is
	// the program command.
	last := tr.Writes()
	require.Len(t, last, 3)
	require.Contains(t, string(last[1]), "NUM_DISK_SECTORS-34.")
}

func TestOperationsRequireReadyState(t *testing.T) {
	tr := transporttest.New()
	eng := connection.New(tr)
	err := eng.Ping(context.Background())
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, edl.KindNotConnected, ee.Kind)
}
