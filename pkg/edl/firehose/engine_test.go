package firehose_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"qdl/pkg/edl"
	"qdl/pkg/edl/firehose"
	"qdl/pkg/edl/gpt"
)

func TestEngineReadSectorsHappyPath(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second
	eng.RawTimeout = time.Second

	sectorSize := uint32(4096)
	want := make([]byte, 2*int(sectorSize))
	for i := range want {
		want[i] = byte(i)
	}

	tr.Push(append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), want...))
	tr.Push([]byte(`<data><response value="ACK"/></data>`))

	got, err := eng.ReadSectors(context.Background(), 0, 10, 2, sectorSize)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEngineReadSectorsNak(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second

	tr.Push([]byte(`<data><log value="bad sector range"/><response value="NAK"/></data>`))

	_, err := eng.ReadSectors(context.Background(), 0, 0, 1, 512)
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, edl.KindNak, ee.Kind)
}

func TestEngineConfigureNegotiatesChunkSizes(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second

	tr.Push([]byte(`<data><response value="ACK" MaxPayloadSizeToTargetInBytes="131072" MaxPayloadSizeFromTargetInBytes="16384"/></data>`))

	err := eng.Configure(context.Background(), edl.StorageDescriptor{Kind: edl.StorageUFS, SectorSize: 4096})
	require.NoError(t, err)
}

func TestEnginePingAndErase(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second

	tr.Push([]byte(`<data><response value="ACK"/></data>`))
	require.NoError(t, eng.Ping(context.Background()))

	tr.Push([]byte(`<data><response value="ACK"/></data>`))
	require.NoError(t, eng.ErasePartition(context.Background(), 0, 0, 1024))
}

func ackRaw(payload []byte) []byte {
	return append([]byte(`<data><response value="ACK" rawmode="true"/></data>`), payload...)
}

var plainAck = []byte(`<data><response value="ACK"/></data>`)

func writeTemp(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFlashPartitionFromFileWrapsBootloaderSHA256(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second
	eng.RawTimeout = time.Second

	path := writeTemp(t, 512)

	tr.Push(plainAck)        // sha256sum_init ack
	tr.Push(ackRaw(nil))     // program -> rawmode ack
	tr.Push(plainAck)        // program final ack
	tr.Push(plainAck)        // sha256sum_final ack

	require.NoError(t, eng.FlashPartitionFromFile(context.Background(), 0, 0, "xbl", path, 512, nil))

	writes := tr.Writes()
	require.GreaterOrEqual(t, len(writes), 3)
	require.Contains(t, string(writes[0]), "sha256sum_init")
	require.Contains(t, string(writes[len(writes)-1]), "sha256sum_final")
}

func TestFlashPartitionFromFileSkipsWrapForOrdinaryPartition(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second
	eng.RawTimeout = time.Second

	path := writeTemp(t, 512)

	tr.Push(ackRaw(nil))
	tr.Push(plainAck)

	require.NoError(t, eng.FlashPartitionFromFile(context.Background(), 0, 0, "boot", path, 512, nil))

	for _, w := range tr.Writes() {
		require.NotContains(t, string(w), "sha256sum")
	}
}

func TestFlashPartitionWithNegativeSectorEmitsLiteralExpression(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second
	eng.RawTimeout = time.Second

	path := writeTemp(t, 512)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)

	require.NoError(t, eng.FlashPartitionWithNegativeSector(context.Background(), 0, -34, path, 512, nil))

	writes := tr.Writes()
	require.NotEmpty(t, writes)
	require.Contains(t, string(writes[0]), `start_sector="NUM_DISK_SECTORS-34."`)
}

// buildGPT returns a primary header sector and a single-sector entry array
// holding two A/B entries, "boot_a" and "boot_b", with boot_b pre-marked
// active so SetActiveSlot's clearing behavior is observable.
func buildGPT() (headerSector []byte, entrySector []byte) {
	headerSector = make([]byte, 512)
	copy(headerSector[0:8], "EFI PART")
	binary.LittleEndian.PutUint64(headerSector[24:32], 1)   // MyLBA
	binary.LittleEndian.PutUint64(headerSector[32:40], 100) // AlternateLBA
	binary.LittleEndian.PutUint64(headerSector[72:80], 2)   // PartitionEntryLBA
	binary.LittleEndian.PutUint32(headerSector[80:84], 4)   // NumEntries
	binary.LittleEndian.PutUint32(headerSector[84:88], 128) // EntrySize

	entrySector = make([]byte, 512)
	writeEntryName(entrySector, 0, "boot_a")
	writeEntryName(entrySector, 1, "boot_b")
	binary.LittleEndian.PutUint64(entrySector[1*128+48:1*128+56], uint64(0xFF)<<48) // boot_b starts active
	return headerSector, entrySector
}

func writeEntryName(buf []byte, index int, name string) {
	off := index*128 + 56
	u16 := utf16.Encode([]rune(name))
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(buf[off+i*2:off+i*2+2], v)
	}
}

func entryAttrs(buf []byte, index int) uint64 {
	off := index*128 + 48
	return binary.LittleEndian.Uint64(buf[off : off+8])
}

func TestSetActiveSlotRewritesGptAttributesAndMirrorsBackup(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second
	eng.RawTimeout = time.Second

	header, entries := buildGPT()

	tr.Push(ackRaw(header))
	tr.Push(plainAck)
	tr.Push(ackRaw(entries))
	tr.Push(plainAck)

	// writeGPT: primary entries, primary header, backup entries, backup header.
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)

	require.NoError(t, eng.SetActiveSlot(context.Background(), 0, edl.SlotA, 512))

	writes := tr.Writes()
	// writes[0] and writes[1] are readGPT's two read commands; after them,
	// writes alternate [cmd, raw] per WriteSectors call, and the first raw
	// payload is the rewritten primary entry array.
	require.GreaterOrEqual(t, len(writes), 10)
	rewrittenEntries := writes[3]
	require.NotZero(t, entryAttrs(rewrittenEntries, 0), "boot_a should now be active")
	require.Zero(t, entryAttrs(rewrittenEntries, 1)&(uint64(1)<<48), "boot_b's active bit should be cleared")

	rewrittenHeader := writes[5]
	require.Contains(t, string(rewrittenHeader[0:8]), "EFI PART")
}

func TestFixGptRecomputesCRCs(t *testing.T) {
	tr := openTransport(t)
	eng := firehose.NewEngine(tr)
	eng.CommandTimeout = time.Second
	eng.RawTimeout = time.Second

	header, entries := buildGPT()

	tr.Push(ackRaw(header))
	tr.Push(plainAck)
	tr.Push(ackRaw(entries))
	tr.Push(plainAck)

	tr.Push(ackRaw(nil))
	tr.Push(plainAck)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)
	tr.Push(ackRaw(nil))
	tr.Push(plainAck)

	require.NoError(t, eng.FixGpt(context.Background(), 0, 512))

	writes := tr.Writes()
	// writes[0..1] are the read commands; writes[3] is the primary entry
	// array and writes[5] the primary header.
	require.GreaterOrEqual(t, len(writes), 6)
	parsed, err := gpt.ParseHeader(writes[5])
	require.NoError(t, err)
	require.NotZero(t, parsed.HeaderCRC32)
	require.NotZero(t, parsed.EntryArrayCRC32)
	require.False(t, strings.Contains(string(writes[3]), "EFI PART"), "entry array write should not look like a header")
}
