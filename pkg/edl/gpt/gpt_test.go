package gpt_test

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"qdl/pkg/edl"
	"qdl/pkg/edl/gpt"
)

func buildHeaderSector(numEntries, entrySize uint32) []byte {
	sector := make([]byte, 512)
	copy(sector[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(sector[8:12], 0x00010000)
	binary.LittleEndian.PutUint32(sector[12:16], 92)
	binary.LittleEndian.PutUint64(sector[24:32], 1)
	binary.LittleEndian.PutUint64(sector[32:40], 100)
	binary.LittleEndian.PutUint64(sector[40:48], 6)
	binary.LittleEndian.PutUint64(sector[48:56], 98)
	binary.LittleEndian.PutUint64(sector[72:80], 2)
	binary.LittleEndian.PutUint32(sector[80:84], numEntries)
	binary.LittleEndian.PutUint32(sector[84:88], entrySize)
	return sector
}

func putEntry(buf []byte, typeGUID, uniqueGUID [16]byte, firstLBA, lastLBA uint64, name string) {
	copy(buf[0:16], typeGUID[:])
	copy(buf[16:32], uniqueGUID[:])
	binary.LittleEndian.PutUint64(buf[32:40], firstLBA)
	binary.LittleEndian.PutUint64(buf[40:48], lastLBA)
	u16 := utf16.Encode([]rune(name))
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(buf[56+i*2:58+i*2], v)
	}
}

func TestParseHeaderAndEntriesRoundTrip(t *testing.T) {
	const numEntries = 4
	const entrySize = 128
	sector := buildHeaderSector(numEntries, entrySize)

	h, err := gpt.ParseHeader(sector)
	require.NoError(t, err)
	require.Equal(t, uint64(2), h.PartitionEntryLBA)
	require.Equal(t, uint32(numEntries), h.NumEntries)

	entries := make([]byte, numEntries*entrySize)
	typeGUID := [16]byte{1, 2, 3}
	boot := [16]byte{0xAA}
	putEntry(entries[0:entrySize], typeGUID, boot, 10, 20, "boot")
	rootfs := [16]byte{0xBB}
	putEntry(entries[entrySize:2*entrySize], typeGUID, rootfs, 21, 2000, "rootfs")

	parsed, err := gpt.ParseEntries(h, entries, 0)
	require.NoError(t, err)
	require.Len(t, parsed, 2) // two zeroed entries skipped
	require.Equal(t, "boot", parsed[0].Name)
	require.Equal(t, uint64(10), parsed[0].FirstLBA)
	require.Equal(t, uint64(1980), parsed[1].SectorCount())
}

func TestParseHeaderRejectsBadSignature(t *testing.T) {
	sector := make([]byte, 512)
	copy(sector, "NOT GPT!")
	_, err := gpt.ParseHeader(sector)
	require.Error(t, err)
	var ee *edl.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, edl.KindProtocol, ee.Kind)
}

func TestCacheFindCaseInsensitiveAscendingLUN(t *testing.T) {
	c := gpt.NewCache()
	c.SetLUN(1, []edl.PartitionEntry{{LUN: 1, Name: "modem", FirstLBA: 5, LastLBA: 100}})
	c.SetLUN(0, []edl.PartitionEntry{{LUN: 0, Name: "MODEM", FirstLBA: 1, LastLBA: 4}})

	got, ok := c.Find("Modem")
	require.True(t, ok)
	require.Equal(t, 0, got.LUN) // lun 0 wins over lun 1 despite insertion order
}

func TestCacheFindMissing(t *testing.T) {
	c := gpt.NewCache()
	_, ok := c.Find("nonexistent")
	require.False(t, ok)
}
