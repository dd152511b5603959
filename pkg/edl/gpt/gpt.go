// Package gpt parses GUID Partition Tables read off a Firehose-attached
// LUN (spec.md §4.E): the protective MBR at LBA 0, the primary header at
// LBA 1, and the partition entry array starting at LBA 2.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"unicode/utf16"

	"qdl/pkg/edl"
)

const (
	headerSignature = "EFI PART"
	headerLen       = 92
	entryLenDefault = 128
)

// Header is the decoded LBA-1 GPT header.
type Header struct {
	Revision          uint32
	HeaderSize        uint32
	HeaderCRC32       uint32
	MyLBA             uint64
	AlternateLBA      uint64
	FirstUsableLBA    uint64
	LastUsableLBA     uint64
	DiskGUID          [16]byte
	PartitionEntryLBA uint64
	NumEntries        uint32
	EntrySize         uint32
	EntryArrayCRC32   uint32
}

// ParseHeader decodes the 92-byte GPT header at the start of sector (one
// full LBA-1 sector must be passed; trailing zero padding is ignored).
func ParseHeader(sector []byte) (Header, error) {
	if len(sector) < headerLen {
		return Header{}, &edl.Error{Op: "gpt.ParseHeader", Kind: edl.KindProtocol,
			Err: fmt.Errorf("sector too short for gpt header (%d bytes)", len(sector))}
	}
	if string(sector[0:8]) != headerSignature {
		return Header{}, &edl.Error{Op: "gpt.ParseHeader", Kind: edl.KindProtocol,
			Err: fmt.Errorf("bad gpt signature %q", sector[0:8])}
	}
	var h Header
	h.Revision = binary.LittleEndian.Uint32(sector[8:12])
	h.HeaderSize = binary.LittleEndian.Uint32(sector[12:16])
	h.HeaderCRC32 = binary.LittleEndian.Uint32(sector[16:20])
	h.MyLBA = binary.LittleEndian.Uint64(sector[24:32])
	h.AlternateLBA = binary.LittleEndian.Uint64(sector[32:40])
	h.FirstUsableLBA = binary.LittleEndian.Uint64(sector[40:48])
	h.LastUsableLBA = binary.LittleEndian.Uint64(sector[48:56])
	copy(h.DiskGUID[:], sector[56:72])
	h.PartitionEntryLBA = binary.LittleEndian.Uint64(sector[72:80])
	h.NumEntries = binary.LittleEndian.Uint32(sector[80:84])
	h.EntrySize = binary.LittleEndian.Uint32(sector[84:88])
	h.EntryArrayCRC32 = binary.LittleEndian.Uint32(sector[88:92])
	if h.EntrySize == 0 {
		h.EntrySize = entryLenDefault
	}
	return h, nil
}

// ParseEntries decodes the partition entry array. buf must hold at least
// header.NumEntries*header.EntrySize bytes (i.e. every entry-array sector
// concatenated in LBA order).
func ParseEntries(header Header, buf []byte, lun int) ([]edl.PartitionEntry, error) {
	need := int(header.NumEntries) * int(header.EntrySize)
	if len(buf) < need {
		return nil, &edl.Error{Op: "gpt.ParseEntries", Kind: edl.KindProtocol,
			Err: fmt.Errorf("entry array short: have %d bytes, need %d", len(buf), need)}
	}
	var out []edl.PartitionEntry
	zeroType := make([]byte, 16)
	for i := uint32(0); i < header.NumEntries; i++ {
		raw := buf[int(i)*int(header.EntrySize) : int(i)*int(header.EntrySize)+int(header.EntrySize)]
		var typeGUID, uniqueGUID [16]byte
		copy(typeGUID[:], raw[0:16])
		if bytes.Equal(typeGUID[:], zeroType) {
			continue // unused entry
		}
		copy(uniqueGUID[:], raw[16:32])
		firstLBA := binary.LittleEndian.Uint64(raw[32:40])
		lastLBA := binary.LittleEndian.Uint64(raw[40:48])
		attrs := binary.LittleEndian.Uint64(raw[48:56])
		name := decodeUTF16Name(raw[56:128])
		out = append(out, edl.PartitionEntry{
			LUN:        lun,
			Name:       name,
			TypeGUID:   typeGUID,
			UniqueGUID: uniqueGUID,
			FirstLBA:   firstLBA,
			LastLBA:    lastLBA,
			Attributes: attrs,
		})
	}
	return out, nil
}

func decodeUTF16Name(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	// Truncate at the first NUL code unit.
	for i, v := range u16 {
		if v == 0 {
			u16 = u16[:i]
			break
		}
	}
	return string(utf16.Decode(u16))
}

// Cache holds the parsed partition tables for every LUN probed on a
// device, resolving lookups by name (spec.md §4.E: case-insensitive,
// ascending-LUN tiebreak on duplicate names).
type Cache struct {
	byLUN map[int][]edl.PartitionEntry
	order []int
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{byLUN: make(map[int][]edl.PartitionEntry)}
}

// SetLUN records (or replaces) the partition list for lun.
func (c *Cache) SetLUN(lun int, entries []edl.PartitionEntry) {
	if _, exists := c.byLUN[lun]; !exists {
		c.order = append(c.order, lun)
		sort.Ints(c.order)
	}
	c.byLUN[lun] = entries
}

// LUNs returns every LUN recorded in the cache, ascending.
func (c *Cache) LUNs() []int {
	out := make([]int, len(c.order))
	copy(out, c.order)
	return out
}

// Partitions returns the partition list for lun, or nil if never set.
func (c *Cache) Partitions(lun int) []edl.PartitionEntry {
	return c.byLUN[lun]
}

// Find looks up a partition by name across every known LUN, ascending LUN
// order, returning the first match. Name comparison is case-insensitive.
func (c *Cache) Find(name string) (edl.PartitionEntry, bool) {
	for _, lun := range c.order {
		for _, e := range c.byLUN[lun] {
			if strings.EqualFold(e.Name, name) {
				return e, true
			}
		}
	}
	return edl.PartitionEntry{}, false
}

// All returns every partition across every LUN, ordered by LUN then by
// table position.
func (c *Cache) All() []edl.PartitionEntry {
	var out []edl.PartitionEntry
	for _, lun := range c.order {
		out = append(out, c.byLUN[lun]...)
	}
	return out
}

const (
	entryAttrOffset = 48
	entryNameOffset = 56

	// slotAttrActiveBit through slotAttrTriesBits carve up bits 48-55 of a
	// GPT entry's attribute field, the vendor-defined region Android's A/B
	// bootloader uses to mark which slot is active (spec.md §4.D
	// setActiveSlot).
	slotAttrActiveBit    = 0
	slotAttrPriorityBits = 1
	slotAttrTriesBits    = 3
)

// EntryName decodes the UTF-16 name field of the entry at index within the
// raw entry-array bytes buf.
func EntryName(buf []byte, header Header, index int) string {
	off := index*int(header.EntrySize) + entryNameOffset
	end := off + int(header.EntrySize) - entryNameOffset
	if max := off + (entryLenDefault - entryNameOffset); end > max {
		end = max
	}
	return decodeUTF16Name(buf[off:end])
}

// ApplySlotAttribute rewrites bits 48-55 of the entry at index within buf to
// mark it active (highest priority, retry count reset) or inactive for A/B
// purposes, returning the entry's updated 64-bit attribute value.
func ApplySlotAttribute(buf []byte, header Header, index int, active bool) uint64 {
	off := index*int(header.EntrySize) + entryAttrOffset
	attrs := binary.LittleEndian.Uint64(buf[off : off+8])
	attrs &^= uint64(0xFF) << 48
	if active {
		attrs |= uint64(1) << (48 + slotAttrActiveBit)
		attrs |= uint64(3) << (48 + slotAttrPriorityBits)
		attrs |= uint64(7) << (48 + slotAttrTriesBits)
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], attrs)
	return attrs
}

// EncodeHeader serializes h back into a headerLen-byte GPT header buffer.
// Callers pad the result to the device's sector size before writing it
// back.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:8], []byte(headerSignature))
	binary.LittleEndian.PutUint32(buf[8:12], h.Revision)
	binary.LittleEndian.PutUint32(buf[12:16], h.HeaderSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.HeaderCRC32)
	binary.LittleEndian.PutUint64(buf[24:32], h.MyLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.AlternateLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.FirstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastUsableLBA)
	copy(buf[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(buf[72:80], h.PartitionEntryLBA)
	binary.LittleEndian.PutUint32(buf[80:84], h.NumEntries)
	binary.LittleEndian.PutUint32(buf[84:88], h.EntrySize)
	binary.LittleEndian.PutUint32(buf[88:92], h.EntryArrayCRC32)
	return buf
}

// RecomputeCRCs recalculates header.EntryArrayCRC32 over entryBytes and
// header.HeaderCRC32 over the header itself, zeroing the CRC field during
// the header calculation per the UEFI convention (spec.md §4.D fixGpt).
func RecomputeCRCs(header *Header, entryBytes []byte) {
	entryLen := int(header.NumEntries) * int(header.EntrySize)
	if entryLen > len(entryBytes) {
		entryLen = len(entryBytes)
	}
	header.EntryArrayCRC32 = crc32.ChecksumIEEE(entryBytes[:entryLen])

	size := int(header.HeaderSize)
	if size == 0 || size > headerLen {
		size = headerLen
	}
	header.HeaderCRC32 = 0
	buf := EncodeHeader(*header)
	header.HeaderCRC32 = crc32.ChecksumIEEE(buf[:size])
}
