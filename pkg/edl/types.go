// Package edl implements the device-side protocol stack of a Qualcomm
// Emergency Download (EDL) flashing engine: Sahara loader upload, the
// Firehose storage protocol, GPT-aware partition addressing, and the
// connection state machine that ties them together.
package edl

import "strings"

// StorageKind identifies the physical storage technology behind a device's
// partitions.
type StorageKind string

const (
	StorageUFS    StorageKind = "ufs"
	StorageEMMC   StorageKind = "emmc"
	StorageNAND   StorageKind = "nand"
	StorageSPINOR StorageKind = "spinor"
)

// Slot identifies the A/B redundant partition set selector.
type Slot string

const (
	SlotA           Slot = "a"
	SlotB           Slot = "b"
	SlotNonexistent Slot = "nonexistent"
)

// ChipIdentity is produced once during the Sahara hello exchange and is
// immutable thereafter. It is consumed by Firehose authentication to detect
// the vendor and by callers for display.
type ChipIdentity struct {
	Serial            uint32
	HWID              uint64
	ModelID           uint32
	PublicKeyHash     []byte
	SBLVersion        uint32
	TargetProtocolVer uint32
}

// OEMID extracts the 16-bit OEM id subfield packed into the 64-bit hardware
// id, per spec.md §3.
func (c ChipIdentity) OEMID() uint16 {
	return uint16(c.HWID >> 16)
}

// StorageDescriptor is initialized by Firehose configure and read-only
// afterward.
type StorageDescriptor struct {
	Kind             StorageKind
	SectorSize       uint32
	NumPartitions    int
	ActiveSlot       Slot
	MaxPayloadToDev  uint32 // MaxPayloadSizeToTargetInBytes, negotiated at configure
	MaxPayloadToHost uint32 // MaxPayloadSizeFromTargetInBytes, negotiated at configure
}

// PartitionEntry is one decoded GPT entry, tagged with the LUN it was read
// from.
type PartitionEntry struct {
	LUN        int
	Name       string
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
}

// SizeBytes returns the derived size of the partition: (last-first+1) *
// sectorSize, per the invariant in spec.md §3.
func (p PartitionEntry) SizeBytes(sectorSize uint32) uint64 {
	return (p.LastLBA - p.FirstLBA + 1) * uint64(sectorSize)
}

// SectorCount returns the number of sectors the entry spans.
func (p PartitionEntry) SectorCount() uint64 {
	return p.LastLBA - p.FirstLBA + 1
}

// NameEquals performs the case-insensitive name comparison required by
// spec.md §4.E.
func (p PartitionEntry) NameEquals(name string) bool {
	return strings.EqualFold(p.Name, name)
}

// FlashTask describes one write operation produced by an external
// super-partition resolver (out of scope per spec.md §1) and consumed in
// order by superflash.Apply. Never mutated after creation.
type FlashTask struct {
	PartitionName  string `json:"partition_name"`
	SourcePath     string `json:"source_path"`
	LUN            int    `json:"lun"`
	StartSectorAbs uint64 `json:"start_sector_abs"`
	SizeBytes      uint64 `json:"size_bytes"`
}

// ConnectionState is the finite state of the connection orchestrator
// (spec.md §3, §4.G). Transitions are the only way State changes.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	SaharaMode
	FirehoseMode
	Ready
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case SaharaMode:
		return "SaharaMode"
	case FirehoseMode:
		return "FirehoseMode"
	case Ready:
		return "Ready"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// AuthMode selects one of the polymorphic OEM authentication strategies of
// spec.md §4.F.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthSignature
	AuthChallenge
	AuthVendorN
)

// ResetMode selects the target of a Firehose power/reset command.
type ResetMode string

const (
	ResetReboot    ResetMode = "reset"
	ResetPowerOff  ResetMode = "off"
	ResetToEDL     ResetMode = "reset_to_edl"
)

// SummaryLogger and VerboseLogger are the two injected logging sinks of
// spec.md §6. The engine itself never imports a logging package; callers
// wire these to whatever sink they want (cmd/ uses the standard "log"
// package, matching the teacher's idiom).
type SummaryLogger func(format string, args ...any)
type VerboseLogger func(format string, args ...any)

// ByteProgress and PercentProgress are the two progress channels of
// spec.md §6, invoked synchronously from the operation's own call stack
// (spec.md §5 — no background work).
type ByteProgress func(transferred, total int64)
type PercentProgress func(percent float64)
