package firehose

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"qdl/pkg/edl"
	"qdl/pkg/edl/gpt"
	"qdl/pkg/edl/transport"
)

// DefaultCommandTimeout bounds how long Engine waits for a command's
// terminal ACK/NAK.
const DefaultCommandTimeout = 10 * time.Second

// DefaultRawTimeout bounds how long Engine waits for a raw sector payload.
const DefaultRawTimeout = 30 * time.Second

// PatchEntry is one GPT/image patch applied via ApplyPatchXML (spec.md
// §4.D applyPatchXml).
type PatchEntry struct {
	Filename        string
	LUN             uint64
	StartSector     string // decimal or "NUM_DISK_SECTORS-N." expression, passed through verbatim
	ByteOffset      uint64
	SizeInBytes     uint64
	Value           string
	What            string
}

// bootloaderPartitions names the partitions whose writes are wrapped in
// sha256sum_init/sha256sum_final so the device verifies a running hash over
// the whole image (spec.md §4.D flashPartitionFromFile).
var bootloaderPartitions = map[string]bool{
	"xbl":     true,
	"abl":     true,
	"imagefv": true,
}

func needsSHA256Wrap(partitionName string) bool {
	return bootloaderPartitions[strings.ToLower(partitionName)]
}

// Engine drives the high-level Firehose storage operations (spec.md §4.D)
// on top of a Framer. It is not safe for concurrent use.
type Engine struct {
	fr *Framer

	CommandTimeout time.Duration
	RawTimeout     time.Duration

	Summary edl.SummaryLogger
	Verbose edl.VerboseLogger

	// vipMode is set once a Signature auth strategy succeeds (spec.md
	// §4.F). While true, read commands carry the disguise envelope
	// attribute that unlocks otherwise-protected regions.
	vipMode bool
}

// NewEngine wraps an already-open Transport.
func NewEngine(tr transport.Transport) *Engine {
	return &Engine{
		fr:             NewFramer(tr),
		CommandTimeout: DefaultCommandTimeout,
		RawTimeout:     DefaultRawTimeout,
	}
}

// Prime seeds the Framer's receive buffer with bytes a prior protocol
// layer already drained off the same transport.
func (e *Engine) Prime(data []byte) { e.fr.Prime(data) }

// SetVIPMode toggles the disguise envelope on subsequent read commands. It
// satisfies auth.CommandSender, letting the Signature strategy unlock
// protected-region reads once setprojmodel/setxtsencryption succeed.
func (e *Engine) SetVIPMode(enabled bool) { e.vipMode = enabled }

// applyDisguise appends the disguise envelope attribute to attrs when VIP
// mode is active. The exact wire shape of the envelope is an open question
// (spec.md §9); this models it as a single opaque boolean attribute.
func (e *Engine) applyDisguise(attrs []Attr) []Attr {
	if !e.vipMode {
		return attrs
	}
	return append(attrs, A("Disguise", 1))
}

func (e *Engine) summary(format string, args ...any) {
	if e.Summary != nil {
		e.Summary(format, args...)
	}
}

// awaitAck pumps ReceiveFrame, forwarding log lines to Summary, until a
// terminal response arrives (spec.md §4.C: a command may be preceded by
// any number of log-only documents).
func (e *Engine) awaitAck(ctx context.Context) (*AckFrame, error) {
	var logs []string
	for {
		f, err := e.fr.ReceiveFrame(ctx, e.CommandTimeout)
		if err != nil {
			return nil, err
		}
		for _, line := range f.Logs {
			e.summary("firehose: %s", line)
		}
		logs = append(logs, f.Logs...)
		if f.Ack != nil {
			if !f.Ack.IsACK() {
				return f.Ack, &edl.Error{Op: "firehose.awaitAck", Kind: edl.KindNak, Log: strings.Join(logs, "\n")}
			}
			return f.Ack, nil
		}
	}
}

// Configure negotiates the session: storage protocol, verbosity, and chunk
// sizes. It updates the Framer's chunk ceilings from the device's reply
// when present (spec.md §4.D configure).
func (e *Engine) Configure(ctx context.Context, storage edl.StorageDescriptor) error {
	attrs := []Attr{
		A("MemoryName", storageKindString(storage.Kind)),
		A("Verbose", 0),
		A("AlwaysValidate", 0),
		A("MaxDigestTableSizeInBytes", 2048),
		A("MaxPayloadSizeToTargetInBytes", e.fr.MaxPayloadToTarget),
		A("ZlpAwareHost", 1),
		A("SkipStorageInit", 0),
		A("SkipWrite", 0),
	}
	if err := e.fr.SendCommand(ctx, "configure", attrs); err != nil {
		return err
	}
	ack, err := e.awaitAck(ctx)
	if err != nil {
		return err
	}
	if v, ok := ack.Attrs["MaxPayloadSizeToTargetInBytes"]; ok {
		if n := parseUintAttr(v); n > 0 {
			e.fr.MaxPayloadToTarget = n
		}
	}
	if v, ok := ack.Attrs["MaxPayloadSizeFromTargetInBytes"]; ok {
		if n := parseUintAttr(v); n > 0 {
			e.fr.MaxPayloadFromTarget = n
		}
	}
	return nil
}

func parseUintAttr(s string) uint32 {
	var n uint32
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0
	}
	return n
}

func storageKindString(k edl.StorageKind) string {
	switch k {
	case edl.StorageUFS:
		return "UFS"
	case edl.StorageEMMC:
		return "eMMC"
	case edl.StorageNAND:
		return "nand"
	case edl.StorageSPINOR:
		return "spinor"
	default:
		return "UFS"
	}
}

// ReadSectors reads numSectors sectors starting at startSector on lun.
func (e *Engine) ReadSectors(ctx context.Context, lun int, startSector, numSectors uint64, sectorSize uint32) ([]byte, error) {
	attrs := e.applyDisguise([]Attr{
		A("PHYSICAL_PARTITION_NUMBER", lun),
		A("start_sector", startSector),
		A("num_partition_sectors", numSectors),
		A("SECTOR_SIZE_IN_BYTES", sectorSize),
	})
	if err := e.fr.SendCommand(ctx, "read", attrs); err != nil {
		return nil, err
	}
	ack, err := e.awaitAck(ctx)
	if err != nil {
		return nil, err
	}
	if !ack.RawMode {
		return nil, &edl.Error{Op: "firehose.ReadSectors", Kind: edl.KindProtocol,
			Err: fmt.Errorf("device ack did not enter rawmode")}
	}
	want := int(numSectors) * int(sectorSize)
	data, err := e.fr.ReadRaw(ctx, want, e.RawTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := e.awaitAck(ctx); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteSectors writes data (an exact multiple of sectorSize) starting at
// startSector on lun.
func (e *Engine) WriteSectors(ctx context.Context, lun int, startSector uint64, data []byte, sectorSize uint32) error {
	return e.writeSectorsExpr(ctx, lun, fmt.Sprint(startSector), data, sectorSize)
}

// writeSectorsExpr is WriteSectors generalized to a literal start_sector
// expression (e.g. "NUM_DISK_SECTORS-34.") so the device, not the host,
// resolves offset-from-end addressing (spec.md §4.D
// flashPartitionWithNegativeSector).
func (e *Engine) writeSectorsExpr(ctx context.Context, lun int, startSectorExpr string, data []byte, sectorSize uint32) error {
	if len(data)%int(sectorSize) != 0 {
		return &edl.Error{Op: "firehose.WriteSectors", Kind: edl.KindBadImage,
			Err: fmt.Errorf("payload length %d is not a multiple of sector size %d", len(data), sectorSize)}
	}
	numSectors := uint64(len(data)) / uint64(sectorSize)
	attrs := []Attr{
		A("PHYSICAL_PARTITION_NUMBER", lun),
		A("start_sector", startSectorExpr),
		A("num_partition_sectors", numSectors),
		A("SECTOR_SIZE_IN_BYTES", sectorSize),
	}
	if err := e.fr.SendCommand(ctx, "program", attrs); err != nil {
		return err
	}
	ack, err := e.awaitAck(ctx)
	if err != nil {
		return err
	}
	if !ack.RawMode {
		return &edl.Error{Op: "firehose.WriteSectors", Kind: edl.KindProtocol,
			Err: fmt.Errorf("device ack did not enter rawmode")}
	}
	if err := e.fr.WriteRaw(ctx, data); err != nil {
		return err
	}
	_, err = e.awaitAck(ctx)
	return err
}

// sha256Command sends a bare sha256sum_init/sha256sum_final tag.
func (e *Engine) sha256Command(ctx context.Context, tag string) error {
	if err := e.fr.SendCommand(ctx, tag, nil); err != nil {
		return err
	}
	_, err := e.awaitAck(ctx)
	return err
}

func padToSector(data []byte, sectorSize uint32) []byte {
	if len(data)%int(sectorSize) == 0 {
		return data
	}
	padded := make([]byte, (len(data)/int(sectorSize)+1)*int(sectorSize))
	copy(padded, data)
	return padded
}

// FlashPartitionFromFile streams path onto lun starting at startSector,
// chunked to the negotiated write-chunk size, reporting byte progress.
// partitionName drives the sha256sum_init/sha256sum_final wrap for named
// bootloader partitions (spec.md §4.D); pass "" when the caller is writing
// to a raw sector range rather than a named partition.
func (e *Engine) FlashPartitionFromFile(ctx context.Context, lun int, startSector uint64, partitionName, path string, sectorSize uint32, progress edl.ByteProgress) error {
	f, err := os.Open(path)
	if err != nil {
		return &edl.Error{Op: "firehose.FlashPartitionFromFile", Kind: edl.KindIO, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &edl.Error{Op: "firehose.FlashPartitionFromFile", Kind: edl.KindIO, Err: err}
	}
	total := info.Size()

	wrap := needsSHA256Wrap(partitionName)
	if wrap {
		if err := e.sha256Command(ctx, "sha256sum_init"); err != nil {
			return err
		}
	}

	chunkSectors := uint64(e.fr.MaxPayloadFromTarget) / uint64(sectorSize)
	if chunkSectors == 0 {
		chunkSectors = 1
	}
	chunkBytes := int(chunkSectors * uint64(sectorSize))
	buf := make([]byte, chunkBytes)

	var sent int64
	sector := startSector
	for {
		n, rerr := io.ReadFull(f, buf)
		if n == 0 {
			if rerr == io.EOF {
				break
			}
			return &edl.Error{Op: "firehose.FlashPartitionFromFile", Kind: edl.KindIO, Err: rerr}
		}
		chunk := padToSector(buf[:n], sectorSize)
		if err := e.WriteSectors(ctx, lun, sector, chunk, sectorSize); err != nil {
			return err
		}
		sector += uint64(len(chunk)) / uint64(sectorSize)
		sent += int64(n)
		if progress != nil {
			progress(sent, total)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return &edl.Error{Op: "firehose.FlashPartitionFromFile", Kind: edl.KindIO, Err: rerr}
		}
	}

	if wrap {
		if err := e.sha256Command(ctx, "sha256sum_final"); err != nil {
			return err
		}
	}
	return nil
}

// FlashPartitionWithNegativeSector writes path starting at a sector
// expressed as an offset from the end of the LUN, emitting the literal
// "NUM_DISK_SECTORS-k." expression as the wire start_sector so the device
// resolves the absolute LBA itself (spec.md §4.D
// flashPartitionWithNegativeSector: the backup GPT and similar structures
// are addressed relative to the end of the LUN, which only the device
// knows the true size of).
func (e *Engine) FlashPartitionWithNegativeSector(ctx context.Context, lun int, negativeOffset int64, path string, sectorSize uint32, progress edl.ByteProgress) error {
	if negativeOffset >= 0 {
		return &edl.Error{Op: "firehose.FlashPartitionWithNegativeSector", Kind: edl.KindBadImage,
			Err: fmt.Errorf("offset %d is not negative", negativeOffset)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &edl.Error{Op: "firehose.FlashPartitionWithNegativeSector", Kind: edl.KindIO, Err: err}
	}
	total := int64(len(data))
	padded := padToSector(data, sectorSize)

	expr := fmt.Sprintf("NUM_DISK_SECTORS-%d.", -negativeOffset)
	if err := e.writeSectorsExpr(ctx, lun, expr, padded, sectorSize); err != nil {
		return err
	}
	if progress != nil {
		progress(total, total)
	}
	return nil
}

// ErasePartition sends an <erase/> command covering numSectors sectors
// starting at startSector; no data is written by the host.
func (e *Engine) ErasePartition(ctx context.Context, lun int, startSector, numSectors uint64) error {
	attrs := []Attr{
		A("PHYSICAL_PARTITION_NUMBER", lun),
		A("start_sector", startSector),
		A("num_partition_sectors", numSectors),
	}
	if err := e.fr.SendCommand(ctx, "erase", attrs); err != nil {
		return err
	}
	_, err := e.awaitAck(ctx)
	return err
}

// ApplyPatchXML applies a sequence of GPT/image patches, aborting on the
// first NAK (spec.md §4.D applyPatchXml).
func (e *Engine) ApplyPatchXML(ctx context.Context, patches []PatchEntry) error {
	for _, p := range patches {
		attrs := []Attr{
			A("filename", p.Filename),
			A("physical_partition_number", p.LUN),
			A("start_sector", p.StartSector),
			A("byte_offset", p.ByteOffset),
			A("size_in_bytes", p.SizeInBytes),
			A("value", p.Value),
		}
		if p.What != "" {
			attrs = append(attrs, A("what", p.What))
		}
		if err := e.fr.SendCommand(ctx, "patch", attrs); err != nil {
			return err
		}
		if _, err := e.awaitAck(ctx); err != nil {
			return fmt.Errorf("patch %s@%s: %w", p.Filename, p.StartSector, err)
		}
	}
	return nil
}

// Reset issues a power command. Devices commonly drop the link before
// replying, so a timeout waiting for the ACK is treated as success rather
// than an error.
func (e *Engine) Reset(ctx context.Context, mode edl.ResetMode) error {
	if err := e.fr.SendCommand(ctx, "power", []Attr{A("value", string(mode))}); err != nil {
		return err
	}
	_, err := e.awaitAck(ctx)
	if err != nil && isErrorKind(err, edl.KindTimeout) {
		return nil
	}
	return err
}

func isErrorKind(err error, k edl.Kind) bool {
	var ee *edl.Error
	if e, ok := err.(*edl.Error); ok {
		ee = e
	} else {
		return false
	}
	return ee.Kind == k
}

// slotSuffixes maps a target edl.Slot to the partition-name suffix that
// becomes active and the suffix that becomes inactive (spec.md §4.D
// setActiveSlot: Android A/B partitions are named with a trailing "_a"/"_b").
func slotSuffixes(slot edl.Slot) (want, other string, err error) {
	switch slot {
	case edl.SlotA:
		return "_a", "_b", nil
	case edl.SlotB:
		return "_b", "_a", nil
	default:
		return "", "", &edl.Error{Op: "firehose.SetActiveSlot", Kind: edl.KindBadImage, Err: fmt.Errorf("slot has no a/b designation")}
	}
}

func ceilDivU64(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// readGPT reads the primary GPT header and its full entry array off lun.
func (e *Engine) readGPT(ctx context.Context, lun int, sectorSize uint32) (gpt.Header, []byte, error) {
	headerSector, err := e.ReadSectors(ctx, lun, 1, 1, sectorSize)
	if err != nil {
		return gpt.Header{}, nil, err
	}
	header, err := gpt.ParseHeader(headerSector)
	if err != nil {
		return gpt.Header{}, nil, err
	}
	entrySectors := ceilDivU64(uint64(header.NumEntries)*uint64(header.EntrySize), uint64(sectorSize))
	entryBytes, err := e.ReadSectors(ctx, lun, header.PartitionEntryLBA, entrySectors, sectorSize)
	if err != nil {
		return gpt.Header{}, nil, err
	}
	return header, entryBytes, nil
}

// writeGPT writes header and entryBytes back as the primary GPT, then
// mirrors the entry array and a header with MyLBA/AlternateLBA swapped to
// the backup location named by header.AlternateLBA, recomputing the
// backup header's own CRCs (spec.md §4.D fixGpt/setActiveSlot: both the
// primary and backup tables must stay consistent).
func (e *Engine) writeGPT(ctx context.Context, lun int, header gpt.Header, entryBytes []byte, sectorSize uint32) error {
	if err := e.WriteSectors(ctx, lun, header.PartitionEntryLBA, entryBytes, sectorSize); err != nil {
		return err
	}
	if err := e.WriteSectors(ctx, lun, header.MyLBA, padToSector(gpt.EncodeHeader(header), sectorSize), sectorSize); err != nil {
		return err
	}
	if header.AlternateLBA == 0 {
		return nil
	}

	entrySectors := ceilDivU64(uint64(header.NumEntries)*uint64(header.EntrySize), uint64(sectorSize))
	backupEntryLBA := header.AlternateLBA - entrySectors
	if err := e.WriteSectors(ctx, lun, backupEntryLBA, entryBytes, sectorSize); err != nil {
		return err
	}

	backup := header
	backup.MyLBA, backup.AlternateLBA = header.AlternateLBA, header.MyLBA
	backup.PartitionEntryLBA = backupEntryLBA
	gpt.RecomputeCRCs(&backup, entryBytes)
	return e.WriteSectors(ctx, lun, backup.MyLBA, padToSector(gpt.EncodeHeader(backup), sectorSize), sectorSize)
}

// SetActiveSlot performs a host-side GPT read-modify-write, setting the
// A/B slot attribute bits (48-55) of the GPT entry flags for every
// partition matching the requested slot's name suffix and clearing them
// for its counterpart, then recomputing and rewriting both GPT copies
// (spec.md §4.D setActiveSlot).
func (e *Engine) SetActiveSlot(ctx context.Context, lun int, slot edl.Slot, sectorSize uint32) error {
	want, other, err := slotSuffixes(slot)
	if err != nil {
		return err
	}

	header, entryBytes, err := e.readGPT(ctx, lun, sectorSize)
	if err != nil {
		return err
	}

	for i := 0; i < int(header.NumEntries); i++ {
		name := strings.ToLower(gpt.EntryName(entryBytes, header, i))
		switch {
		case strings.HasSuffix(name, want):
			gpt.ApplySlotAttribute(entryBytes, header, i, true)
		case strings.HasSuffix(name, other):
			gpt.ApplySlotAttribute(entryBytes, header, i, false)
		}
	}

	gpt.RecomputeCRCs(&header, entryBytes)
	return e.writeGPT(ctx, lun, header, entryBytes, sectorSize)
}

// FixGpt recomputes and rewrites the primary and backup GPT header and
// entry-array CRC32s on lun via host-side read-modify-write (spec.md §4.D
// fixGpt).
func (e *Engine) FixGpt(ctx context.Context, lun int, sectorSize uint32) error {
	header, entryBytes, err := e.readGPT(ctx, lun, sectorSize)
	if err != nil {
		return err
	}
	gpt.RecomputeCRCs(&header, entryBytes)
	return e.writeGPT(ctx, lun, header, entryBytes, sectorSize)
}

// Ping round-trips a no-op command to confirm the Firehose session is
// alive (spec.md §4.D ping).
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.fr.SendCommand(ctx, "nop", nil); err != nil {
		return err
	}
	_, err := e.awaitAck(ctx)
	return err
}

// SetBootLun selects which LUN the device boots from on eMMC/UFS targets
// that expose multiple boot partitions.
func (e *Engine) SetBootLun(ctx context.Context, lun int) error {
	attrs := []Attr{A("LUN", lun)}
	if err := e.fr.SendCommand(ctx, "setbootablestoragedrive", attrs); err != nil {
		return err
	}
	_, err := e.awaitAck(ctx)
	return err
}

// SendRaw sends an arbitrary tagged command with string attributes and
// reports whether the terminal response was an ACK. It satisfies
// auth.CommandSender, letting auth.Strategy implementations issue
// vendor-specific handshake commands without firehose depending on auth.
func (e *Engine) SendRaw(ctx context.Context, tag string, attrs map[string]string) (map[string]string, bool, error) {
	var list []Attr
	for k, v := range attrs {
		list = append(list, A(k, v))
	}
	if err := e.fr.SendCommand(ctx, tag, list); err != nil {
		return nil, false, err
	}
	ack, err := e.awaitAck(ctx)
	if err != nil {
		if ack != nil {
			return ack.Attrs, false, nil
		}
		return nil, false, err
	}
	return ack.Attrs, true, nil
}
