package connection

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/shirou/gopsutil/v3/disk"

	"qdl/pkg/edl"
	"qdl/pkg/edl/firehose"
	"qdl/pkg/edl/gpt"
)

// HardReset issues an immediate reboot regardless of session state,
// falling back to a Sahara-level reset machine when no Firehose session
// has been established yet (spec.md §4.G hardReset).
func (e *Engine) HardReset(ctx context.Context) error {
	if e.fh != nil {
		return e.fh.Reset(ctx, edl.ResetReboot)
	}
	if e.sah != nil {
		_, err := e.sah.ResetSahara(ctx, e.FrameTimeout, e.HelloTimeout)
		return err
	}
	return &edl.Error{Op: "connection.HardReset", Kind: edl.KindNotConnected}
}

// Authenticate resolves and runs the OEM authentication strategy for the
// connected chip (spec.md §4.G authenticate, §4.F). Signature auth already
// ran before configure, so it is a no-op here; this drives the
// challenge-response and post-configure vendor-handshake variants.
func (e *Engine) Authenticate(ctx context.Context) error {
	if err := e.requireReady("connection.Authenticate"); err != nil {
		return err
	}
	strat := e.AuthRegs.Resolve(e.Chip())
	if strat.Mode() == edl.AuthSignature {
		return nil
	}
	return strat.Authenticate(ctx, e.Chip(), e.fh)
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return uint64(math.Ceil(float64(a) / float64(b)))
}

// ReadAllGpt reads and caches the GPT header and entry array for every LUN
// in [0, numLUNs) (spec.md §4.G readAllGpt, §4.E).
func (e *Engine) ReadAllGpt(ctx context.Context, numLUNs int) error {
	if err := e.requireReady("connection.ReadAllGpt"); err != nil {
		return err
	}
	sectorSize := e.Storage.SectorSize

	for lun := 0; lun < numLUNs; lun++ {
		headerSector, err := e.fh.ReadSectors(ctx, lun, 1, 1, sectorSize)
		if err != nil {
			return fmt.Errorf("lun %d: read gpt header: %w", lun, err)
		}
		header, err := gpt.ParseHeader(headerSector)
		if err != nil {
			e.summary("connection: lun %d has no valid gpt, skipping", lun)
			continue
		}
		entrySectors := ceilDiv(uint64(header.NumEntries)*uint64(header.EntrySize), uint64(sectorSize))
		entryBytes, err := e.fh.ReadSectors(ctx, lun, header.PartitionEntryLBA, entrySectors, sectorSize)
		if err != nil {
			return fmt.Errorf("lun %d: read gpt entries: %w", lun, err)
		}
		entries, err := gpt.ParseEntries(header, entryBytes, lun)
		if err != nil {
			return fmt.Errorf("lun %d: parse gpt entries: %w", lun, err)
		}
		e.GPT.SetLUN(lun, entries)
		e.summary("connection: lun %d: %d partitions", lun, len(entries))
	}
	return nil
}

// FindPartition looks up a partition by name across every cached LUN
// (spec.md §4.G findPartition, §4.E).
func (e *Engine) FindPartition(name string) (edl.PartitionEntry, bool) {
	return e.GPT.Find(name)
}

// ReadPartition streams an entire named partition to destPath, after a
// disk-space preflight check on the destination filesystem (spec.md §4.G
// readPartition; supplemented preflight per SPEC_FULL.md domain stack).
func (e *Engine) ReadPartition(ctx context.Context, name, destPath string, progress edl.ByteProgress) error {
	if err := e.requireReady("connection.ReadPartition"); err != nil {
		return err
	}
	part, ok := e.FindPartition(name)
	if !ok {
		return &edl.Error{Op: "connection.ReadPartition", Kind: edl.KindNotFound, Err: fmt.Errorf("partition %q", name)}
	}
	size := part.SizeBytes(e.Storage.SectorSize)
	if err := checkDiskSpace(destPath, size); err != nil {
		return err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return &edl.Error{Op: "connection.ReadPartition", Kind: edl.KindIO, Err: err}
	}
	defer f.Close()

	sectorSize := e.Storage.SectorSize
	const maxChunkSectors = 2048
	total := part.SectorCount()

	var sent int64
	for off := uint64(0); off < total; off += maxChunkSectors {
		n := total - off
		if n > maxChunkSectors {
			n = maxChunkSectors
		}
		data, err := e.fh.ReadSectors(ctx, part.LUN, part.FirstLBA+off, n, sectorSize)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return &edl.Error{Op: "connection.ReadPartition", Kind: edl.KindIO, Err: err}
		}
		sent += int64(len(data))
		if progress != nil {
			progress(sent, int64(size))
		}
	}
	return nil
}

// WritePartition flashes srcPath onto the named partition, refusing to
// exceed the partition's sector span (spec.md §4.G writePartition).
func (e *Engine) WritePartition(ctx context.Context, name, srcPath string, progress edl.ByteProgress) error {
	if err := e.requireReady("connection.WritePartition"); err != nil {
		return err
	}
	part, ok := e.FindPartition(name)
	if !ok {
		return &edl.Error{Op: "connection.WritePartition", Kind: edl.KindNotFound, Err: fmt.Errorf("partition %q", name)}
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return &edl.Error{Op: "connection.WritePartition", Kind: edl.KindIO, Err: err}
	}
	if uint64(info.Size()) > part.SizeBytes(e.Storage.SectorSize) {
		return &edl.Error{Op: "connection.WritePartition", Kind: edl.KindBadImage,
			Err: fmt.Errorf("image %d bytes exceeds partition %q capacity %d bytes", info.Size(), name, part.SizeBytes(e.Storage.SectorSize))}
	}
	return e.fh.FlashPartitionFromFile(ctx, part.LUN, part.FirstLBA, name, srcPath, e.Storage.SectorSize, progress)
}

// WriteDirect writes srcPath to an explicit LUN/sector address, bypassing
// GPT name resolution — used for the GPT itself and other LUN-absolute
// writes (spec.md §4.G writeDirect). startSector is signed: a negative
// value addresses relative to the end of the LUN (spec.md §6 writeDirect;
// e.g. the backup GPT is commonly written this way).
func (e *Engine) WriteDirect(ctx context.Context, lun int, startSector int64, srcPath string, progress edl.ByteProgress) error {
	if err := e.requireReady("connection.WriteDirect"); err != nil {
		return err
	}
	if startSector < 0 {
		return e.fh.FlashPartitionWithNegativeSector(ctx, lun, startSector, srcPath, e.Storage.SectorSize, progress)
	}
	return e.fh.FlashPartitionFromFile(ctx, lun, uint64(startSector), "", srcPath, e.Storage.SectorSize, progress)
}

// ErasePartition issues a Firehose erase command over the named
// partition's full sector span (spec.md §4.G erasePartition).
func (e *Engine) ErasePartition(ctx context.Context, name string) error {
	if err := e.requireReady("connection.ErasePartition"); err != nil {
		return err
	}
	part, ok := e.FindPartition(name)
	if !ok {
		return &edl.Error{Op: "connection.ErasePartition", Kind: edl.KindNotFound, Err: fmt.Errorf("partition %q", name)}
	}
	return e.fh.ErasePartition(ctx, part.LUN, part.FirstLBA, part.SectorCount())
}

// ReadPartitionData reads a byte-granular slice from within a named
// partition — rounding out to full sectors as Firehose requires — and
// returns exactly [offset, offset+length) (spec.md §4.G readPartitionData).
func (e *Engine) ReadPartitionData(ctx context.Context, name string, offset, length uint64) ([]byte, error) {
	if err := e.requireReady("connection.ReadPartitionData"); err != nil {
		return nil, err
	}
	part, ok := e.FindPartition(name)
	if !ok {
		return nil, &edl.Error{Op: "connection.ReadPartitionData", Kind: edl.KindNotFound, Err: fmt.Errorf("partition %q", name)}
	}
	sectorSize := uint64(e.Storage.SectorSize)
	if offset+length > part.SizeBytes(e.Storage.SectorSize) {
		return nil, &edl.Error{Op: "connection.ReadPartitionData", Kind: edl.KindBadImage,
			Err: fmt.Errorf("range [%d,%d) exceeds partition %q size", offset, offset+length, name)}
	}
	startSector := offset / sectorSize
	endSector := ceilDiv(offset+length, sectorSize)
	data, err := e.fh.ReadSectors(ctx, part.LUN, part.FirstLBA+startSector, endSector-startSector, e.Storage.SectorSize)
	if err != nil {
		return nil, err
	}
	skip := offset - startSector*sectorSize
	return data[skip : skip+length], nil
}

// Reboot, PowerOff, and RebootToEDL issue the corresponding Firehose power
// command (spec.md §4.G reboot/powerOff/rebootToEdl).
func (e *Engine) Reboot(ctx context.Context) error     { return e.power(ctx, edl.ResetReboot) }
func (e *Engine) PowerOff(ctx context.Context) error   { return e.power(ctx, edl.ResetPowerOff) }
func (e *Engine) RebootToEDL(ctx context.Context) error { return e.power(ctx, edl.ResetToEDL) }

func (e *Engine) power(ctx context.Context, mode edl.ResetMode) error {
	if err := e.requireReady("connection.power"); err != nil {
		return err
	}
	return e.fh.Reset(ctx, mode)
}

// SetActiveSlot switches the A/B active slot on lun (spec.md §4.G
// setActiveSlot).
func (e *Engine) SetActiveSlot(ctx context.Context, lun int, slot edl.Slot) error {
	if err := e.requireReady("connection.SetActiveSlot"); err != nil {
		return err
	}
	return e.fh.SetActiveSlot(ctx, lun, slot, e.Storage.SectorSize)
}

// FixGpt recomputes and rewrites primary/backup GPT CRCs on lun via
// host-side read-modify-write (spec.md §4.G fixGpt).
func (e *Engine) FixGpt(ctx context.Context, lun int) error {
	if err := e.requireReady("connection.FixGpt"); err != nil {
		return err
	}
	return e.fh.FixGpt(ctx, lun, e.Storage.SectorSize)
}

// SetBootLun selects the boot LUN (spec.md §4.G setBootLun).
func (e *Engine) SetBootLun(ctx context.Context, lun int) error {
	if err := e.requireReady("connection.SetBootLun"); err != nil {
		return err
	}
	return e.fh.SetBootLun(ctx, lun)
}

// Ping round-trips a no-op to confirm the session is alive (spec.md §4.G
// ping).
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.requireReady("connection.Ping"); err != nil {
		return err
	}
	return e.fh.Ping(ctx)
}

// ApplyPatchFiles applies a sequence of GPT/image patches (spec.md §4.G
// applyPatchFiles, §4.D applyPatchXml).
func (e *Engine) ApplyPatchFiles(ctx context.Context, patches []firehose.PatchEntry) error {
	if err := e.requireReady("connection.ApplyPatchFiles"); err != nil {
		return err
	}
	return e.fh.ApplyPatchXML(ctx, patches)
}

// FlashMultiple writes each FlashTask in order to its absolute LUN/sector
// address (spec.md §4.G flashMultiple).
func (e *Engine) FlashMultiple(ctx context.Context, tasks []edl.FlashTask, progress edl.ByteProgress) error {
	if err := e.requireReady("connection.FlashMultiple"); err != nil {
		return err
	}
	var done, total int64
	for _, t := range tasks {
		total += int64(t.SizeBytes)
	}
	for _, t := range tasks {
		taskDone := done
		err := e.fh.FlashPartitionFromFile(ctx, t.LUN, t.StartSectorAbs, t.PartitionName, t.SourcePath, e.Storage.SectorSize,
			func(sent, _ int64) {
				if progress != nil {
					progress(taskDone+sent, total)
				}
			})
		if err != nil {
			return fmt.Errorf("flash %s: %w", t.PartitionName, err)
		}
		done += int64(t.SizeBytes)
	}
	return nil
}

// FlashSuperSplit writes a set of pre-split dynamic-partition images onto
// their resolved absolute sector addresses, identically to FlashMultiple —
// named separately per spec.md §4.G because the caller-side resolution
// differs (splitting a super.img is out of scope; SPEC_FULL.md's
// superflash package consumes an externally produced FlashTask list).
func (e *Engine) FlashSuperSplit(ctx context.Context, tasks []edl.FlashTask, progress edl.ByteProgress) error {
	return e.FlashMultiple(ctx, tasks, progress)
}

func checkDiskSpace(destPath string, need uint64) error {
	usage, err := disk.Usage(destDir(destPath))
	if err != nil {
		// Not every platform/sandbox exposes disk usage; don't block the
		// read on a diagnostics failure.
		return nil
	}
	if usage.Free < need {
		return &edl.Error{Op: "connection.checkDiskSpace", Kind: edl.KindIO,
			Err: fmt.Errorf("need %d bytes, only %d free on %s", need, usage.Free, usage.Path)}
	}
	return nil
}

func destDir(path string) string {
	dir := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			dir = path[:i]
			break
		}
	}
	if dir == path {
		return "."
	}
	return dir
}
