package journal

import (
	"fmt"
	"sync/atomic"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal/format"
	"github.com/slatefs/slatefs/utils/log"
)

// writer owns the write-ahead protocol: it writes entries into the
// circular journal region, then writes the same payload to its final
// device locations, and keeps the superblock from being overtaken by
// the cursor. All metadata writes reach it through the journal's single
// sequencer goroutine, so its cursor state needs no locking; only the
// failure latch is shared with the pipelined data writers.
type writer struct {
	d   disk.Disk
	cfg Config

	// info is the last-persisted superblock view, used to detect when a
	// persist is overdue.
	info format.Info

	nextSequenceNumber uint64
	// nextEntryStart is an offset within the entries region.
	nextEntryStart uint64

	disabled  atomic.Bool
	dataDirty atomic.Bool
}

// newWriter starts from the superblock as persisted on disk plus the
// cursor state recovered by replay. The two differ after a replay that
// advanced the sequence number: the first entry written then finds the
// region "full" (head==tail with an advanced sequence number) and
// persists the superblock before touching the entries region.
func newWriter(d disk.Disk, cfg Config, persisted, recovered format.Info) *writer {
	return &writer{
		d:                  d,
		cfg:                cfg,
		info:               persisted,
		nextSequenceNumber: recovered.SequenceNumber,
		nextEntryStart:     recovered.Start,
	}
}

// disableWriteback latches the writer into a permanent failure state.
// Every later write attempt short-circuits without touching the device;
// recovery requires a remount and replay.
func (w *writer) disableWriteback() {
	if !w.disabled.Swap(true) {
		log.Error("journal: device write failed, disabling writeback; filesystem is now read-only")
	}
}

func (w *writer) writebackDisabled() bool {
	return w.disabled.Load()
}

// WriteData issues final-location writes that bypass the journal. A
// failure latches the writer: a partial unjournaled write cannot be
// retried safely.
func (w *writer) WriteData(ops []format.Operation) error {
	if w.writebackDisabled() {
		return ErrWritebackRefused
	}
	for _, op := range ops {
		if err := w.d.WriteBatch(op.DevOffset, op.Blocks); err != nil {
			w.disableWriteback()
			return fmt.Errorf("data write of %d blocks at %d: %w", op.Length(), op.DevOffset, err)
		}
	}
	w.dataDirty.Store(true)
	return nil
}

// occupancy classifies the circular entries region. The head==tail case
// is ambiguous between empty and full; the tie is broken by whether the
// sequence number has advanced past the persisted superblock.
type occupancy int

const (
	occupancyEmpty occupancy = iota
	occupancyPartial
	occupancyFull
)

func (w *writer) regionOccupancy() (occupancy, uint64) {
	head := w.info.Start
	tail := w.nextEntryStart
	length := w.cfg.EntriesLength()
	if head == tail {
		if w.info.SequenceNumber == w.nextSequenceNumber {
			return occupancyEmpty, 0
		}
		return occupancyFull, length
	}
	return occupancyPartial, (tail - head + length) % length
}

// writeInfoBlockIfIntersect persists the superblock before an entry of
// blockCount blocks whenever that entry would otherwise overwrite
// history the persisted start pointer still refers to. Never destroy
// unreplayed history without first advancing the documented start
// pointer past it.
func (w *writer) writeInfoBlockIfIntersect(blockCount uint64) error {
	state, used := w.regionOccupancy()
	if state == occupancyFull || w.cfg.EntriesLength()-used < blockCount {
		return w.writeInfoBlock()
	}
	return nil
}

func (w *writer) writeInfoBlock() error {
	// Entries behind the new start pointer must be durable at their
	// final locations before the pointer abandons them.
	if err := w.d.Barrier(); err != nil {
		w.disableWriteback()
		return fmt.Errorf("flush before journal info update: %w", err)
	}
	w.info.Update(w.nextEntryStart, w.nextSequenceNumber)
	if err := storeInfo(w.d, w.cfg, w.info); err != nil {
		w.disableWriteback()
		return err
	}
	w.dataDirty.Store(false)
	log.Debug("journal: info block persisted start=%d seq=%d", w.info.Start, w.info.SequenceNumber)
	return nil
}

// WriteMetadata runs the two-phase protocol for one entry: persist the
// superblock if the entry would intersect unreplayed history, write the
// encoded entry into the journal region (splitting on wraparound),
// flush it, then write the payload to its final locations.
func (w *writer) WriteMetadata(ops []format.Operation, view []disk.Block) error {
	if w.writebackDisabled() {
		return ErrWritebackRefused
	}
	blockCount := uint64(len(view))
	if err := w.writeInfoBlockIfIntersect(blockCount); err != nil {
		return err
	}

	sequenceNumber := w.nextSequenceNumber
	format.EncodeEntry(view, ops, sequenceNumber)

	if err := w.writeEntryToJournal(view); err != nil {
		w.disableWriteback()
		return fmt.Errorf("journal write of entry seq=%d: %w", sequenceNumber, err)
	}
	w.nextEntryStart = (w.nextEntryStart + blockCount) % w.cfg.EntriesLength()
	w.nextSequenceNumber++

	// The staged copy was escaped for the journal; restore the original
	// bytes before they go to their final locations.
	if err := format.DecodePayloadBlocks(view); err != nil {
		w.disableWriteback()
		return fmt.Errorf("unescape entry seq=%d: %w", sequenceNumber, err)
	}
	for _, op := range ops {
		if err := w.d.WriteBatch(op.DevOffset, op.Blocks); err != nil {
			w.disableWriteback()
			return fmt.Errorf("final-location write of %d blocks at %d: %w",
				op.Length(), op.DevOffset, err)
		}
	}
	w.dataDirty.Store(true)
	log.Debug("journal: entry seq=%d committed, %d payload blocks", sequenceNumber,
		blockCount-format.EntryMetadataBlocks)
	return nil
}

// writeEntryToJournal writes the encoded entry at the cursor, as one
// operation or as two when the entry straddles the region's end. The
// barrier afterwards is the commit point: replay can reconstruct the
// final-location writes from this moment on.
func (w *writer) writeEntryToJournal(view []disk.Block) error {
	blockCount := uint64(len(view))
	contiguous := w.cfg.EntriesLength() - w.nextEntryStart
	if contiguous > blockCount {
		contiguous = blockCount
	}
	if err := w.d.WriteBatch(w.cfg.EntriesStartBlock()+w.nextEntryStart, view[:contiguous]); err != nil {
		return err
	}
	if contiguous < blockCount {
		if err := w.d.WriteBatch(w.cfg.EntriesStartBlock(), view[contiguous:]); err != nil {
			return err
		}
	}
	return w.d.Barrier()
}

// Sync persists the superblock if any entry has committed since the
// last persist, and flushes plain data writes. With nothing to do it
// performs no device writes at all.
func (w *writer) Sync() error {
	if w.writebackDisabled() {
		return ErrWritebackRefused
	}
	if w.info.Start == w.nextEntryStart && w.info.SequenceNumber == w.nextSequenceNumber {
		if w.dataDirty.Swap(false) {
			if err := w.d.Barrier(); err != nil {
				w.disableWriteback()
				return fmt.Errorf("flush data writes: %w", err)
			}
		}
		return nil
	}
	return w.writeInfoBlock()
}
