package journal

import (
	"fmt"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal/format"
	"github.com/slatefs/slatefs/utils/log"
)

// replayScanner walks the circular entries region parsing committed
// entries one position at a time. It is the explicit form of the "keep
// parsing until something fails" recovery loop: position and expected
// sequence number advance only on a fully validated entry.
type replayScanner struct {
	d   disk.Disk
	cfg Config

	// position is an offset within the entries region.
	position       uint64
	sequenceNumber uint64
}

// parsedEntry is one validated, decoded entry.
type parsedEntry struct {
	header *format.Header
	// payload blocks with escaping already reversed.
	payload []disk.Block
	// length is the entry's total size in blocks.
	length uint64
}

// scanStop describes why scanning stopped at the current position.
// claimedLength is the total entry length the (partially parseable)
// header claimed, or zero when not even that can be trusted; it is what
// lets the caller probe for a valid successor behind a corrupt entry.
type scanStop struct {
	claimedLength uint64
	reason        string
}

func (s *replayScanner) readRegionBlock(offset uint64) (disk.Block, error) {
	b, err := s.d.Read(s.cfg.EntriesStartBlock() + offset%s.cfg.EntriesLength())
	if err != nil {
		return nil, fmt.Errorf("read journal block at region offset %d: %w", offset, err)
	}
	return b, nil
}

// plausibleLength reports whether a header's payload count could
// describe a real entry in this region.
func (s *replayScanner) plausibleLength(payloadBlocks uint64) bool {
	return payloadBlocks != 0 &&
		payloadBlocks <= format.MaxBlockDescriptors &&
		payloadBlocks+format.EntryMetadataBlocks <= s.cfg.EntriesLength()
}

// next attempts to parse the entry at the current position. On success
// the scanner advances past it. A scanStop means the entry did not
// validate; the scanner does not advance. An error is a device failure
// or an unsupported record.
func (s *replayScanner) next() (*parsedEntry, *scanStop, error) {
	headerBlock, err := s.readRegionBlock(s.position)
	if err != nil {
		return nil, nil, err
	}
	header, err := format.ParseHeader(headerBlock)
	if err != nil {
		return nil, &scanStop{reason: "no entry header"}, nil
	}
	payloadBlocks := uint64(header.PayloadBlocks)
	if !s.plausibleLength(payloadBlocks) {
		// A zero or absurd length also means the claimed length is
		// worthless for the successor probe.
		return nil, &scanStop{reason: "implausible payload block count"}, nil
	}
	length := payloadBlocks + format.EntryMetadataBlocks
	if header.SequenceNumber != s.sequenceNumber {
		return nil, &scanStop{claimedLength: length, reason: "unexpected sequence number"}, nil
	}

	view := make([]disk.Block, length)
	view[0] = headerBlock
	for i := uint64(1); i < length; i++ {
		view[i], err = s.readRegionBlock(s.position + i)
		if err != nil {
			return nil, nil, err
		}
	}
	commit, err := format.ParseCommit(view[length-1])
	if err != nil {
		return nil, &scanStop{claimedLength: length, reason: "no commit block"}, nil
	}
	if commit.SequenceNumber != header.SequenceNumber {
		// Header and commit disagree: a torn entry.
		return nil, &scanStop{claimedLength: length, reason: "torn entry"}, nil
	}
	if format.CalculateChecksum(view) != commit.Checksum {
		return nil, &scanStop{claimedLength: length, reason: "checksum mismatch"}, nil
	}

	if header.ObjectType() == format.ObjectTypeRevocation {
		// A committed record we have no replay semantics for must not
		// be ignored silently.
		return nil, nil, fmt.Errorf("entry seq=%d: %w", header.SequenceNumber, ErrNotSupported)
	}
	if err := format.DecodePayloadBlocks(view); err != nil {
		return nil, nil, fmt.Errorf("unescape entry seq=%d: %w", header.SequenceNumber, err)
	}

	s.position = (s.position + length) % s.cfg.EntriesLength()
	s.sequenceNumber = header.SequenceNumber + 1
	return &parsedEntry{
		header:  header,
		payload: view[format.EntryHeaderBlocks : length-format.EntryCommitBlocks],
		length:  length,
	}, nil, nil
}

// successorLooksValid probes the slot past a corrupt entry of
// claimedLength blocks for a header carrying the next sequence number.
// Finding one means the corruption sits between two committed entries:
// a hole in history, not the end of it.
func (s *replayScanner) successorLooksValid(claimedLength uint64) (bool, error) {
	b, err := s.readRegionBlock(s.position + claimedLength)
	if err != nil {
		return false, err
	}
	header, err := format.ParseHeader(b)
	if err != nil {
		return false, nil
	}
	return header.SequenceNumber == s.sequenceNumber+1 &&
		s.plausibleLength(uint64(header.PayloadBlocks)), nil
}

// replayOp is a coalesced run of replayed blocks with contiguous final
// locations.
type replayOp struct {
	devOffset uint64
	blocks    []disk.Block
}

// appendReplayOps folds an entry's payload into the accumulated final
// writes, extending the previous run while targets stay contiguous.
func appendReplayOps(ops []replayOp, entry *parsedEntry) []replayOp {
	for i, b := range entry.payload {
		target := entry.header.TargetBlock(uint64(i))
		if n := len(ops); n > 0 && target == ops[n-1].devOffset+uint64(len(ops[n-1].blocks)) {
			ops[n-1].blocks = append(ops[n-1].blocks, b)
			continue
		}
		ops = append(ops, replayOp{devOffset: target, blocks: []disk.Block{b}})
	}
	return ops
}

// ReplayJournal is the one-shot recovery pass run at mount, before any
// Journal is constructed. It parses committed entries from the
// superblock's recorded start, re-issues their final-location writes,
// and returns the recovered state: start as persisted, sequence number
// advanced past the last committed entry.
//
// Replay is idempotent: entries describe whole-block overwrites, so
// re-applying an already-applied journal reproduces the same device
// state.
func ReplayJournal(d disk.Disk, cfg Config) (format.Info, error) {
	if err := cfg.Validate(); err != nil {
		return format.Info{}, err
	}
	info, err := LoadInfo(d, cfg)
	if err != nil {
		return format.Info{}, err
	}

	scanner := &replayScanner{
		d:              d,
		cfg:            cfg,
		position:       info.Start,
		sequenceNumber: info.SequenceNumber,
	}
	var (
		ops     []replayOp
		entries uint64
	)
	for {
		entry, stop, err := scanner.next()
		if err != nil {
			return format.Info{}, err
		}
		if stop != nil {
			if stop.claimedLength != 0 {
				valid, err := scanner.successorLooksValid(stop.claimedLength)
				if err != nil {
					return format.Info{}, err
				}
				if valid {
					return format.Info{}, fmt.Errorf(
						"entry seq=%d invalid (%s) but a committed successor follows: %w",
						scanner.sequenceNumber, stop.reason, ErrDataIntegrity)
				}
			}
			log.Debug("journal: replay stopped at region offset %d (%s)",
				scanner.position, stop.reason)
			break
		}
		ops = appendReplayOps(ops, entry)
		entries++
	}

	if len(ops) > 0 {
		for _, op := range ops {
			if err := d.WriteBatch(op.devOffset, op.blocks); err != nil {
				return format.Info{}, fmt.Errorf("replay write of %d blocks at %d: %w",
					len(op.blocks), op.devOffset, err)
			}
		}
		if err := d.Barrier(); err != nil {
			return format.Info{}, fmt.Errorf("flush replayed writes: %w", err)
		}
	}
	if entries > 0 {
		log.Info("journal: replayed %d entries, next sequence number %d",
			entries, scanner.sequenceNumber)
	}

	// Start stays as recorded; only the sequence number advances. The
	// writer persists the moved start the first time it needs the space.
	return format.Info{Start: info.Start, SequenceNumber: scanner.sequenceNumber}, nil
}

// EntryInfo is a read-only view of one committed entry, as produced by
// InspectJournal.
type EntryInfo struct {
	SequenceNumber uint64
	// Position is the entry's offset within the entries region.
	Position uint64
	// Targets holds the final device block of each payload block.
	Targets []uint64
	// Escaped flags payload blocks that were escaped on disk.
	Escaped []bool
}

// InspectJournal walks the committed entries without writing anything,
// calling visit for each. It shares the replay scanner, so it stops
// where replay would stop and fails where replay would refuse the
// mount.
func InspectJournal(d disk.Disk, cfg Config, visit func(EntryInfo) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	info, err := LoadInfo(d, cfg)
	if err != nil {
		return err
	}
	scanner := &replayScanner{
		d:              d,
		cfg:            cfg,
		position:       info.Start,
		sequenceNumber: info.SequenceNumber,
	}
	for {
		position := scanner.position
		entry, stop, err := scanner.next()
		if err != nil {
			return err
		}
		if stop != nil {
			if stop.claimedLength != 0 {
				valid, err := scanner.successorLooksValid(stop.claimedLength)
				if err != nil {
					return err
				}
				if valid {
					return fmt.Errorf("entry seq=%d invalid (%s) but a committed successor follows: %w",
						scanner.sequenceNumber, stop.reason, ErrDataIntegrity)
				}
			}
			return nil
		}
		payloadBlocks := uint64(entry.header.PayloadBlocks)
		view := EntryInfo{
			SequenceNumber: entry.header.SequenceNumber,
			Position:       position,
			Targets:        make([]uint64, payloadBlocks),
			Escaped:        make([]bool, payloadBlocks),
		}
		for i := uint64(0); i < payloadBlocks; i++ {
			view.Targets[i] = entry.header.TargetBlock(i)
			view.Escaped[i] = entry.header.TargetFlags(i)&format.TargetFlagEscaped != 0
		}
		if err := visit(view); err != nil {
			return err
		}
	}
}
