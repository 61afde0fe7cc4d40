package format

import (
	"fmt"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/slatefs/slatefs/disk"
)

// Info is the journal superblock: the start of the oldest unreplayed
// entry (an offset within the entries region) and the next sequence
// number replay expects there. It is loaded once at mount and rewritten
// by the writer when the log would otherwise eat its own head.
type Info struct {
	Start          uint64
	SequenceNumber uint64
}

// infoChecksumOffset is where the u32 checksum sits in the marshaled info
// block: after the magic and the two u64 fields.
const infoChecksumOffset = 24

// Update replaces the in-memory state. It performs no I/O.
func (info *Info) Update(start, sequenceNumber uint64) {
	info.Start = start
	info.SequenceNumber = sequenceNumber
}

// Validate checks internal consistency against the geometry of an
// entries region of entriesLength blocks. Failure means the log is
// unparseable and the mount must abort.
func (info Info) Validate(entriesLength uint64) error {
	if info.Start >= entriesLength {
		return fmt.Errorf("journal info start %d outside entries region of %d blocks",
			info.Start, entriesLength)
	}
	return nil
}

// Marshal encodes the info block, checksummed over the whole block with
// the checksum field itself zeroed.
func (info Info) Marshal() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(InfoMagic)
	enc.PutInt(info.Start)
	enc.PutInt(info.SequenceNumber)
	enc.PutInt32(0)
	b := enc.Finish()

	checksum := crc32.ChecksumIEEE(b)

	enc = marshal.NewEnc(disk.BlockSize)
	enc.PutInt(InfoMagic)
	enc.PutInt(info.Start)
	enc.PutInt(info.SequenceNumber)
	enc.PutInt32(checksum)
	return enc.Finish()
}

// UnmarshalInfo decodes and verifies an info block.
func UnmarshalInfo(b disk.Block) (Info, error) {
	dec := marshal.NewDec(b)
	magic := dec.GetInt()
	if magic != InfoMagic {
		return Info{}, fmt.Errorf("journal info magic %#x: %w", magic, ErrBadMagic)
	}
	info := Info{
		Start:          dec.GetInt(),
		SequenceNumber: dec.GetInt(),
	}
	checksum := dec.GetInt32()

	scratch := make([]byte, len(b))
	copy(scratch, b)
	for i := infoChecksumOffset; i < infoChecksumOffset+4; i++ {
		scratch[i] = 0
	}
	if crc32.ChecksumIEEE(scratch) != checksum {
		return Info{}, fmt.Errorf("journal info block fails its checksum")
	}
	return info, nil
}
