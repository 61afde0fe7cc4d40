// Package format defines the on-disk layout of the journal: entry
// header and commit blocks, the info (superblock) block, and the
// encode/decode routines over reserved block windows. The package is
// pure transformation; it performs no I/O.
package format

import (
	"encoding/binary"

	"github.com/slatefs/slatefs/disk"
)

const (
	// EntryMagic marks entry header and commit blocks. It doubles as
	// the escape sentinel: a payload block whose first eight bytes
	// equal EntryMagic is escaped so the replay scanner can never
	// mistake payload for a header.
	EntryMagic uint64 = 0x736c6a6f75726e6c // "sljournl"

	// InfoMagic marks the journal info (superblock) block.
	InfoMagic uint64 = 0x736c696e666f626b // "slinfobk"
)

// Prefix flag bits. The object type lives in the upper half of the
// flags word so new record types never collide with the kind bits.
const (
	FlagHeader uint64 = 1 << 0
	FlagCommit uint64 = 1 << 1

	objectTypeShift        = 32
	objectTypeMask  uint64 = 0xffff << objectTypeShift

	ObjectTypeEntry      uint64 = 0 << objectTypeShift
	ObjectTypeRevocation uint64 = 1 << objectTypeShift
)

// TargetFlagEscaped marks a payload block whose leading EntryMagic
// bytes were zeroed at encode time.
const TargetFlagEscaped uint8 = 1 << 0

const (
	// JournalMetadataBlocks is the size of the info region preceding
	// the circular entries region.
	JournalMetadataBlocks uint64 = 1

	// EntryHeaderBlocks and EntryCommitBlocks bracket every entry.
	EntryHeaderBlocks uint64 = 1
	EntryCommitBlocks uint64 = 1

	// EntryMetadataBlocks is the fixed per-entry overhead.
	EntryMetadataBlocks = EntryHeaderBlocks + EntryCommitBlocks
)

// prefixBytes is the packed size of {magic, sequence number, flags}.
const prefixBytes = 24

// MaxBlockDescriptors is how many payload target descriptors (a u64
// block number plus a u8 flag byte) fit in a header block after the
// prefix and the u32 payload count. With 4096-byte blocks the header
// is filled exactly: 24 + 4 + 452*(8+1) == 4096.
const MaxBlockDescriptors = (disk.BlockSize - prefixBytes - 4) / 9

// Prefix heads both the header and commit blocks of an entry.
type Prefix struct {
	Magic          uint64
	SequenceNumber uint64
	Flags          uint64
}

// ObjectType extracts the record type tag from the flags word.
func (p Prefix) ObjectType() uint64 {
	return p.Flags & objectTypeMask
}

// Operation describes one run of blocks destined for a contiguous
// range of final device locations.
type Operation struct {
	// DevOffset is the first target block on the device.
	DevOffset uint64
	// Blocks holds the run's data, one BlockSize buffer per block.
	Blocks []disk.Block
}

// Length returns the operation's size in blocks.
func (op Operation) Length() uint64 {
	return uint64(len(op.Blocks))
}

// EntryLength returns the total on-disk size of an entry carrying the
// given operations, including header and commit overhead.
func EntryLength(ops []Operation) uint64 {
	length := EntryMetadataBlocks
	for _, op := range ops {
		length += op.Length()
	}
	return length
}

func leadingMagic(b disk.Block) bool {
	return binary.LittleEndian.Uint64(b[:8]) == EntryMagic
}
