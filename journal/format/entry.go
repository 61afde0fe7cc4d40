package format

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/slatefs/slatefs/disk"
)

// Header is the decoded form of an entry's first block.
type Header struct {
	Prefix
	PayloadBlocks uint32

	targetBlocks []uint64
	targetFlags  []byte
}

// TargetBlock returns the final device block of payload block i.
func (h *Header) TargetBlock(i uint64) uint64 {
	return h.targetBlocks[i]
}

// TargetFlags returns the descriptor flags of payload block i.
func (h *Header) TargetFlags(i uint64) uint8 {
	return h.targetFlags[i]
}

// Commit is the decoded form of an entry's last block.
type Commit struct {
	Prefix
	Checksum uint32
}

// Codec-level parse errors. Replay distinguishes "not an entry" from
// harder corruption; these only report what failed to parse.
var (
	ErrBadMagic      = fmt.Errorf("block does not begin with the journal magic")
	ErrNotHeader     = fmt.Errorf("block is not an entry header")
	ErrNotCommit     = fmt.Errorf("block is not an entry commit")
	ErrBadBlockCount = fmt.Errorf("entry payload block count is implausible")
)

// EncodeEntry encodes one journal entry into view, a window of exactly
// EntryLength(ops) blocks reserved in the staging buffer. Payload data
// is copied into the window with escaping applied, the header records
// each payload block's final location, and the commit block seals the
// entry with a checksum.
//
// The view length is the caller's contract: a mismatch is a logic bug,
// not a runtime condition, and panics.
func EncodeEntry(view []disk.Block, ops []Operation, sequenceNumber uint64) {
	if EntryLength(ops) != uint64(len(view)) {
		panic(fmt.Sprintf("entry of %d blocks encoded into window of %d blocks",
			EntryLength(ops), len(view)))
	}
	payloadBlocks := uint64(len(view)) - EntryMetadataBlocks
	if payloadBlocks == 0 || payloadBlocks > MaxBlockDescriptors {
		panic(fmt.Sprintf("entry with %d payload blocks is not encodable", payloadBlocks))
	}

	targetBlocks := make([]uint64, MaxBlockDescriptors)
	targetFlags := make([]byte, MaxBlockDescriptors)

	i := uint64(0)
	for _, op := range ops {
		for j := uint64(0); j < op.Length(); j++ {
			dst := view[EntryHeaderBlocks+i]
			copy(dst, op.Blocks[j])
			targetBlocks[i] = op.DevOffset + j
			if leadingMagic(dst) {
				// Zero the sentinel in place; the flag bit on disk is
				// the discriminant that restores it at decode time.
				binary.LittleEndian.PutUint64(dst[:8], 0)
				targetFlags[i] |= TargetFlagEscaped
			}
			i++
		}
	}

	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(EntryMagic)
	enc.PutInt(sequenceNumber)
	enc.PutInt(FlagHeader | ObjectTypeEntry)
	enc.PutInt32(uint32(payloadBlocks))
	enc.PutInts(targetBlocks)
	enc.PutBytes(targetFlags)
	copy(view[0], enc.Finish())

	commit := marshal.NewEnc(disk.BlockSize)
	commit.PutInt(EntryMagic)
	commit.PutInt(sequenceNumber)
	commit.PutInt(FlagCommit | ObjectTypeEntry)
	commit.PutInt32(CalculateChecksum(view))
	copy(view[len(view)-1], commit.Finish())
}

// DecodePayloadBlocks reverses escaping in place. It must run after the
// entry is validated and before the payload is reused as final-location
// write data.
func DecodePayloadBlocks(view []disk.Block) error {
	header, err := ParseHeader(view[0])
	if err != nil {
		return err
	}
	if uint64(header.PayloadBlocks)+EntryMetadataBlocks != uint64(len(view)) {
		return fmt.Errorf("decode window of %d blocks does not match %d payload blocks: %w",
			len(view), header.PayloadBlocks, ErrBadBlockCount)
	}
	for i := uint64(0); i < uint64(header.PayloadBlocks); i++ {
		if header.TargetFlags(i)&TargetFlagEscaped != 0 {
			binary.LittleEndian.PutUint64(view[EntryHeaderBlocks+i][:8], EntryMagic)
		}
	}
	return nil
}

// CalculateChecksum computes the CRC32 of every block of the entry
// window except the final (commit) block, block 0 first. It is a pure
// function of the block contents.
func CalculateChecksum(view []disk.Block) uint32 {
	checksum := uint32(0)
	for _, b := range view[:len(view)-1] {
		checksum = crc32.Update(checksum, crc32.IEEETable, b)
	}
	return checksum
}

func parsePrefix(dec *marshal.Dec) Prefix {
	return Prefix{
		Magic:          dec.GetInt(),
		SequenceNumber: dec.GetInt(),
		Flags:          dec.GetInt(),
	}
}

// ParseHeader decodes b as an entry header block.
func ParseHeader(b disk.Block) (*Header, error) {
	dec := marshal.NewDec(b)
	prefix := parsePrefix(&dec)
	if prefix.Magic != EntryMagic {
		return nil, ErrBadMagic
	}
	if prefix.Flags&FlagHeader == 0 {
		return nil, ErrNotHeader
	}
	header := &Header{
		Prefix:        prefix,
		PayloadBlocks: dec.GetInt32(),
		targetBlocks:  dec.GetInts(MaxBlockDescriptors),
		targetFlags:   dec.GetBytes(MaxBlockDescriptors),
	}
	return header, nil
}

// ParseCommit decodes b as an entry commit block.
func ParseCommit(b disk.Block) (*Commit, error) {
	dec := marshal.NewDec(b)
	prefix := parsePrefix(&dec)
	if prefix.Magic != EntryMagic {
		return nil, ErrBadMagic
	}
	if prefix.Flags&FlagCommit == 0 {
		return nil, ErrNotCommit
	}
	return &Commit{
		Prefix:   prefix,
		Checksum: dec.GetInt32(),
	}, nil
}
