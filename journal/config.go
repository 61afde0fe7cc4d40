package journal

import (
	"fmt"

	"github.com/slatefs/slatefs/journal/format"
)

// Default staging capacities, in blocks.
const (
	DefaultStagingBlocks   = 64
	DefaultWritebackBlocks = 64
)

// Config describes the journal region's placement on the device and the
// in-memory staging capacity.
//
// On-disk layout, in blocks, starting at DeviceOffset:
//
//	[ info block ][ circular entries region of Length-1 blocks ]
type Config struct {
	// DeviceOffset is the device block where the journal region begins.
	DeviceOffset uint64
	// Length is the total size of the journal region, info block included.
	Length uint64
	// StagingBlocks sizes the staging ring for journal entries; zero
	// selects DefaultStagingBlocks.
	StagingBlocks uint64
	// WritebackBlocks sizes the staging ring for unjournaled data
	// writes; zero selects DefaultWritebackBlocks.
	WritebackBlocks uint64
}

// InfoStartBlock returns the device block holding the info block.
func (c Config) InfoStartBlock() uint64 {
	return c.DeviceOffset
}

// EntriesStartBlock returns the first device block of the circular
// entries region.
func (c Config) EntriesStartBlock() uint64 {
	return c.DeviceOffset + format.JournalMetadataBlocks
}

// EntriesLength returns the entries region's size in blocks.
func (c Config) EntriesLength() uint64 {
	return c.Length - format.JournalMetadataBlocks
}

func (c Config) stagingBlocks() uint64 {
	if c.StagingBlocks == 0 {
		return DefaultStagingBlocks
	}
	return c.StagingBlocks
}

func (c Config) writebackBlocks() uint64 {
	if c.WritebackBlocks == 0 {
		return DefaultWritebackBlocks
	}
	return c.WritebackBlocks
}

// Validate rejects geometries the journal cannot operate on: the region
// must hold the info block plus at least one minimal entry.
func (c Config) Validate() error {
	if c.Length <= format.JournalMetadataBlocks+format.EntryMetadataBlocks {
		return fmt.Errorf("journal region of %d blocks is too small", c.Length)
	}
	if c.stagingBlocks() <= format.EntryMetadataBlocks {
		return fmt.Errorf("journal staging of %d blocks cannot hold an entry", c.stagingBlocks())
	}
	return nil
}
