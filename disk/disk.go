// Package disk provides block-granular access to the device backing a
// filesystem. The journal only ever talks to a Disk; it never touches
// byte offsets directly.
package disk

// Block is one device block worth of data.
type Block = []byte

// BlockSize is the filesystem-wide block size in bytes.
const BlockSize uint64 = 4096

// Disk is a logical block device. Writes become durable only after a
// successful Barrier.
type Disk interface {
	// ReadTo reads the block at address a into b.
	//
	// Expects a < Size() and len(b) == BlockSize.
	ReadTo(a uint64, b Block) error

	// Read reads the block at address a into a fresh buffer.
	Read(a uint64) (Block, error)

	// Write updates the block at address a.
	Write(a uint64, v Block) error

	// WriteBatch writes blocks contiguously starting at address a.
	// Either the whole batch is submitted or a single error is
	// returned for the batch; no per-block status is reported.
	WriteBatch(a uint64, blocks []Block) error

	// Size reports how big the disk is, in blocks.
	Size() (uint64, error)

	// Barrier ensures all previously written data is durably on disk.
	Barrier() error

	// Close releases any resources used by the disk.
	Close() error
}
