package disk

import (
	"fmt"
	"sync"
)

// MemDisk is an in-memory Disk for tests. Snapshot and Restore allow a
// test to cut power at a chosen point and come back up against the
// blocks that were durable at that moment.
type MemDisk struct {
	mu     sync.Mutex
	blocks []Block
}

var _ Disk = (*MemDisk)(nil)

func NewMemDisk(numBlocks uint64) *MemDisk {
	blocks := make([]Block, numBlocks)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &MemDisk{blocks: blocks}
}

func (d *MemDisk) ReadTo(a uint64, b Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a >= uint64(len(d.blocks)) {
		return fmt.Errorf("out-of-bounds read at block %d (disk has %d)", a, len(d.blocks))
	}
	if uint64(len(b)) != BlockSize {
		return fmt.Errorf("read buffer is %d bytes, want %d", len(b), BlockSize)
	}
	copy(b, d.blocks[a])
	return nil
}

func (d *MemDisk) Read(a uint64) (Block, error) {
	b := make([]byte, BlockSize)
	if err := d.ReadTo(a, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *MemDisk) Write(a uint64, v Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(a, v)
}

func (d *MemDisk) writeLocked(a uint64, v Block) error {
	if a >= uint64(len(d.blocks)) {
		return fmt.Errorf("out-of-bounds write at block %d (disk has %d)", a, len(d.blocks))
	}
	if uint64(len(v)) != BlockSize {
		return fmt.Errorf("write buffer is %d bytes, want %d", len(v), BlockSize)
	}
	copy(d.blocks[a], v)
	return nil
}

func (d *MemDisk) WriteBatch(a uint64, blocks []Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a+uint64(len(blocks)) > uint64(len(d.blocks)) {
		return fmt.Errorf("out-of-bounds batch write of %d blocks at %d (disk has %d)",
			len(blocks), a, len(d.blocks))
	}
	for i, v := range blocks {
		if err := d.writeLocked(a+uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemDisk) Size() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.blocks)), nil
}

func (d *MemDisk) Barrier() error { return nil }

func (d *MemDisk) Close() error { return nil }

// Snapshot returns a deep copy of the current disk contents.
func (d *MemDisk) Snapshot() *MemDisk {
	d.mu.Lock()
	defer d.mu.Unlock()
	dup := NewMemDisk(uint64(len(d.blocks)))
	for i, b := range d.blocks {
		copy(dup.blocks[i], b)
	}
	return dup
}

// Restore overwrites the disk contents with a previously taken snapshot.
func (d *MemDisk) Restore(snap *MemDisk) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap.mu.Lock()
	defer snap.mu.Unlock()
	for i, b := range snap.blocks {
		copy(d.blocks[i], b)
	}
}
