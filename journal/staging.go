package journal

import (
	"fmt"
	"sync"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal/format"
)

// stagingBuffer is a ring of block-sized slots shared between
// submitters and the writer. Reserve hands out exclusive ownership of a
// window of slots and blocks the caller while the ring is full; this is
// the journal's backpressure point. Windows are handed out in FIFO
// order and recycled as the oldest still-held window is released.
type stagingBuffer struct {
	mu    sync.Mutex
	space *sync.Cond

	slots []disk.Block
	// head counts slots ever reserved; slot index is head % capacity.
	head    uint64
	used    uint64
	pending []*reservation
}

func newStagingBuffer(capacity uint64) *stagingBuffer {
	slots := make([]disk.Block, capacity)
	for i := range slots {
		slots[i] = make([]byte, disk.BlockSize)
	}
	b := &stagingBuffer{slots: slots}
	b.space = sync.NewCond(&b.mu)
	return b
}

func (b *stagingBuffer) capacity() uint64 {
	return uint64(len(b.slots))
}

// Reserve acquires a window of blockCount slots, suspending the caller
// until enough of the ring has drained. Latency here is unbounded under
// sustained write pressure; only the downstream drain rate bounds it.
func (b *stagingBuffer) Reserve(blockCount uint64) (*reservation, error) {
	if blockCount == 0 || blockCount > b.capacity() {
		return nil, fmt.Errorf("cannot reserve %d blocks in a staging ring of %d",
			blockCount, b.capacity())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.used+blockCount > b.capacity() {
		b.space.Wait()
	}
	r := &reservation{buf: b, start: b.head, length: blockCount}
	b.head += blockCount
	b.used += blockCount
	b.pending = append(b.pending, r)
	return r, nil
}

// reservation is exclusive ownership of a window of staging slots from
// Reserve until Release.
type reservation struct {
	buf      *stagingBuffer
	start    uint64
	length   uint64
	released bool
}

// Block returns the i'th slot of the window.
func (r *reservation) Block(i uint64) disk.Block {
	if i >= r.length {
		panic(fmt.Sprintf("staging slot %d outside reservation of %d blocks", i, r.length))
	}
	return r.buf.slots[(r.start+i)%r.buf.capacity()]
}

// View returns the window as an ordered block slice.
func (r *reservation) View() []disk.Block {
	view := make([]disk.Block, r.length)
	for i := uint64(0); i < r.length; i++ {
		view[i] = r.Block(i)
	}
	return view
}

// CopyIn copies the operations' payloads into consecutive slots
// starting at offset and returns buffered operations whose blocks alias
// the reservation.
func (r *reservation) CopyIn(ops []Operation, offset uint64) []format.Operation {
	buffered := make([]format.Operation, 0, len(ops))
	for _, op := range ops {
		blocks := make([]disk.Block, op.Length())
		for j := uint64(0); j < op.Length(); j++ {
			slot := r.Block(offset)
			copy(slot, op.Data[j])
			blocks[j] = slot
			offset++
		}
		buffered = append(buffered, format.Operation{DevOffset: op.DevOffset, Blocks: blocks})
	}
	return buffered
}

// Release returns the window to the pool. Space becomes reusable in
// acquisition order: a window released out of turn is reclaimed when
// every older window has also been released.
func (r *reservation) Release() {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.released {
		panic("staging reservation released twice")
	}
	r.released = true
	for len(b.pending) > 0 && b.pending[0].released {
		b.used -= b.pending[0].length
		b.pending = b.pending[1:]
	}
	b.space.Broadcast()
}
