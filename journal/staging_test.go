package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatefs/slatefs/disk"
)

func TestStagingReserveBounds(t *testing.T) {
	b := newStagingBuffer(4)
	_, err := b.Reserve(0)
	assert.NotNil(t, err)
	_, err = b.Reserve(5)
	assert.NotNil(t, err)

	r, err := b.Reserve(4)
	require.Nil(t, err)
	assert.Panics(t, func() { r.Block(4) })
}

func TestStagingReserveBlocksUntilRelease(t *testing.T) {
	b := newStagingBuffer(8)
	r1, err := b.Reserve(6)
	require.Nil(t, err)

	acquired := make(chan *reservation)
	go func() {
		r, err := b.Reserve(4)
		require.Nil(t, err)
		acquired <- r
	}()

	select {
	case <-acquired:
		t.Fatal("reservation succeeded while the ring was full")
	case <-time.After(50 * time.Millisecond):
	}

	r1.Release()
	select {
	case r := <-acquired:
		r.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("reservation still blocked after space was released")
	}
}

func TestStagingOutOfOrderRelease(t *testing.T) {
	b := newStagingBuffer(8)
	r1, err := b.Reserve(4)
	require.Nil(t, err)
	r2, err := b.Reserve(4)
	require.Nil(t, err)

	// Releasing the younger window first frees nothing: space is
	// reclaimed in acquisition order.
	r2.Release()
	acquired := make(chan struct{})
	go func() {
		r, err := b.Reserve(2)
		require.Nil(t, err)
		r.Release()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("space reclaimed before the older window was released")
	case <-time.After(50 * time.Millisecond):
	}

	r1.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("space not reclaimed after both windows were released")
	}
}

func TestStagingCopyInAliasesSlots(t *testing.T) {
	b := newStagingBuffer(8)
	r, err := b.Reserve(5)
	require.Nil(t, err)

	ops := []Operation{
		{Type: OperationTypeWrite, DevOffset: 100, Data: []disk.Block{fillBlock(0x01), fillBlock(0x02)}},
		{Type: OperationTypeWrite, DevOffset: 300, Data: []disk.Block{fillBlock(0x03)}},
	}
	buffered := r.CopyIn(ops, 1)
	require.Equal(t, 2, len(buffered))
	assert.Equal(t, fillBlock(0x01), buffered[0].Blocks[0])
	assert.Equal(t, fillBlock(0x03), buffered[1].Blocks[0])

	// The buffered operations are views into the reservation, leaving
	// header and commit slots around the payload.
	view := r.View()
	assert.Equal(t, fillBlock(0x02), view[2])
	view[2][0] = 0x7F
	assert.Equal(t, byte(0x7F), buffered[0].Blocks[1][0])

	r.Release()
	assert.Panics(t, func() { r.Release() })
}

func TestStagingWindowsWrapTheRing(t *testing.T) {
	b := newStagingBuffer(4)
	r1, err := b.Reserve(3)
	require.Nil(t, err)
	r1.Release()

	// The second window starts at slot 3 and wraps to slots 0 and 1.
	r2, err := b.Reserve(3)
	require.Nil(t, err)
	ops := []Operation{
		{Type: OperationTypeWrite, DevOffset: 10, Data: []disk.Block{fillBlock(0x0A), fillBlock(0x0B), fillBlock(0x0C)}},
	}
	r2.CopyIn(ops, 0)
	assert.Equal(t, fillBlock(0x0A), r2.Block(0))
	assert.Equal(t, fillBlock(0x0B), r2.Block(1))
	assert.Equal(t, fillBlock(0x0C), r2.Block(2))
	r2.Release()
}
