package journal

import (
	"fmt"

	"github.com/slatefs/slatefs/disk"
)

// OperationType tags a block operation submitted to the journal.
type OperationType int

const (
	OperationTypeRead OperationType = iota + 1
	OperationTypeWrite
	OperationTypeTrim
)

func (t OperationType) String() string {
	switch t {
	case OperationTypeRead:
		return "read"
	case OperationTypeWrite:
		return "write"
	case OperationTypeTrim:
		return "trim"
	}
	return fmt.Sprintf("optype(%d)", int(t))
}

// Operation is one run of blocks destined for a contiguous range of
// device blocks. The journal copies Data into its staging buffers at
// submission time; the caller may reuse the buffers afterwards.
type Operation struct {
	Type      OperationType
	DevOffset uint64
	Data      []disk.Block
}

// Length returns the operation's size in blocks.
func (op Operation) Length() uint64 {
	return uint64(len(op.Data))
}

func validateWrites(ops []Operation) (blockCount uint64, err error) {
	for _, op := range ops {
		if op.Type != OperationTypeWrite {
			return 0, fmt.Errorf("%s operation submitted to a write path: %w",
				op.Type, ErrInvalidOperation)
		}
		if len(op.Data) == 0 {
			return 0, fmt.Errorf("empty write operation at device block %d: %w",
				op.DevOffset, ErrInvalidOperation)
		}
		for _, b := range op.Data {
			if uint64(len(b)) != disk.BlockSize {
				return 0, fmt.Errorf("write payload of %d bytes is not block-sized: %w",
					len(b), ErrInvalidOperation)
			}
		}
		blockCount += op.Length()
	}
	return blockCount, nil
}
