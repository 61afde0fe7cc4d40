package journal_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal"
	"github.com/slatefs/slatefs/journal/format"
)

// partitionedDisk separates the journal region from the rest of the
// device: writes outside the region are either silently dropped (a
// crash before writeback reaches the platter) or failed (a dying
// device), while journal-region writes go through.
type partitionedDisk struct {
	*disk.MemDisk
	regionEnd   uint64
	failOutside bool
}

var errOutsideRegion = errors.New("injected failure outside the journal region")

func (d *partitionedDisk) Write(a uint64, v disk.Block) error {
	if a >= d.regionEnd {
		if d.failOutside {
			return errOutsideRegion
		}
		return nil
	}
	return d.MemDisk.Write(a, v)
}

func (d *partitionedDisk) WriteBatch(a uint64, blocks []disk.Block) error {
	if a >= d.regionEnd {
		if d.failOutside {
			return errOutsideRegion
		}
		return nil
	}
	return d.MemDisk.WriteBatch(a, blocks)
}

// countingDisk tallies writes and barriers. Counters are only read
// after the operations they count have completed.
type countingDisk struct {
	*disk.MemDisk
	writes   int
	barriers int
}

func (d *countingDisk) WriteBatch(a uint64, blocks []disk.Block) error {
	d.writes++
	return d.MemDisk.WriteBatch(a, blocks)
}

func (d *countingDisk) Barrier() error {
	d.barriers++
	return d.MemDisk.Barrier()
}

func metadataWrite(target uint64, fills ...byte) []journal.Operation {
	blocks := make([]disk.Block, len(fills))
	for i, f := range fills {
		blocks[i] = testBlock(f)
	}
	return []journal.Operation{{Type: journal.OperationTypeWrite, DevOffset: target, Data: blocks}}
}

func newTestJournal(t *testing.T, d disk.Disk) *journal.Journal {
	t.Helper()
	require.Nil(t, journal.Format(d, replayConfig))
	j, err := journal.New(d, replayConfig, format.Info{})
	require.Nil(t, err)
	return j
}

func TestJournalWriteMetadataDurable(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)

	ticket, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())
	require.Nil(t, j.Sync())

	assert.Equal(t, testBlock(0xAA), readDeviceBlock(t, d, 500))
	info, err := journal.LoadInfo(d, replayConfig)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), info.SequenceNumber)

	require.Nil(t, j.Close())
}

func TestJournalRecoversFromCrashBeforeWriteback(t *testing.T) {
	mem := disk.NewMemDisk(1024)
	crashing := &partitionedDisk{MemDisk: mem, regionEnd: replayConfig.Length}
	j := newTestJournal(t, crashing)

	// The entry commits in the journal region; the final-location write
	// never reaches the device. The journal is then abandoned, as a
	// power cut would leave it.
	ticket, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())
	assert.Equal(t, testBlock(0x00), readDeviceBlock(t, mem, 500))

	info, err := journal.ReplayJournal(mem, replayConfig)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), info.SequenceNumber)
	assert.Equal(t, testBlock(0xAA), readDeviceBlock(t, mem, 500))
}

func TestJournalMountContinuesAfterReplay(t *testing.T) {
	mem := disk.NewMemDisk(1024)
	crashing := &partitionedDisk{MemDisk: mem, regionEnd: replayConfig.Length}
	j := newTestJournal(t, crashing)
	ticket, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())

	// Come back up on the surviving blocks and keep writing: the
	// sequence numbering must continue past the replayed history.
	j2, err := journal.Mount(mem, replayConfig)
	require.Nil(t, err)
	assert.Equal(t, testBlock(0xAA), readDeviceBlock(t, mem, 500))

	ticket, err = j2.WriteMetadata(metadataWrite(520, 0xBB))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())
	require.Nil(t, j2.Close())

	assert.Equal(t, testBlock(0xBB), readDeviceBlock(t, mem, 520))
	info, err := journal.LoadInfo(mem, replayConfig)
	require.Nil(t, err)
	assert.Equal(t, uint64(2), info.SequenceNumber)
}

func TestJournalMetadataCommitsInSubmissionOrder(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)

	const batches = 8
	tickets := make([]*journal.Ticket, batches)
	for i := 0; i < batches; i++ {
		var err error
		tickets[i], err = j.WriteMetadata(metadataWrite(400+uint64(i), byte(i+1)))
		require.Nil(t, err)
	}
	for _, ticket := range tickets {
		require.Nil(t, ticket.Wait())
	}

	// Inspect before closing: the final sync moves the superblock start
	// past the committed entries.
	var seen []journal.EntryInfo
	require.Nil(t, journal.InspectJournal(d, replayConfig, func(e journal.EntryInfo) error {
		seen = append(seen, e)
		return nil
	}))
	require.Equal(t, batches, len(seen))
	for i, e := range seen {
		assert.Equal(t, uint64(i), e.SequenceNumber)
		assert.Equal(t, []uint64{400 + uint64(i)}, e.Targets)
	}
	require.Nil(t, j.Close())
}

func TestJournalSyncIsFreeWhenCurrent(t *testing.T) {
	counting := &countingDisk{MemDisk: disk.NewMemDisk(1024)}
	j := newTestJournal(t, counting)

	ticket, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())
	require.Nil(t, j.Sync())

	writes, barriers := counting.writes, counting.barriers
	require.Nil(t, j.Sync())
	assert.Equal(t, writes, counting.writes)
	assert.Equal(t, barriers, counting.barriers)

	require.Nil(t, j.Close())
	assert.Equal(t, writes, counting.writes)
}

func TestJournalWriteDataBypassesJournal(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)

	ticket, err := j.WriteData(metadataWrite(450, 0xEE))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())
	require.Nil(t, j.Sync())
	require.Nil(t, j.Close())

	assert.Equal(t, testBlock(0xEE), readDeviceBlock(t, d, 450))
	// No entry was recorded; replay has nothing to redo.
	count := 0
	require.Nil(t, journal.InspectJournal(d, replayConfig, func(journal.EntryInfo) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestJournalConcurrentDataWrites(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := j.WriteData(metadataWrite(600+uint64(i), byte(i+1)))
			assert.Nil(t, err)
			assert.Nil(t, ticket.Wait())
		}(i)
	}
	wg.Wait()
	require.Nil(t, j.Sync())
	require.Nil(t, j.Close())

	for i := 0; i < writers; i++ {
		assert.Equal(t, testBlock(byte(i+1)), readDeviceBlock(t, d, 600+uint64(i)))
	}
}

func TestJournalRejectsInvalidOperations(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)
	defer j.Close()

	reads := []journal.Operation{{Type: journal.OperationTypeRead, DevOffset: 10,
		Data: []disk.Block{testBlock(0x01)}}}
	_, err := j.WriteMetadata(reads)
	assert.ErrorIs(t, err, journal.ErrInvalidOperation)
	_, err = j.WriteData(reads)
	assert.ErrorIs(t, err, journal.ErrInvalidOperation)

	empty := []journal.Operation{{Type: journal.OperationTypeWrite, DevOffset: 10}}
	_, err = j.WriteMetadata(empty)
	assert.ErrorIs(t, err, journal.ErrInvalidOperation)

	short := []journal.Operation{{Type: journal.OperationTypeWrite, DevOffset: 10,
		Data: []disk.Block{make([]byte, 100)}}}
	_, err = j.WriteMetadata(short)
	assert.ErrorIs(t, err, journal.ErrInvalidOperation)
}

func TestJournalRejectsOversizedBatches(t *testing.T) {
	d := disk.NewMemDisk(1024)
	require.Nil(t, journal.Format(d, replayConfig))
	cfg := replayConfig
	cfg.StagingBlocks = 8
	j, err := journal.New(d, cfg, format.Info{})
	require.Nil(t, err)
	defer j.Close()

	fills := make([]byte, 7) // a 9-block entry cannot fit 8 staging slots
	_, err = j.WriteMetadata(metadataWrite(500, fills...))
	assert.ErrorIs(t, err, journal.ErrTooLarge)
}

func TestJournalEmptyBatchResolvesImmediately(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)
	defer j.Close()

	ticket, err := j.WriteMetadata(nil)
	require.Nil(t, err)
	assert.Nil(t, ticket.Wait())
}

func TestJournalRevocationUnsupported(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)
	defer j.Close()

	_, err := j.WriteRevocation(metadataWrite(500, 0xAA))
	assert.ErrorIs(t, err, journal.ErrNotSupported)
}

func TestJournalClosedRefusesSubmissions(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)
	require.Nil(t, j.Close())

	_, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	assert.ErrorIs(t, err, journal.ErrClosed)
	_, err = j.WriteData(metadataWrite(500, 0xAA))
	assert.ErrorIs(t, err, journal.ErrClosed)
	assert.ErrorIs(t, j.Sync(), journal.ErrClosed)
	assert.ErrorIs(t, j.Close(), journal.ErrClosed)
}

func TestJournalCloseFlushesPendingState(t *testing.T) {
	d := disk.NewMemDisk(1024)
	j := newTestJournal(t, d)

	ticket, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	require.Nil(t, err)
	require.Nil(t, ticket.Wait())
	require.Nil(t, j.Close())

	info, err := journal.LoadInfo(d, replayConfig)
	require.Nil(t, err)
	assert.Equal(t, uint64(1), info.SequenceNumber)
}

func TestJournalLatchesAfterDeviceFailure(t *testing.T) {
	mem := disk.NewMemDisk(1024)
	failing := &partitionedDisk{MemDisk: mem, regionEnd: replayConfig.Length, failOutside: true}
	j := newTestJournal(t, failing)

	ticket, err := j.WriteMetadata(metadataWrite(500, 0xAA))
	require.Nil(t, err)
	err = ticket.Wait()
	require.NotNil(t, err)
	assert.NotErrorIs(t, err, journal.ErrWritebackRefused)

	ticket, err = j.WriteData(metadataWrite(520, 0xBB))
	require.Nil(t, err)
	assert.ErrorIs(t, ticket.Wait(), journal.ErrWritebackRefused)
	assert.ErrorIs(t, j.Sync(), journal.ErrWritebackRefused)
	assert.ErrorIs(t, j.Close(), journal.ErrWritebackRefused)
}
