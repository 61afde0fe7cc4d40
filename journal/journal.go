// Package journal implements the write-ahead log that makes block
// mutations atomic across power loss: a fixed-size circular on-disk log
// of checksummed entries, a two-phase journal-then-final-location write
// protocol, and a mount-time replay pass.
//
// Typical lifecycle:
//
//	info, err := journal.ReplayJournal(d, cfg)   // recover, once, at mount
//	j, err := journal.New(d, cfg, info)
//	t, err := j.WriteMetadata(ops)               // async, strictly ordered
//	err = j.Sync()                               // barrier
//	err = j.Close()                              // drain and stop
package journal

import (
	"fmt"
	"sync"

	"github.com/slatefs/slatefs/disk"
	"github.com/slatefs/slatefs/journal/format"
)

// workQueueDepth bounds the sequencer's queue. Backpressure comes from
// staging reservations, not from this queue; the depth only limits how
// many already-staged items can be in flight.
const workQueueDepth = 64

type workKind int

const (
	workData workKind = iota
	workMetadata
	workSync
)

type workItem struct {
	kind   workKind
	res    *reservation
	ops    []format.Operation
	view   []disk.Block
	ticket *Ticket
}

// Ticket tracks one submitted batch. It resolves when the writer has
// finished with the batch; a later Sync observes every ticket issued
// before it.
type Ticket struct {
	done chan struct{}
	err  error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the batch has been written (or refused) and returns
// its outcome.
func (t *Ticket) Wait() error {
	<-t.done
	return t.err
}

// Done reports completion without blocking once the returned channel is
// closed.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Journal is the public surface of the write-ahead log. Metadata
// batches commit in strict submission order through a single sequencer
// goroutine; data batches are pipelined with no cross-batch ordering,
// only the Sync barrier.
type Journal struct {
	cfg    Config
	writer *writer

	journalBuf   *stagingBuffer
	writebackBuf *stagingBuffer

	mu     sync.Mutex
	closed bool

	work       chan *workItem
	runnerDone chan struct{}
	dataWG     sync.WaitGroup
}

// New starts a journal over a device that has already been replayed.
// info must be the state returned by ReplayJournal (or by Format for a
// fresh device).
func New(d disk.Disk, cfg Config, info format.Info) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := info.Validate(cfg.EntriesLength()); err != nil {
		return nil, err
	}
	persisted, err := LoadInfo(d, cfg)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		cfg:          cfg,
		writer:       newWriter(d, cfg, persisted, info),
		journalBuf:   newStagingBuffer(cfg.stagingBlocks()),
		writebackBuf: newStagingBuffer(cfg.writebackBlocks()),
		work:         make(chan *workItem, workQueueDepth),
		runnerDone:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Mount replays the journal and starts a Journal over the recovered
// state.
func Mount(d disk.Disk, cfg Config) (*Journal, error) {
	info, err := ReplayJournal(d, cfg)
	if err != nil {
		return nil, err
	}
	return New(d, cfg, info)
}

// run is the sequencer: a single consumer draining work in FIFO order.
// Metadata items execute inline, which is what guarantees commit order
// and deterministic sequence numbers; data items fan out to goroutines
// and rejoin at the next sync barrier.
func (j *Journal) run() {
	defer close(j.runnerDone)
	for item := range j.work {
		switch item.kind {
		case workData:
			it := item
			j.dataWG.Add(1)
			go func() {
				defer j.dataWG.Done()
				err := j.writer.WriteData(it.ops)
				it.res.Release()
				it.ticket.resolve(err)
			}()
		case workMetadata:
			err := j.writer.WriteMetadata(item.ops, item.view)
			item.res.Release()
			item.ticket.resolve(err)
		case workSync:
			j.dataWG.Wait()
			item.ticket.resolve(j.writer.Sync())
		}
	}
}

func (j *Journal) submit(item *workItem) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.work <- item
	return nil
}

func (j *Journal) isClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

// WriteData submits writes that bypass the journal: data whose loss is
// tolerable without a crash-consistent record, or writes issued while
// journaling is not wanted. The call reserves writeback staging space
// (suspending under backpressure), copies the payload, and returns a
// ticket; the write itself is asynchronous.
func (j *Journal) WriteData(ops []Operation) (*Ticket, error) {
	blockCount, err := validateWrites(ops)
	if err != nil {
		return nil, err
	}
	if j.isClosed() {
		return nil, ErrClosed
	}
	if blockCount == 0 {
		t := newTicket()
		t.resolve(nil)
		return t, nil
	}
	if blockCount > j.writebackBuf.capacity() {
		return nil, fmt.Errorf("data batch of %d blocks: %w", blockCount, ErrTooLarge)
	}
	res, err := j.writebackBuf.Reserve(blockCount)
	if err != nil {
		return nil, err
	}
	buffered := res.CopyIn(ops, 0)
	t := newTicket()
	if err := j.submit(&workItem{kind: workData, res: res, ops: buffered, ticket: t}); err != nil {
		res.Release()
		return nil, err
	}
	return t, nil
}

// WriteMetadata submits writes that must be crash-atomic. The batch is
// staged as one journal entry (payload plus header/commit overhead) and
// routed through the sequencer, so concurrent submitters never
// interleave entries and sequence numbers follow submission order.
func (j *Journal) WriteMetadata(ops []Operation) (*Ticket, error) {
	blockCount, err := validateWrites(ops)
	if err != nil {
		return nil, err
	}
	if j.isClosed() {
		return nil, ErrClosed
	}
	if blockCount == 0 {
		t := newTicket()
		t.resolve(nil)
		return t, nil
	}
	entryLength := blockCount + format.EntryMetadataBlocks
	if blockCount > format.MaxBlockDescriptors ||
		entryLength > j.cfg.EntriesLength() ||
		entryLength > j.journalBuf.capacity() {
		return nil, fmt.Errorf("metadata batch of %d blocks: %w", blockCount, ErrTooLarge)
	}
	res, err := j.journalBuf.Reserve(entryLength)
	if err != nil {
		return nil, err
	}
	buffered := res.CopyIn(ops, format.EntryHeaderBlocks)
	t := newTicket()
	item := &workItem{kind: workMetadata, res: res, ops: buffered, view: res.View(), ticket: t}
	if err := j.submit(item); err != nil {
		res.Release()
		return nil, err
	}
	return t, nil
}

// WriteRevocation would mark previously journaled blocks as
// do-not-replay. The on-disk record type is reserved but no write or
// replay path implements it.
func (j *Journal) WriteRevocation(ops []Operation) (*Ticket, error) {
	if _, err := validateWrites(ops); err != nil {
		return nil, err
	}
	return nil, ErrNotSupported
}

// Sync blocks until every batch submitted before it has been written,
// then persists the superblock if it is stale. After Sync returns nil,
// everything previously submitted is durable.
func (j *Journal) Sync() error {
	t := newTicket()
	if err := j.submit(&workItem{kind: workSync, ticket: t}); err != nil {
		return err
	}
	return t.Wait()
}

// Close drains the journal through a final sync barrier and stops the
// sequencer. Data already submitted is flushed, never dropped;
// submissions after Close fail with ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.closed = true
	t := newTicket()
	j.work <- &workItem{kind: workSync, ticket: t}
	close(j.work)
	j.mu.Unlock()

	err := t.Wait()
	<-j.runnerDone
	return err
}
