// Package executor implements the two named cooperative workers of spec
// §4.4/§5: serial (owns all snapshot mutations) and merger (CPU-heavy merge
// steps). Both are single-goroutine job queues in the shape of the
// teacher's WAL writer loop: a buffered channel of jobs drained by one
// goroutine, with a done channel that closes to stop accepting new work and
// a drain pass that finishes queued jobs before the goroutine exits.
package executor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sprtio/rtindex/accumulator"
	"github.com/sprtio/rtindex/bitmap"
	"github.com/sprtio/rtindex/snapshot"
)

type job struct {
	fn   func()
	done chan struct{}
}

// Worker is a single-goroutine cooperative job queue (spec §5 "Scheduling
// model: cooperative fibers/tasks on top of a thread pool").
type Worker struct {
	name   string
	ch     chan job
	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewWorker starts a named worker with the given job-queue depth.
func NewWorker(name string, buffer int) *Worker {
	w := &Worker{name: name, ch: make(chan job, buffer), stop: make(chan struct{})}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Run submits fn and blocks until it has completed on the worker's
// goroutine, returning an error if the worker has been closed.
func (w *Worker) Run(fn func()) error {
	if w.closed.Load() {
		return fmt.Errorf("executor: worker %q closed", w.name)
	}
	done := make(chan struct{})
	select {
	case w.ch <- job{fn: fn, done: done}:
	case <-w.stop:
		return fmt.Errorf("executor: worker %q closed", w.name)
	}
	<-done
	return nil
}

// Submit enqueues fn without waiting for completion, used for fire-and-
// forget work such as signaling the merger after a commit.
func (w *Worker) Submit(fn func()) error {
	if w.closed.Load() {
		return fmt.Errorf("executor: worker %q closed", w.name)
	}
	select {
	case w.ch <- job{fn: fn, done: make(chan struct{})}:
		return nil
	case <-w.stop:
		return fmt.Errorf("executor: worker %q closed", w.name)
	}
}

// Close stops accepting new jobs, drains whatever is already queued, and
// waits for the goroutine to exit.
func (w *Worker) Close() {
	if w.closed.Swap(true) {
		return
	}
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case j := <-w.ch:
			j.fn()
			close(j.done)
		case <-w.stop:
			for {
				select {
				case j := <-w.ch:
					j.fn()
					close(j.done)
				default:
					return
				}
			}
		}
	}
}

// MergeSignal is submitted to the merger worker by Commit after every
// commit that publishes a new segment, to wake the merger (spec §4.3 "commits → ... appends a new RAM segment, and
// signals the merger"). The merger package installs its own check-for-work
// callback here.
type MergeSignal func()

// Executor owns the serial and merger workers plus the snapshot holder and
// op-ticket counter they share (spec §4.4, §5).
type Executor struct {
	Serial *Worker
	Merger *Worker

	Snapshot *snapshot.Holder
	Tickets  *bitmap.TicketCounter

	signalMu sync.Mutex
	onCommit MergeSignal
}

// New returns an Executor wired to snap, with the serial and merger
// workers both started.
func New(snap *snapshot.Holder) *Executor {
	return &Executor{
		Serial:   NewWorker("serial", 64),
		Merger:   NewWorker("merger", 16),
		Snapshot: snap,
		Tickets:  &bitmap.TicketCounter{},
	}
}

// OnCommit installs the callback submitted to the merger worker after every
// Commit that publishes a new segment, normally merger.CheckForWork.
func (e *Executor) OnCommit(fn MergeSignal) {
	e.signalMu.Lock()
	e.onCommit = fn
	e.signalMu.Unlock()
}

// Commit applies acc's kill list to the current snapshot (every RAM
// segment and every disk chunk), then appends the segment acc.Commit()
// produces, all on the serial worker so snapshot mutations are totally
// ordered (spec §4.4 "Writes to the snapshot pair are totally ordered").
// An accumulator with no surviving documents but a non-empty kill list
// still applies the kills and returns with no new segment.
func (e *Executor) Commit(acc *accumulator.Accumulator) error {
	var commitErr error
	var newSeg interface{ AliveRows() uint32 }

	err := e.Serial.Run(func() {
		kills := acc.Kills()
		if len(kills) > 0 {
			pair := e.Snapshot.Acquire()
			for _, seg := range pair.SegmentSlice() {
				seg.KillMulti(kills)
			}
			for _, chunk := range pair.ChunkSlice() {
				chunk.KillMulti(kills)
			}
		}

		seg, err := acc.Commit()
		if err != nil {
			commitErr = fmt.Errorf("executor: commit: %w", err)
			return
		}
		if seg == nil {
			return
		}
		e.Snapshot.AppendSegment(seg)
		newSeg = seg
	})
	if err != nil {
		return err
	}
	if commitErr != nil {
		return commitErr
	}

	if newSeg != nil {
		e.signalMu.Lock()
		cb := e.onCommit
		e.signalMu.Unlock()
		if cb != nil {
			_ = e.Merger.Submit(func() { cb() })
		}
	}

	return nil
}

// NextTicket reserves a new non-zero op ticket for a merge or flush (spec
// §5 "Monotone op-ticket counter").
func (e *Executor) NextTicket() uint64 { return e.Tickets.Next() }

// Close stops both workers, draining queued jobs first.
func (e *Executor) Close() {
	e.Serial.Close()
	e.Merger.Close()
}
