package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sprtio/rtindex/accumulator"
	"github.com/sprtio/rtindex/snapshot"
	"github.com/sprtio/rtindex/tokenizer"
)

func TestWorkerRunIsSynchronous(t *testing.T) {
	w := NewWorker("test", 1)
	defer w.Close()

	var ran bool
	require.NoError(t, w.Run(func() { ran = true }))
	require.True(t, ran)
}

func TestWorkerRunsAllConcurrentJobs(t *testing.T) {
	w := NewWorker("test", 8)
	defer w.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	require.Len(t, order, 5)
}

func TestWorkerCloseRejectsNewJobs(t *testing.T) {
	w := NewWorker("test", 1)
	w.Close()

	err := w.Run(func() {})
	require.Error(t, err)
}

func TestExecutorCommitAppendsSegmentAndSignalsMerger(t *testing.T) {
	snap := snapshot.NewHolder()
	ex := New(snap)
	defer ex.Close()

	signaled := make(chan struct{}, 1)
	ex.OnCommit(func() { signaled <- struct{}{} })

	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	acc := accumulator.New(1)
	require.NoError(t, acc.AddDocument(1, []uint64{0}, nil, tok.Tokenize(0, []byte("hello"), nil)))

	require.NoError(t, ex.Commit(acc))

	pair := snap.Acquire()
	require.Equal(t, 1, pair.Segments.Len())

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("merger was never signaled after commit")
	}
}

func TestExecutorCommitEmptyAccumulatorDoesNotSignal(t *testing.T) {
	snap := snapshot.NewHolder()
	ex := New(snap)
	defer ex.Close()

	signaled := make(chan struct{}, 1)
	ex.OnCommit(func() { signaled <- struct{}{} })

	acc := accumulator.New(1)
	require.NoError(t, ex.Commit(acc))

	pair := snap.Acquire()
	require.Equal(t, 0, pair.Segments.Len())

	select {
	case <-signaled:
		t.Fatal("merger should not be signaled for a no-op commit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecutorCommitAppliesKillsToExistingSegments(t *testing.T) {
	snap := snapshot.NewHolder()
	ex := New(snap)
	defer ex.Close()

	tok := tokenizer.New(tokenizer.Settings{MinWordLen: 1})
	first := accumulator.New(1)
	require.NoError(t, first.AddDocument(7, []uint64{0}, nil, tok.Tokenize(0, []byte("doc"), nil)))
	require.NoError(t, ex.Commit(first))

	second := accumulator.New(1)
	second.DeleteDocument(7)
	require.NoError(t, ex.Commit(second))

	pair := snap.Acquire()
	seg := pair.SegmentSlice()[0]
	_, alive := seg.FindAliveRow(7)
	require.False(t, alive, "kill from a later transaction must apply to the earlier segment")
}

func TestNextTicketIsMonotonicAndNonZero(t *testing.T) {
	ex := New(snapshot.NewHolder())
	defer ex.Close()

	a := ex.NextTicket()
	b := ex.NextTicket()
	require.NotZero(t, a)
	require.Less(t, a, b)
}
