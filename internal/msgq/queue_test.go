package msgq

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_SendReceive(t *testing.T) {
	q := New()
	var ran int32
	q.Send(Job{Process: func() { atomic.AddInt32(&ran, 1) }})

	job, ok := q.Receive(time.Second)
	require.True(t, ok)
	job.Process()
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestQueue_ReceiveTimesOutWhenEmpty(t *testing.T) {
	q := New()
	_, ok := q.Receive(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueue_QuitDrainsWithoutRunningHandlers(t *testing.T) {
	q := New()
	const n = 10
	var ran int32
	var released int32

	for i := 0; i < n; i++ {
		q.Send(Job{
			Process: func() {
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&ran, 1)
			},
			Release: func() { atomic.AddInt32(&released, 1) },
		})
	}

	q.SetQuit()

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, int32(n), atomic.LoadInt32(&released))

	_, ok := q.Receive(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueue_SendAfterQuitReleasesImmediately(t *testing.T) {
	q := New()
	q.SetQuit()

	var released bool
	q.Send(Job{Release: func() { released = true }})
	assert.True(t, released)
}

func TestWorker_ProcessesQueuedJobs(t *testing.T) {
	q := New()
	w := NewWorker(q, 20*time.Millisecond)
	defer w.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	var releasedCalled bool
	q.Send(Job{
		Process: func() { wg.Done() },
		Release: func() { releasedCalled = true },
	})

	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, releasedCalled)
}
