package fiber

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskIngress_fifoAcrossSegments(t *testing.T) {
	var q taskIngress
	assert.Nil(t, q.pop())

	tasks := make([]*task, segmentSize*3+7)
	for i := range tasks {
		tasks[i] = &task{}
		q.push(tasks[i])
	}
	assert.Equal(t, len(tasks), q.len())
	for i, want := range tasks {
		got := q.pop()
		require.Same(t, want, got, "index %d", i)
	}
	assert.Zero(t, q.len())
	assert.Nil(t, q.pop())
	assert.Same(t, q.head, q.tail)

	// the emptied segment is reused
	q.push(tasks[0])
	assert.Same(t, tasks[0], q.pop())
	assert.Zero(t, q.head.w)
}

func TestTaskIngress_interleaved(t *testing.T) {
	var q taskIngress
	var next, expect int
	tasks := make([]*task, 1000)
	for i := range tasks {
		tasks[i] = &task{}
	}
	for round := 0; next < len(tasks); round++ {
		for i := 0; i < 3 && next < len(tasks); i++ {
			q.push(tasks[next])
			next++
		}
		if round%2 == 0 {
			require.Same(t, tasks[expect], q.pop())
			expect++
		}
	}
	for t2 := q.pop(); t2 != nil; t2 = q.pop() {
		require.Same(t, tasks[expect], t2)
		expect++
	}
	assert.Equal(t, len(tasks), expect)
}

func TestLockedIngress_concurrent(t *testing.T) {
	var l lockedIngress
	const producers, each = 8, 500
	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				l.push(&task{})
			}
		}()
	}

	seen := 0
	var mu sync.Mutex
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				if l.pop() != nil {
					mu.Lock()
					seen++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	seen += len(l.drain())
	assert.Equal(t, producers*each, seen)
	assert.Zero(t, l.length.Load())
	assert.Nil(t, l.pop())
}
