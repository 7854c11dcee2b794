package fiber

import (
	"sync"
	"sync/atomic"
)

// segmentSize is the number of tasks held by each segment of a taskIngress.
const segmentSize = 128

// taskIngress is a FIFO of tasks stored as a linked list of fixed-size
// segments, so that neither push nor pop ever moves existing entries.
//
// Not safe for concurrent use, see lockedIngress.
type taskIngress struct { // betteralign:ignore
	head *segment
	tail *segment
	n    int
}

var segments = sync.Pool{New: func() any { return new(segment) }}

type segment struct {
	tasks [segmentSize]*task
	next  *segment
	r, w  int // read and write cursors into tasks
}

func getSegment() *segment {
	seg := segments.Get().(*segment)
	seg.r, seg.w, seg.next = 0, 0, nil
	return seg
}

// putSegment recycles seg. Popped slots are already nil, so recycled
// segments never retain fibers.
func putSegment(seg *segment) {
	seg.r, seg.w, seg.next = 0, 0, nil
	segments.Put(seg)
}

func (q *taskIngress) push(t *task) {
	switch {
	case q.tail == nil:
		q.tail = getSegment()
		q.head = q.tail
	case q.tail.w == segmentSize:
		q.tail.next = getSegment()
		q.tail = q.tail.next
	}
	q.tail.tasks[q.tail.w] = t
	q.tail.w++
	q.n++
}

// pop returns the oldest task, or nil.
func (q *taskIngress) pop() *task {
	seg := q.head
	if seg == nil || seg.r == seg.w {
		return nil
	}
	t := seg.tasks[seg.r]
	seg.tasks[seg.r] = nil
	seg.r++
	q.n--
	if seg.r == seg.w {
		if seg == q.tail {
			// reuse the lone segment in place
			seg.r, seg.w = 0, 0
		} else {
			q.head = seg.next
			putSegment(seg)
		}
	}
	return t
}

func (q *taskIngress) len() int { return q.n }

// lockedIngress pairs a taskIngress with its mutex and a lock-free length
// for approximate reads.
type lockedIngress struct {
	q      taskIngress
	mu     sync.Mutex
	length atomic.Int64
}

func (l *lockedIngress) push(t *task) {
	l.mu.Lock()
	l.q.push(t)
	l.length.Store(int64(l.q.len()))
	l.mu.Unlock()
}

func (l *lockedIngress) pop() *task {
	if l.length.Load() == 0 {
		return nil
	}
	l.mu.Lock()
	t := l.q.pop()
	l.length.Store(int64(l.q.len()))
	l.mu.Unlock()
	return t
}

// drain removes every task.
func (l *lockedIngress) drain() []*task {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*task
	for t := l.q.pop(); t != nil; t = l.q.pop() {
		out = append(out, t)
	}
	l.length.Store(0)
	return out
}
