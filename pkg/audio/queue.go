package audio

// QueueState is the coarse state of a [Queue].
type QueueState int

const (
	// QueueEmpty means there is no current chunk and nothing pending.
	QueueEmpty QueueState = iota

	// QueueDraining means samples are available to pull.
	QueueDraining
)

// String returns the human-readable name of the state.
func (s QueueState) String() string {
	switch s {
	case QueueEmpty:
		return "EMPTY"
	case QueueDraining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// defaultQueueCap is the initial number of chunk slots in the ring.
const defaultQueueCap = 32

// Queue is the playback queue: a FIFO of float sample chunks read one sample
// at a time by the output device's render callback.
//
// Pull never fails and never blocks. When no data is available it returns
// silence (0). Each call does O(1) work: chunks live in a ring of slots, so
// popping the head never shifts memory. The ring only grows (doubling) when
// a push finds it full; a real-time owner sizes it with [NewQueueCap] and
// checks [Queue.Full] before pushing so that never happens.
//
// A Queue is owned by a single goroutine and is not safe for concurrent use.
// Producers hand chunks to that goroutine by message passing.
type Queue struct {
	ring  [][]float32
	head  int // index of the oldest pending chunk
	count int // number of pending chunks

	cur []float32 // chunk being read; nil between chunks
	off int       // read offset into cur; always < len(cur) when cur != nil

	remaining int // samples left across cur and all pending chunks
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return NewQueueCap(defaultQueueCap)
}

// NewQueueCap returns an empty queue with room for n pending chunks before
// the ring has to grow.
func NewQueueCap(n int) *Queue {
	if n <= 0 {
		n = defaultQueueCap
	}
	return &Queue{ring: make([][]float32, n)}
}

// Cap returns the number of chunk slots in the ring.
func (q *Queue) Cap() int { return len(q.ring) }

// Full reports whether the next Push would grow the ring. The chunk being
// read does not occupy a slot.
func (q *Queue) Full() bool { return q.count == len(q.ring) }

// Push appends chunk to the tail. Zero-length chunks are ignored. The queue
// takes ownership of chunk; the caller must not modify it afterwards.
func (q *Queue) Push(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	if q.count == len(q.ring) {
		q.grow()
	}
	q.ring[(q.head+q.count)%len(q.ring)] = chunk
	q.count++
	q.remaining += len(chunk)
}

// Pull returns the next sample, or 0 when the queue is empty.
func (q *Queue) Pull() float32 {
	if q.cur == nil {
		q.cur = q.pop()
		q.off = 0
		if q.cur == nil {
			return 0
		}
	}
	s := q.cur[q.off]
	q.off++
	q.remaining--
	if q.off == len(q.cur) {
		q.cur = nil
		q.off = 0
	}
	return s
}

// Fill pulls len(out) samples into out and returns how many of them came
// from queued chunks. The rest of out is filled with silence.
func (q *Queue) Fill(out []float32) int {
	n := 0
	for i := range out {
		if q.cur == nil && q.count == 0 {
			clear(out[i:])
			break
		}
		out[i] = q.Pull()
		n++
	}
	return n
}

// Reset drops every pending chunk and the read cursor.
func (q *Queue) Reset() {
	for q.count > 0 {
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.count--
	}
	q.head = 0
	q.cur = nil
	q.off = 0
	q.remaining = 0
}

// Len returns the number of samples not yet pulled.
func (q *Queue) Len() int { return q.remaining }

// State reports whether the queue currently has samples to play.
func (q *Queue) State() QueueState {
	if q.cur == nil && q.count == 0 {
		return QueueEmpty
	}
	return QueueDraining
}

// pop removes and returns the oldest pending chunk, or nil.
func (q *Queue) pop() []float32 {
	if q.count == 0 {
		return nil
	}
	c := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return c
}

// grow doubles the ring, unwrapping pending chunks to the front.
func (q *Queue) grow() {
	n := len(q.ring) * 2
	if n == 0 {
		n = defaultQueueCap
	}
	ring := make([][]float32, n)
	for i := range q.count {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
}
