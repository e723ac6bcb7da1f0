package turbodl

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cognusion/go-recyclable"
)

// ChunkBuffer is the fixed-capacity ordered byte store described in spec
// §3/§4.C/§9: many producers deposit by absolute file offset, a single
// consumer drains the contiguous prefix in order. Coordination is a mutex
// plus two condition variables, per the spec's explicit design-notes
// recommendation — no lock-free tricks, since the consumer is singular.
type ChunkBuffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	capacity   int64
	occupied   int64
	headOffset int64
	closed     bool

	segments map[int64]*segment // keyed by absolute offset
	pool     *recyclable.BufferPool
}

type segment struct {
	offset int64
	buf    *recyclable.Buffer
}

func (s *segment) len() int64 { return int64(s.buf.Len()) }

// NewChunkBuffer constructs a ChunkBuffer with the given capacity in bytes
// and the given starting head offset (normally 0).
func NewChunkBuffer(capacity int64, headOffset int64) *ChunkBuffer {
	b := &ChunkBuffer{
		capacity:   capacity,
		headOffset: headOffset,
		segments:   make(map[int64]*segment),
		pool:       recyclable.NewBufferPool(),
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// BufferCapacity implements spec §4.C's capacity policy:
// C = min(20% of system RAM, 1 GiB, next power-of-two ≥ average chunk size × 2).
func BufferCapacity(avgChunkSize int64, totalRAM uint64) int64 {
	const oneGiB = int64(1) << 30

	ramCap := int64(float64(totalRAM) * 0.20)
	if ramCap <= 0 {
		ramCap = oneGiB
	}

	target := avgChunkSize * 2
	if target <= 0 {
		target = 1
	}
	pow2 := nextPowerOfTwo(target)

	cap := pow2
	if ramCap < cap {
		cap = ramCap
	}
	if oneGiB < cap {
		cap = oneGiB
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Deposit blocks while free space is insufficient, then records the
// segment at the given absolute offset and wakes the writer if this
// deposit extends the drainable prefix. A deposit whose end falls at or
// before head_offset is a late arrival and is rejected (spec §4.C invariant iv).
func (b *ChunkBuffer) Deposit(offset int64, data []byte) error {
	n := int64(len(data))
	if n == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if offset+n <= b.headOffset {
		return fmt.Errorf("turbodl: late deposit at offset %d (head is %d)", offset, b.headOffset)
	}
	if _, exists := b.segments[offset]; exists {
		return fmt.Errorf("turbodl: duplicate deposit at offset %d", offset)
	}

	for !b.closed && b.occupied+n > b.capacity {
		b.notFull.Wait()
	}
	if b.closed {
		return fmt.Errorf("turbodl: deposit after close_input")
	}

	buf := b.pool.Get()
	buf.Write(data)
	b.segments[offset] = &segment{offset: offset, buf: buf}
	b.occupied += n

	b.notEmpty.Signal()
	return nil
}

// DrainContiguous returns and removes the one segment that starts at
// head_offset, advances head_offset by its length, and wakes any blocked
// depositor. It blocks until that segment has arrived; it never returns
// an empty slice, and further contiguous segments are returned by later
// calls, one segment per call. ok is false only once the buffer is closed
// and no segment starts at head_offset.
func (b *ChunkBuffer) DrainContiguous() (data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if seg, present := b.segments[b.headOffset]; present {
			raw := seg.buf.Bytes()
			data = make([]byte, len(raw))
			copy(data, raw)
			delete(b.segments, b.headOffset)
			b.headOffset += int64(len(data))
			b.occupied -= int64(len(data))
			b.pool.Put(seg.buf)
			b.notFull.Broadcast()
			return data, true
		}
		if b.closed {
			return nil, false
		}
		b.notEmpty.Wait()
	}
}

// CloseInput marks producers finished; a blocked or future DrainContiguous
// call returns (nil, false) once every already-deposited contiguous byte
// has been drained.
func (b *ChunkBuffer) CloseInput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Reset returns the buffer to its initial state. Only legal when empty and
// no producer/consumer is active; spec §4.C.
func (b *ChunkBuffer) Reset(headOffset int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.segments) != 0 || b.occupied != 0 {
		return fmt.Errorf("turbodl: Reset called on non-empty ChunkBuffer")
	}
	b.closed = false
	b.headOffset = headOffset
	return nil
}

// HeadOffset returns the current head_offset, for tests and progress reporting.
func (b *ChunkBuffer) HeadOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headOffset
}

// Occupied returns the currently-occupied byte count, for bounded-memory tests.
func (b *ChunkBuffer) Occupied() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupied
}

// assertInvariants is a test helper verifying spec §4.C (i) and (ii) hold:
// occupied bytes within capacity, and no overlapping segments.
func (b *ChunkBuffer) assertInvariants() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	offsets := make([]int64, 0, len(b.segments))
	for off, seg := range b.segments {
		total += seg.len()
		offsets = append(offsets, off)
	}
	if total > b.capacity {
		return fmt.Errorf("occupied %d exceeds capacity %d", total, b.capacity)
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for i := 1; i < len(offsets); i++ {
		prev := b.segments[offsets[i-1]]
		if prev.offset+prev.len() > offsets[i] {
			return fmt.Errorf("overlapping segments at %d and %d", offsets[i-1], offsets[i])
		}
	}
	return nil
}
