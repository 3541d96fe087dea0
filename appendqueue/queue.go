// Package appendqueue feeds downloaded segment bytes into a consumer
// sink (a player's source buffer, or a demuxed video/audio pair) one
// append at a time per sub-queue, handling the sink's quota-exceeded
// backpressure by evicting already-played data and retrying.
//
// The "at most one append in flight, latch cleared on completion"
// shape and the ownership-transfer discipline around the passed bytes
// are grounded in the teacher's proxy/stream/buffer/coordinator.go
// Write/ReadChunks pair, which likewise serializes a single writer
// against a ring and resets/returns buffers once consumed.
package appendqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"stream-engine/logger"
	"stream-engine/metrics"
)

// Kind distinguishes the sub-queue a chunk belongs to. Combined is
// used when no Transmuxer splits the stream into separate tracks.
type Kind int

const (
	Combined Kind = iota
	Video
	Audio
)

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return "combined"
	}
}

const (
	KeepBehindSeconds    = 10
	BufferMaxSeconds     = 60
	BufferAheadLimit     = 30
	quotaRetryDelay      = 100 * time.Millisecond
)

// ErrQuotaExceeded is returned by Sink.Append when the underlying
// buffer has no room and the caller must evict before retrying.
var ErrQuotaExceeded = errors.New("appendqueue: quota exceeded")

// Sink is the consumer side of the queue: a fragmented-MP4 source
// buffer or an equivalent player-side append target.
type Sink interface {
	// Append writes data to the kind's track. It blocks until the
	// sink's update_end fires (successful append), or returns
	// ErrQuotaExceeded if the sink had no room.
	Append(kind Kind, data []byte) error
	// Evict drops buffered data for kind in [fromSeconds, toSeconds).
	Evict(kind Kind, fromSeconds, toSeconds float64) error
	// BufferedRange reports the currently buffered extent for kind.
	BufferedRange(kind Kind) (start, end float64)
	// CurrentTime is the sink's current playback position.
	CurrentTime() float64
	// EndOfStream signals no further data will arrive on any track.
	EndOfStream()
}

type item struct {
	data   []byte
	isInit bool
}

type subQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []item
	closed   bool
	initSent bool
}

func newSubQueue() *subQueue {
	sq := &subQueue{}
	sq.cond = sync.NewCond(&sq.mu)
	return sq
}

func (q *subQueue) pushBack(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *subQueue) pushFront(it item) {
	q.mu.Lock()
	q.items = append([]item{it}, q.items...)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *subQueue) popFront() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *subQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Queue drains one or more sub-queues into a Sink, enforcing the
// single-append-in-flight contract per sub-queue and handling
// quota-exceeded backpressure via eviction and retry.
type Queue struct {
	sink   Sink
	logger logger.Logger
	kinds  []Kind
	subs   map[Kind]*subQueue

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New starts one worker goroutine per kind, each draining its
// sub-queue into sink. ctx bounds the workers' lifetime.
func New(ctx context.Context, sink Sink, kinds []Kind, log logger.Logger) *Queue {
	if log == nil {
		log = logger.NoopLogger{}
	}
	wctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		sink:   sink,
		logger: log.With("appendqueue"),
		kinds:  kinds,
		subs:   make(map[Kind]*subQueue, len(kinds)),
		cancel: cancel,
	}
	for _, k := range kinds {
		q.subs[k] = newSubQueue()
	}
	for _, k := range kinds {
		q.wg.Add(1)
		go q.run(wctx, k)
	}
	return q
}

// SetInit registers the init segment for kind by placing it at the head
// of the sub-queue, ahead of every media chunk not yet handed to the
// sink. Per spec.md §4.6, a sub-queue accepts at most one
// init segment for its lifetime, so a second call (e.g. a Transmuxer
// re-announcing init on every variant switch) is a no-op.
func (q *Queue) SetInit(kind Kind, data []byte) {
	sq := q.subs[kind]
	if sq == nil {
		return
	}
	sq.mu.Lock()
	if sq.initSent {
		sq.mu.Unlock()
		return
	}
	sq.initSent = true
	sq.mu.Unlock()
	sq.pushFront(item{data: data, isInit: true})
}

// Enqueue appends a media chunk to kind's sub-queue tail.
func (q *Queue) Enqueue(kind Kind, data []byte) {
	sq := q.subs[kind]
	if sq == nil {
		return
	}
	sq.pushBack(item{data: data})
}

// NeedsMoreData reports whether the producer should keep fetching:
// true when the sink's buffered extent for kind is empty or runs out
// within BufferAheadLimit seconds of the current playback position.
func (q *Queue) NeedsMoreData(kind Kind) bool {
	start, end := q.sink.BufferedRange(kind)
	if end <= start {
		return true
	}
	return (end - q.sink.CurrentTime()) < BufferAheadLimit
}

// BufferedSeconds reports how far ahead of the current playback
// position kind is buffered, the input ABRController needs for its
// buffer-level thresholds. Zero when nothing is buffered yet.
func (q *Queue) BufferedSeconds(kind Kind) float64 {
	start, end := q.sink.BufferedRange(kind)
	if end <= start {
		return 0
	}
	ahead := end - q.sink.CurrentTime()
	if ahead < 0 {
		return 0
	}
	return ahead
}

// Close stops all worker goroutines and waits for them to exit.
func (q *Queue) Close() {
	q.cancel()
	for _, sq := range q.subs {
		sq.close()
	}
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context, kind Kind) {
	defer q.wg.Done()
	sq := q.subs[kind]

	for {
		if ctx.Err() != nil {
			return
		}
		it, ok := sq.popFront()
		if !ok {
			return // sub-queue closed with nothing pending
		}

		if err := q.sink.Append(kind, it.data); err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				q.handleQuotaExceeded(kind, it)
				continue
			}
			q.logger.Errorf("appendqueue: %s append failed: %v", kind, err)
			continue
		}
	}
}

// handleQuotaExceeded implements spec.md §4.6's eviction contract:
// drop [buffered_start, current_time-keep_behind), drop further from
// the tail of the start if still over BufferMaxSeconds, then re-queue
// the rejected chunk at head and retry after 100ms.
func (q *Queue) handleQuotaExceeded(kind Kind, it item) {
	metrics.AppendQueueQuotaExceededTotal.WithLabelValues(kind.String()).Inc()

	start, end := q.sink.BufferedRange(kind)
	cur := q.sink.CurrentTime()
	evictEnd := cur - KeepBehindSeconds
	if evictEnd > start {
		if err := q.sink.Evict(kind, start, evictEnd); err != nil {
			q.logger.Errorf("appendqueue: %s evict failed: %v", kind, err)
		}
	}

	start, end = q.sink.BufferedRange(kind)
	if end-start > BufferMaxSeconds {
		overshoot := (end - start) - BufferMaxSeconds
		_ = q.sink.Evict(kind, start, start+overshoot)
	}

	q.subs[kind].pushFront(it)
	time.Sleep(quotaRetryDelay)
}
