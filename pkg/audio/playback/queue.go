package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/intervoice/pkg/audio/codec"
)

// DefaultBlock is the amount of audio written to the sink between two checks
// of the cancel token.
const DefaultBlock = 20 * time.Millisecond

// Played describes one item that finished playing without being flushed.
type Played struct {
	Seq       uint64
	Container string
	Duration  time.Duration
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithBlock sets the write block length. Shorter blocks make Flush audibly
// faster at the cost of more sink calls.
func WithBlock(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.block = d
		}
	}
}

// WithOnDecodeError registers a callback for payloads that fail to decode.
// It runs on the drain goroutine and must not block.
func WithOnDecodeError(fn func(*DecodeError)) Option {
	return func(q *Queue) { q.onDecodeError = fn }
}

// WithOnPlayed registers a callback invoked after each item played to the end.
// It runs on the drain goroutine and must not block.
func WithOnPlayed(fn func(Played)) Option {
	return func(q *Queue) { q.onPlayed = fn }
}

type item struct {
	seq  uint64
	data []byte
}

// Queue is a FIFO of encoded speech units drained by one goroutine.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	sink  Sink
	block time.Duration

	onDecodeError func(*DecodeError)
	onPlayed      func(Played)

	mu            sync.Mutex
	pending       []item
	seq           uint64
	playing       bool
	cancelPlaying chan struct{} // closed to stop the current item
	closed        bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New creates a Queue writing to sink and starts its drain goroutine. Call
// [Queue.Close] to stop it. The sink is not closed by the queue.
func New(sink Sink, opts ...Option) *Queue {
	q := &Queue{
		sink:   sink,
		block:  DefaultBlock,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.drain()
	return q
}

// Enqueue appends one independently decodable payload. It is a no-op after
// Close.
func (q *Queue) Enqueue(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.seq++
	q.pending = append(q.pending, item{seq: q.seq, data: payload})

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Flush stops the item currently playing and discards all pending items. It
// reports how many items were dropped, counting the interrupted one.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.pending)
	q.pending = nil
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
		dropped++
	}
	q.playing = false
	return dropped
}

// Pending returns the number of items waiting behind the current one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Playing reports whether an item is being decoded or written.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Close flushes the queue and stops the drain goroutine, waiting for the
// current sink write to return. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.mu.Unlock()

	close(q.done)
	<-q.exited
	return nil
}

// drain pulls items until Close. Completion of one item leads straight to the
// next iteration, so chaining never nests.
func (q *Queue) drain() {
	defer close(q.exited)

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			it, cancel, ok := q.dequeue()
			if !ok {
				break
			}
			q.play(it, cancel)
			q.finish(cancel)
		}
	}
}

// dequeue pops the head item and installs a fresh cancel token for it.
func (q *Queue) dequeue() (item, chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return item{}, nil, false
	}
	it := q.pending[0]
	q.pending[0] = item{}
	q.pending = q.pending[1:]

	cancel := make(chan struct{})
	q.cancelPlaying = cancel
	q.playing = true
	return it, cancel, true
}

// finish clears the playing state unless a Flush already replaced it.
func (q *Queue) finish(cancel chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelPlaying == cancel {
		q.cancelPlaying = nil
		q.playing = false
	}
}

func (q *Queue) play(it item, cancel <-chan struct{}) {
	pcm, kind, err := codec.Decode(it.data)
	if err != nil {
		derr := &DecodeError{Seq: it.seq, Size: len(it.data), Err: err}
		slog.Warn("playback: skipping undecodable item", "seq", it.seq, "bytes", len(it.data), "err", err)
		if q.onDecodeError != nil {
			q.onDecodeError(derr)
		}
		return
	}

	format := q.sink.Format()
	pcm = pcm.Convert(format)

	frames := format.SampleRate * int(q.block) / int(time.Second)
	if frames < 1 {
		frames = 1
	}
	for from := 0; from < pcm.Frames(); from += frames {
		select {
		case <-cancel:
			slog.Debug("playback: item interrupted", "seq", it.seq)
			return
		default:
		}
		if err := q.sink.Write(pcm.Slice(from, min(from+frames, pcm.Frames()))); err != nil {
			slog.Error("playback: sink write failed", "seq", it.seq, "err", err)
			return
		}
	}

	select {
	case <-cancel:
		return
	default:
	}
	if q.onPlayed != nil {
		q.onPlayed(Played{Seq: it.seq, Container: kind, Duration: pcm.Duration()})
	}
}
