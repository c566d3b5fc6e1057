// Package debounce merges bursts of fragments from one correspondent into a
// single logical message once the correspondent has been quiet for an
// interval.
package debounce

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("debounce: aggregator closed")

// FlushFunc receives each assembled message. It runs on a timer goroutine and
// must neither block nor call back into the Aggregator; hand the message to a
// queue.
type FlushFunc func(chat.LogicalMessage)

// Aggregator holds one buffer per correspondent. A buffer is Buffering from
// its first fragment until its timer fires; each new fragment restarts the
// timer. Once a buffer has flushed it is never appended to again, so a
// fragment racing the flush starts a new buffer.
type Aggregator struct {
	interval time.Duration
	flush    FlushFunc
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	buffers map[chat.Correspondent]*buffer
	closed  bool

	// emitMu is taken before a buffer is marked flushed and held across the
	// callback, so flushes for one correspondent reach the callback in order.
	emitMu sync.Mutex
}

type buffer struct {
	mu      sync.Mutex
	frags   []chat.RawFragment
	keys    map[string]struct{}
	timer   *time.Timer
	gen     uint64
	flushed bool
}

// New creates an aggregator that flushes after interval of quiet.
func New(interval time.Duration, flush FlushFunc, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		interval: interval,
		flush:    flush,
		logger:   logger,
		now:      time.Now,
		buffers:  make(map[chat.Correspondent]*buffer),
	}
}

// Add appends a fragment to its correspondent's buffer and restarts the
// quiet timer. A fragment already in the buffer is ignored. A fragment
// older than the buffer's last fragment is dropped with an InvariantError.
func (a *Aggregator) Add(f chat.RawFragment) error {
	for {
		b, err := a.bufferFor(f.Correspondent)
		if err != nil {
			return err
		}

		b.mu.Lock()
		if b.flushed {
			b.mu.Unlock()
			a.forget(f.Correspondent, b)
			continue
		}
		err = a.appendLocked(b, f)
		b.mu.Unlock()
		return err
	}
}

func (a *Aggregator) appendLocked(b *buffer, f chat.RawFragment) error {
	key := f.DedupeKey()
	if _, dup := b.keys[key]; dup {
		a.logger.Debug("duplicate fragment ignored", "correspondent", f.Correspondent)
		return nil
	}
	if n := len(b.frags); n > 0 && f.ReceivedAt.Before(b.frags[n-1].ReceivedAt) {
		return &chat.InvariantError{
			Kind:          "out_of_order_fragment",
			Correspondent: f.Correspondent,
			Detail:        "fragment received at " + f.ReceivedAt.Format(time.RFC3339Nano) + " precedes buffered tail",
		}
	}

	b.frags = append(b.frags, f)
	b.keys[key] = struct{}{}
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	c := f.Correspondent
	b.timer = time.AfterFunc(a.interval, func() { a.fire(c, b, gen) })
	return nil
}

func (a *Aggregator) bufferFor(c chat.Correspondent) (*buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	b, ok := a.buffers[c]
	if !ok {
		b = &buffer{keys: make(map[string]struct{})}
		a.buffers[c] = b
	}
	return b, nil
}

func (a *Aggregator) forget(c chat.Correspondent, b *buffer) {
	a.mu.Lock()
	if a.buffers[c] == b {
		delete(a.buffers, c)
	}
	a.mu.Unlock()
}

// fire runs when a buffer's timer expires. A stale generation means another
// fragment arrived after this timer was armed.
func (a *Aggregator) fire(c chat.Correspondent, b *buffer, gen uint64) {
	b.mu.Lock()
	if b.flushed || b.gen != gen {
		b.mu.Unlock()
		return
	}
	a.emitMu.Lock()
	b.flushed = true
	frags := b.frags
	b.frags = nil
	b.mu.Unlock()

	a.forget(c, b)
	a.emit(c, frags)
	a.emitMu.Unlock()
}

func (a *Aggregator) emit(c chat.Correspondent, frags []chat.RawFragment) {
	if len(frags) == 0 {
		return
	}
	msg := chat.LogicalMessage{
		Correspondent: c,
		Content:       chat.JoinFragments(frags),
		Fragments:     frags,
		AssembledAt:   a.now(),
	}
	a.logger.Debug("fragments flushed", "correspondent", c, "fragments", len(frags))
	a.flush(msg)
}

// Pending returns the number of buffered fragments for c.
func (a *Aggregator) Pending(c chat.Correspondent) int {
	a.mu.Lock()
	b, ok := a.buffers[c]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return 0
	}
	return len(b.frags)
}

// Buffering returns the number of correspondents with a pending buffer.
func (a *Aggregator) Buffering() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Close stops all timers and flushes every pending buffer immediately, in
// the calling goroutine. Later calls to Add return ErrClosed.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := a.buffers
	a.buffers = make(map[chat.Correspondent]*buffer)
	a.mu.Unlock()

	for c, b := range pending {
		b.mu.Lock()
		if b.flushed {
			b.mu.Unlock()
			continue
		}
		if b.timer != nil {
			b.timer.Stop()
		}
		a.emitMu.Lock()
		b.flushed = true
		frags := b.frags
		b.frags = nil
		b.mu.Unlock()

		a.emit(c, frags)
		a.emitMu.Unlock()
	}

	// Wait out a timer that marked its buffer flushed before we got to it.
	a.emitMu.Lock()
	a.emitMu.Unlock()
}
