package events

import (
	"sync"
	"time"
)

const defaultMaxLog = 1000

// Bus is a thread-safe per-worker event log with FIFO fan-out.
//
// Every published event is assigned the worker's next sequence number and
// appended to that worker's log before delivery, so a subscriber that
// reconnects can replay the log instead of assuming it missed nothing.
// Ordering holds per worker only; no cross-worker ordering is guaranteed.
type Bus struct {
	mu     sync.RWMutex
	logs   map[string][]Event // workerID -> ordered log (capped)
	seqs   map[string]int64
	subs   map[string][]subEntry
	maxLog int
	nextID int
	now    func() time.Time
}

type subEntry struct {
	id int
	ch chan Event
}

// NewBus creates a Bus with a per-worker log cap of 1000 events.
func NewBus() *Bus {
	return &Bus{
		logs:   make(map[string][]Event),
		seqs:   make(map[string]int64),
		subs:   make(map[string][]subEntry),
		maxLog: defaultMaxLog,
		now:    time.Now,
	}
}

// Publish assigns the event's sequence number, appends it to the worker's
// log, and delivers it to all subscribers of that worker in FIFO order.
// Delivery is non-blocking: a subscriber whose channel is full misses the
// event and must rely on snapshot replay when it catches up.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	b.seqs[ev.WorkerID]++
	ev.Seq = b.seqs[ev.WorkerID]
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	log := append(b.logs[ev.WorkerID], ev)
	if len(log) > b.maxLog {
		log = log[len(log)-b.maxLog:]
	}
	b.logs[ev.WorkerID] = log

	entries := make([]subEntry, len(b.subs[ev.WorkerID]))
	copy(entries, b.subs[ev.WorkerID])
	b.mu.Unlock()

	// Delivery runs outside the lock, so two goroutines publishing for the
	// same worker may enqueue on a subscriber channel out of Seq order. The
	// log itself is ordered under the lock; consumers that need strict
	// ordering sort on Seq or Replay from their last seen Seq.
	for _, e := range entries {
		select {
		case e.ch <- ev:
		default:
			// Subscriber channel full; replay covers the gap.
		}
	}
	return ev
}

// Subscribe registers for a worker's events. The returned snapshot is the
// worker's current log; live events published after the call arrive on the
// channel. Taking both under one registration means a consumer sees every
// event at least once: first via snapshot, then live.
func (b *Bus) Subscribe(workerID string, buf int) (snapshot []Event, ch <-chan Event, unsubscribe func()) {
	if buf <= 0 {
		buf = 64
	}
	c := make(chan Event, buf)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[workerID] = append(b.subs[workerID], subEntry{id: id, ch: c})
	snapshot = append([]Event(nil), b.logs[workerID]...)
	b.mu.Unlock()

	return snapshot, c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[workerID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.subs, workerID)
		} else {
			b.subs[workerID] = filtered
		}
	}
}

// Replay returns the worker's logged events with Seq > fromSeq.
func (b *Bus) Replay(workerID string, fromSeq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.logs[workerID] {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out
}
