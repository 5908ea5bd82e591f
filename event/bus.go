// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"sync"
	"time"
)

// Handler receives published messages on the bus's single drain
// goroutine. It is never invoked concurrently with itself.
type Handler func(Message)

// drainInterval is the cadence at which the bus drains its queue onto
// the user handler, per spec.md §4.A.
const drainInterval = 25 * time.Millisecond

// batchSize bounds how many messages are delivered per drain tick so a
// handler that's briefly slow can't starve the queue's producers.
const batchSize = 64

// defaultCapacity bounds the queue so a handler that never returns
// can't grow memory without limit; the oldest message is dropped and
// counted rather than blocking a producer (see DESIGN.md).
const defaultCapacity = 4096

// Bus buffers Messages from multiple producers and drains them, in the
// order each producer enqueued them, to a single user handler on one
// dedicated goroutine.
type Bus struct {
	mu      sync.Mutex
	q       []Message
	dropped uint64

	handlerMu sync.Mutex
	handler   Handler

	stop chan struct{}
	done chan struct{}
}

// NewBus constructs a Bus with no handler attached. Call SetHandler and
// then Start.
func NewBus() *Bus {
	return &Bus{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SetHandler installs (or replaces) the user callback. It is guarded by
// callbackLock-equivalent locking so it can't be torn down mid-dispatch.
func (b *Bus) SetHandler(h Handler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handler = h
}

// Publish enqueues a message by value. It never blocks: a full queue
// drops the oldest message and increments Dropped.
func (b *Bus) Publish(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.q) >= defaultCapacity {
		b.q = b.q[1:]
		b.dropped++
	}
	b.q = append(b.q, m)
}

// Dropped reports how many messages were discarded because the queue
// was full when Publish was called.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Start launches the dedicated drain goroutine. It is a no-op if
// already started.
func (b *Bus) Start() {
	go b.drain()
}

// Stop signals the drain goroutine to exit once the queue is empty, and
// blocks until it has. Per spec.md §4.A the thread "exits only after
// the service is stopped AND the queue is empty".
func (b *Bus) Stop() {
	close(b.stop)
	<-b.done
}

func (b *Bus) drain() {
	defer close(b.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.drainOnce()
		case <-b.stop:
			// Keep draining until empty, then exit.
			for b.drainOnce() {
			}
			return
		}
	}
}

// drainOnce delivers up to batchSize queued messages and reports
// whether the queue had any messages left to deliver.
func (b *Bus) drainOnce() bool {
	b.mu.Lock()
	n := len(b.q)
	if n > batchSize {
		n = batchSize
	}
	batch := append([]Message(nil), b.q[:n]...)
	b.q = b.q[n:]
	remaining := len(b.q)
	b.mu.Unlock()

	if len(batch) == 0 {
		return false
	}

	b.handlerMu.Lock()
	h := b.handler
	b.handlerMu.Unlock()
	if h != nil {
		for _, m := range batch {
			h(m)
		}
	}
	return remaining > 0 || len(batch) == batchSize
}
