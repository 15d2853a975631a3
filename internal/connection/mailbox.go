package connection

import "sync"

// mailbox runs posted callbacks one at a time, in post order, on its own
// goroutine. post never blocks, so it is safe to call with locks held.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	signal chan struct{}
	exited chan struct{}
}

func newMailbox() *mailbox {
	mb := &mailbox{
		signal: make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go mb.run()
	return mb
}

func (mb *mailbox) post(fn func()) {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.items = append(mb.items, fn)
	mb.mu.Unlock()
	mb.wake()
}

func (mb *mailbox) wake() {
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	defer close(mb.exited)
	for {
		fn, more := mb.next()
		if fn != nil {
			fn()
			continue
		}
		if !more {
			return
		}
		<-mb.signal
	}
}

// next pops the oldest callback. more is false once the mailbox is closed
// and empty.
func (mb *mailbox) next() (fn func(), more bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.items) == 0 {
		return nil, !mb.closed
	}
	fn = mb.items[0]
	mb.items[0] = nil
	mb.items = mb.items[1:]
	return fn, true
}

// close rejects further posts, runs what is already queued and returns once
// the mailbox goroutine has exited. It must not be called from a callback.
func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.wake()
	<-mb.exited
}
