package session

import (
	"sync"

	"github.com/gammazero/deque"
)

// mailbox is an unbounded queue of work for the event loop. Posting never
// blocks, so pion callbacks and relay readers can always hand work off even
// while the loop is busy closing connections they belong to.
type mailbox struct {
	mu     sync.Mutex
	queue  deque.Deque[func()]
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (mb *mailbox) post(f func()) {
	mb.mu.Lock()
	mb.queue.PushBack(f)
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}

// drain empties the queue, returning its work in posting order.
func (mb *mailbox) drain() []func() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.queue.Len() == 0 {
		return nil
	}
	work := make([]func(), 0, mb.queue.Len())
	for mb.queue.Len() > 0 {
		work = append(work, mb.queue.PopFront())
	}
	return work
}
