package core

import (
	"github.com/gammazero/deque"

	"github.com/vovakirdan/roomchat-server/internal/store"
)

// history is a bounded FIFO of room messages; pushing into a full history
// drops the oldest entry.
type history struct {
	capacity int
	q        deque.Deque[store.Message]
}

func newHistory(capacity int, initial []store.Message) *history {
	if capacity <= 0 {
		capacity = 1
	}
	h := &history{capacity: capacity}
	if len(initial) > capacity {
		initial = initial[len(initial)-capacity:]
	}
	for _, m := range initial {
		h.q.PushBack(m)
	}
	return h
}

func (h *history) push(m store.Message) {
	if h.q.Len() >= h.capacity {
		h.q.PopFront()
	}
	h.q.PushBack(m)
}

func (h *history) len() int {
	return h.q.Len()
}

// slice returns the messages oldest first.
func (h *history) slice() []store.Message {
	out := make([]store.Message, h.q.Len())
	for i := range out {
		out[i] = h.q.At(i)
	}
	return out
}
