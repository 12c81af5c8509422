package server

import (
	"sync"
	"time"

	"mini-ipc/message"
)

// Entry is one decoded request as the listener saw it.
type Entry struct {
	// ID is the id the listener answered under.
	ID uint32
	// RequestID is the id of the request frame.
	RequestID uint32
	Request   message.Request
	At        time.Time
}

// history is a fixed-size ring of recent requests.
type history struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func newHistory(size int) *history {
	return &history{entries: make([]Entry, size)}
}

func (h *history) add(e Entry) {
	if len(h.entries) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) snapshot() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Entry(nil), h.entries[:h.next]...)
	}
	out := make([]Entry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
