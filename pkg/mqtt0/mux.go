package mqtt0

import (
	"sort"
	"sync"
)

// MuxHandler handles one dispatched message and reports whether it
// succeeded. Unlike Handler (the broker's fire-and-forget callback), a
// MuxHandler's error return lets a Mux give callers a definite verdict for
// a dispatch, which matters for tests and for clients that route incoming
// PUBLISHes to several independent subsystems.
type MuxHandler interface {
	HandleMessage(clientID string, msg *Message) error
}

// MuxHandlerFunc adapts an ordinary function to a MuxHandler.
type MuxHandlerFunc func(clientID string, msg *Message) error

// HandleMessage calls f(clientID, msg).
func (f MuxHandlerFunc) HandleMessage(clientID string, msg *Message) error {
	return f(clientID, msg)
}

// Mux is a topic-pattern dispatch table. It wraps a Trie the same way an
// http.ServeMux wraps a routing table: Handle registers a pattern, and
// HandleMessage walks every pattern matching a message's topic, in
// registration order, calling each registered handler in turn.
//
// A Mux is itself a MuxHandler, so one Mux can be registered as an entry
// inside another, or used directly as a Client's dispatch target.
type Mux struct {
	mu   sync.Mutex
	trie *Trie[muxEntry]
	seq  int
}

// muxEntry carries the registration order alongside the handler, so that
// dispatch over overlapping patterns runs handlers in the order they were
// registered rather than in trie-branch order.
type muxEntry struct {
	seq     int
	handler MuxHandler
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{trie: NewTrie[muxEntry]()}
}

// Handle registers h to receive every message whose topic matches pattern.
// Multiple handlers may be registered at overlapping patterns; all of them
// run, in the order they were registered, when a topic matches more than
// one.
func (m *Mux) Handle(pattern string, h MuxHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trie.Insert(pattern, muxEntry{seq: m.seq, handler: h}); err != nil {
		return err
	}
	m.seq++
	return nil
}

// HandleFunc registers fn as a handler at pattern.
func (m *Mux) HandleFunc(pattern string, fn func(clientID string, msg *Message) error) error {
	return m.Handle(pattern, MuxHandlerFunc(fn))
}

// HandleMessage dispatches msg to every handler registered at a pattern
// matching msg.Topic. It runs them all even if one fails, and returns the
// first error encountered so dispatch outcomes stay deterministic.
//
// The Mux's lock is held for the whole fan-out, so a concurrent Handle
// cannot invalidate an in-progress dispatch. Handlers must not re-enter
// the same Mux (via Handle or HandleMessage); doing so deadlocks.
func (m *Mux) HandleMessage(clientID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.trie.MatchAll(string(msg.Topic))

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	var firstErr error
	for _, e := range entries {
		if err := e.handler.HandleMessage(clientID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Handler returns m as a MuxHandler, for composing one Mux as an entry of
// another.
func (m *Mux) Handler() MuxHandler { return m }
