package mqtt0

import (
	"strings"
	"sync"
)

// Trie is a thread-safe trie data structure for MQTT topic pattern matching.
// It supports MQTT wildcards:
//   - `+` matches exactly one topic level
//   - `#` matches any number of remaining topic levels (must be last)
//
// Trie has no notion of shared-subscription syntax (`$share/...`,
// `$queue/...`); callers that need to route shared subscriptions strip
// that prefix themselves before calling Insert (see ParseSharedTopic) and
// store the group separately.
type Trie[T any] struct {
	mu   sync.RWMutex
	root *trieNode[T]
}

type trieNode[T any] struct {
	children map[string]*trieNode[T]
	matchAny *trieNode[T] // + wildcard
	hashChild *trieNode[T] // # wildcard
	values   []T
}

// NewTrie creates a new Trie.
func NewTrie[T any]() *Trie[T] {
	return &Trie[T]{
		root: &trieNode[T]{},
	}
}

// Insert adds a value at the given pattern. pattern must not contain a `#`
// anywhere but as its final segment.
func (t *Trie[T]) Insert(pattern string, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.insert(pattern, value)
}

// Match returns the first value matching topic and whether one was found.
// Branch order is: exact children, then `+`, then `#`. Most callers that
// care about every matching subscription, not just one, want MatchAll.
func (t *Trie[T]) Match(topic string) (value T, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	values := t.root.matchAll(topic, true, nil)
	if len(values) == 0 {
		var zero T
		return zero, false
	}
	return values[0], true
}

// MatchAll returns every value registered under a pattern that matches
// topic, across every simultaneously-matching branch (an exact child, the
// `+` child, and the `#` child may all match the same topic at once, and
// all of their values are included).
func (t *Trie[T]) MatchAll(topic string) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root.matchAll(topic, true, nil)
}

// RemoveOne removes the first value for which predicate returns true,
// stored under pattern. It returns true if a value was removed.
func (t *Trie[T]) RemoveOne(pattern string, predicate func(T) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.removeOne(pattern, predicate)
}

// Remove removes every value for which predicate returns true, stored
// under pattern. It returns true if any value was removed.
func (t *Trie[T]) Remove(pattern string, predicate func(T) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.removeAll(pattern, predicate)
}

func splitFirstSegment(path string) (first, rest string) {
	idx := strings.IndexByte(path, '/')
	if idx == -1 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

func (n *trieNode[T]) insert(pattern string, value T) error {
	if pattern == "" {
		n.values = append(n.values, value)
		return nil
	}

	first, rest := splitFirstSegment(pattern)

	switch first {
	case "+":
		if n.matchAny == nil {
			n.matchAny = &trieNode[T]{}
		}
		return n.matchAny.insert(rest, value)
	case "#":
		if rest != "" {
			return ErrInvalidTopic
		}
		if n.hashChild == nil {
			n.hashChild = &trieNode[T]{}
		}
		n.hashChild.values = append(n.hashChild.values, value)
		return nil
	default:
		if n.children == nil {
			n.children = make(map[string]*trieNode[T])
		}
		child, ok := n.children[first]
		if !ok {
			child = &trieNode[T]{}
			n.children[first] = child
		}
		return child.insert(rest, value)
	}
}

// matchAll walks every branch that matches the remaining topic suffix and
// appends their values to out, in exact/+/# order. atRoot is true only for
// the very first segment, where the MQTT `$`-prefix rule applies: a topic
// whose first segment starts with `$` never matches a `+` or `#` at the
// root.
func (n *trieNode[T]) matchAll(topic string, atRoot bool, out []T) []T {
	if topic == "" {
		out = append(out, n.values...)
		// `#` matches the parent level itself ("a/b/#" matches "a/b").
		if n.hashChild != nil && !atRoot {
			out = append(out, n.hashChild.values...)
		}
		return out
	}

	first, rest := splitFirstSegment(topic)
	isDollarTopic := len(first) > 0 && first[0] == '$'

	if n.children != nil {
		if child, ok := n.children[first]; ok {
			out = child.matchAll(rest, false, out)
		}
	}

	if n.matchAny != nil && !(isDollarTopic && atRoot) {
		out = n.matchAny.matchAll(rest, false, out)
	}

	if n.hashChild != nil && !(isDollarTopic && atRoot) {
		out = append(out, n.hashChild.values...)
	}

	return out
}

func (n *trieNode[T]) removeAll(pattern string, predicate func(T) bool) bool {
	if pattern == "" {
		before := len(n.values)
		n.values = filterOut(n.values, predicate)
		return len(n.values) < before
	}

	first, rest := splitFirstSegment(pattern)
	switch first {
	case "+":
		if n.matchAny != nil {
			return n.matchAny.removeAll(rest, predicate)
		}
	case "#":
		if n.hashChild != nil {
			before := len(n.hashChild.values)
			n.hashChild.values = filterOut(n.hashChild.values, predicate)
			return len(n.hashChild.values) < before
		}
	default:
		if n.children != nil {
			if child, ok := n.children[first]; ok {
				return child.removeAll(rest, predicate)
			}
		}
	}
	return false
}

func (n *trieNode[T]) removeOne(pattern string, predicate func(T) bool) bool {
	if pattern == "" {
		for i, v := range n.values {
			if predicate(v) {
				n.values = append(n.values[:i], n.values[i+1:]...)
				return true
			}
		}
		return false
	}

	first, rest := splitFirstSegment(pattern)
	switch first {
	case "+":
		if n.matchAny != nil {
			return n.matchAny.removeOne(rest, predicate)
		}
	case "#":
		if n.hashChild != nil {
			for i, v := range n.hashChild.values {
				if predicate(v) {
					n.hashChild.values = append(n.hashChild.values[:i], n.hashChild.values[i+1:]...)
					return true
				}
			}
		}
	default:
		if n.children != nil {
			if child, ok := n.children[first]; ok {
				return child.removeOne(rest, predicate)
			}
		}
	}
	return false
}

func filterOut[T any](values []T, predicate func(T) bool) []T {
	kept := values[:0]
	for _, v := range values {
		if !predicate(v) {
			kept = append(kept, v)
		}
	}
	return kept
}
