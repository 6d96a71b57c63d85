package connclient

import (
	"log/slog"
	"sync"
)

// Registry is the process-wide table mapping a logical connection
// identity to its live client. Consumers that get recreated (a remount,
// a restarted worker) call Acquire and get the existing connection back
// instead of opening a duplicate. Entries are inserted on open and
// removed on close by the owning client; a missing entry means
// "create new", never an error.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Client)}
}

// Acquire returns the live client for identity, creating and inserting
// a new one when none exists. The bool reports whether an existing
// connection was adopted.
func (r *Registry) Acquire(identity, url string, opts Options) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[identity]; ok && existing.live.Load() {
		slog.Debug("Adopting live connection", "connection_id", identity)
		return existing, true
	}

	opts.Registry = r
	client := New(identity, url, opts)
	r.entries[identity] = client
	return client, false
}

// Lookup returns the live client for identity, if any.
func (r *Registry) Lookup(identity string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.entries[identity]
	if !ok || !client.live.Load() {
		return nil, false
	}
	return client, true
}

// Len counts live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, client := range r.entries {
		if client.live.Load() {
			n++
		}
	}
	return n
}

// register claims the identity slot for a client that just opened a
// transport. It refuses when a different client is still live: the
// caller's fresh handle is the late one and must be discarded.
func (r *Registry) register(identity string, client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[identity]
	if ok && existing != client && existing.live.Load() {
		return false
	}
	r.entries[identity] = client
	return true
}

// remove drops the entry, but only if it still belongs to the caller;
// a stale client must not evict its successor.
func (r *Registry) remove(identity string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[identity] == client {
		delete(r.entries, identity)
	}
}
