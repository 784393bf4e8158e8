package session

import (
	"sync"

	"tardis.dev/tardis"
)

// registry is the process-wide guarded map of live sessions, one entry per
// client currently running a session, enforcing spec §5's "at-most-one
// running session per client". Grounded on the teacher's bind package: a
// single mutex-guarded map owned by the process root, with handlers holding
// only a handle to their own entry (spec §9 Design Notes).
var registry = struct {
	mu    sync.Mutex
	byKey map[tardis.ClientName]string // client -> session id
}{byKey: make(map[tardis.ClientName]string)}

// registerLive claims the live-session slot for client, failing if another
// session is already registered for it (spec §4.6 "previous running"
// check). sessionID is recorded so a refused registration can report the
// holder, returned as prior.
func registerLive(client tardis.ClientName, sessionID string) (prior string, ok bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if cur, live := registry.byKey[client]; live {
		return cur, false
	}
	registry.byKey[client] = sessionID
	return "", true
}

// unregisterLive releases the live-session slot for client, if it is still
// held by sessionID (a stale unregister from an already-superseded session
// is a no-op).
func unregisterLive(client tardis.ClientName, sessionID string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.byKey[client] == sessionID {
		delete(registry.byKey, client)
	}
}

// isLive reports whether client has a session registered, used by BACKUP's
// "previous incomplete session still tracked as live" check independent of
// forcing it away.
func isLive(client tardis.ClientName) (sessionID string, live bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	id, ok := registry.byKey[client]
	return id, ok
}
