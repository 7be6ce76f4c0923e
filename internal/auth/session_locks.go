package auth

import "sync"

// sessionLocks serialises rotation per session. Entries are reference counted
// so the registry stays bounded by the number of in-flight rotations rather
// than the number of sessions ever seen.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// TryAcquire attempts to take the lock for the given session without
// blocking. On success it returns a release function; on failure another
// rotation holds the lock and the caller must back off.
func (l *sessionLocks) TryAcquire(sessionID string) (func(), bool) {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &lockEntry{}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if !entry.mu.TryLock() {
		l.release(sessionID, entry)
		return nil, false
	}

	return func() {
		entry.mu.Unlock()
		l.release(sessionID, entry)
	}, true
}

func (l *sessionLocks) release(sessionID string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, sessionID)
	}
	l.mu.Unlock()
}
