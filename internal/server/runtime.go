package server

import (
	"sync"

	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/stream"
)

// sessionEntry pairs a live session's manager with the number of open
// connections sharing it.
type sessionEntry struct {
	manager *stream.Manager
	conns   int
}

// Runtime holds the process-wide session and recorder tables. A reconnect
// with a known session id resumes the existing manager; the manager is
// destroyed when the last connection for its session closes. Recorders are
// keyed by meeting id so multiple sessions of one meeting share a recording.
type Runtime struct {
	newManager  func(sessionID string) *stream.Manager
	newRecorder func(meetingID string) *record.Recorder

	mu        sync.Mutex
	sessions  map[string]*sessionEntry
	recorders map[string]*record.Recorder
}

// NewRuntime builds a runtime around the given factories.
func NewRuntime(newManager func(string) *stream.Manager, newRecorder func(string) *record.Recorder) *Runtime {
	return &Runtime{
		newManager:  newManager,
		newRecorder: newRecorder,
		sessions:    make(map[string]*sessionEntry),
		recorders:   make(map[string]*record.Recorder),
	}
}

// AcquireSession returns the manager for sessionID, creating one on first
// use, and counts the connection. resumed reports whether an existing
// session was reattached.
func (rt *Runtime) AcquireSession(sessionID string) (m *stream.Manager, resumed bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, ok := rt.sessions[sessionID]
	if !ok {
		e = &sessionEntry{manager: rt.newManager(sessionID)}
		rt.sessions[sessionID] = e
	}
	e.conns++
	return e.manager, ok
}

// ReleaseSession drops one connection from the session. When the last
// connection leaves, the session entry is removed and last is true; the
// caller owns the teardown of the recorder and finalizer.
func (rt *Runtime) ReleaseSession(sessionID string) (last bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e, ok := rt.sessions[sessionID]
	if !ok {
		return false
	}
	e.conns--
	if e.conns > 0 {
		return false
	}
	delete(rt.sessions, sessionID)
	return true
}

// GetOrCreateRecorder returns the recorder for meetingID, creating one if
// none is active.
func (rt *Runtime) GetOrCreateRecorder(meetingID string) *record.Recorder {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.recorders[meetingID]
	if !ok {
		r = rt.newRecorder(meetingID)
		rt.recorders[meetingID] = r
	}
	return r
}

// Recorder looks up the active recorder for meetingID without creating one.
func (rt *Runtime) Recorder(meetingID string) (*record.Recorder, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.recorders[meetingID]
	return r, ok
}

// RemoveRecorder forgets the recorder for meetingID. Called after Stop so a
// later session for the same meeting records into a fresh instance.
func (rt *Runtime) RemoveRecorder(meetingID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.recorders, meetingID)
}

// SessionCount reports how many sessions are live.
func (rt *Runtime) SessionCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.sessions)
}
