package session

import "sync"

// Factory builds a runtime for a session the manager has not seen yet.
type Factory func(sessionID, callID string) *Runtime

// Manager holds the live runtimes on this node, one per session.
type Manager struct {
	factory Factory

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func NewManager(factory Factory) *Manager {
	return &Manager{
		factory:  factory,
		runtimes: make(map[string]*Runtime),
	}
}

func (m *Manager) Get(sessionID string) (*Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sessionID]
	return rt, ok
}

// GetOrCreate returns the session's runtime, building it on first use.
// The call id sticks from whichever connection attached first.
func (m *Manager) GetOrCreate(sessionID, callID string) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[sessionID]; ok {
		return rt
	}
	rt := m.factory(sessionID, callID)
	m.runtimes[sessionID] = rt
	return rt
}

func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// Wait drains every runtime's playback loop.
func (m *Manager) Wait() {
	m.mu.Lock()
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()
	for _, rt := range runtimes {
		rt.Wait()
	}
}
