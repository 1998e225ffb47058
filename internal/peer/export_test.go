package peer

// LockCount reports how many per-remote locks are held or awaited.
func (m *Manager) LockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
