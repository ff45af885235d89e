package store

// Stores is the top-level container for all storage backends.
// Buffers and Cooldowns live in redis when configured, otherwise in process
// memory. Sessions may be backed by redis, sqlite (standalone) or postgres
// (managed).
type Stores struct {
	Buffers   BufferStore
	Cooldowns CooldownStore
	Sessions  SessionStore

	closers []func() error
}

// AddCloser registers a release hook run by Close in reverse order.
func (s *Stores) AddCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases every backend connection. The first error is returned.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}
