package session

import (
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Registry is a concurrent pool of sessions keyed by peripheral ID.
// Each session owns its own serial execution context, so unrelated
// peripherals never block each other.
type Registry struct {
	sessions *hashmap.Map[string, *PeripheralSession]
	logger   *logrus.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions: hashmap.New[string, *PeripheralSession](),
		logger:   logger,
	}
}

// GetOrCreate returns the session for peripheralID, creating it via
// factory if absent. Safe for concurrent use; when two callers race,
// one factory result wins and the loser is closed.
func (r *Registry) GetOrCreate(peripheralID string, factory func(peripheralID string) *PeripheralSession) *PeripheralSession {
	if s, ok := r.sessions.Get(peripheralID); ok {
		return s
	}
	s := factory(peripheralID)
	if actual, loaded := r.sessions.GetOrInsert(peripheralID, s); loaded {
		s.Close()
		return actual
	}
	r.logger.WithField("peripheral", peripheralID).Debug("Session created")
	return s
}

// Get returns the session for peripheralID, if any.
func (r *Registry) Get(peripheralID string) (*PeripheralSession, bool) {
	return r.sessions.Get(peripheralID)
}

// Remove closes and removes the session for peripheralID.
func (r *Registry) Remove(peripheralID string) {
	if s, ok := r.sessions.Get(peripheralID); ok {
		r.sessions.Del(peripheralID)
		s.Close()
		r.logger.WithField("peripheral", peripheralID).Debug("Session removed")
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// CloseAll closes and removes every session.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(id string, s *PeripheralSession) bool {
		r.sessions.Del(id)
		s.Close()
		return true
	})
}
