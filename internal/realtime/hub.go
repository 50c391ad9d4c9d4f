package realtime

import (
	"sync"

	"github.com/yegors/aura-relay/pkg/logger"
)

// Hub tracks live sessions so they can be counted and closed on shutdown
type Hub struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		logger:   log.Named("realtime-hub"),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	count := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug("Session registered", logger.String("session_id", s.ID), logger.Int("session_count", count))
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	count := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug("Session unregistered", logger.String("session_id", s.ID), logger.Int("session_count", count))
}

// Count returns the number of live sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every live session with the given code and reason
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	if len(sessions) > 0 {
		h.logger.Info("Closing realtime sessions", logger.Int("count", len(sessions)))
	}
	for _, s := range sessions {
		s.Close(code, reason)
	}
}
