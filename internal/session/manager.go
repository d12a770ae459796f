package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/model"
)

// Manager owns the live sessions of one model.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	model      model.Model
	maxContext int
	log        logger.Logger
	clock      func() time.Time
}

// NewManager returns an empty manager. maxContext is the default bound for
// sessions that do not request one.
func NewManager(m model.Model, maxContext int, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		model:      m,
		maxContext: maxContext,
		log:        log,
		clock:      time.Now,
	}
}

// Model returns the shared model.
func (m *Manager) Model() model.Model { return m.model }

// Create starts a new session. maxContext <= 0 uses the manager default.
func (m *Manager) Create(maxContext int) *Session {
	if maxContext <= 0 {
		maxContext = m.maxContext
	}
	s := New("sess_"+uuid.NewString(), m.model, maxContext, m.clock())
	s.now = m.clock

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.log.Debug("session created", "id", s.ID, "max_context", s.maxContext, "live", n)
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Delete removes a session and releases its cache.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.log.Debug("session deleted", "id", id)
	return nil
}

// List returns summaries ordered by creation time, then id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, len(all))
	for i, s := range all {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune deletes sessions idle for longer than maxIdle and returns how many
// were removed. Sessions with a step in progress are never idle.
func (m *Manager) Prune(maxIdle time.Duration) int {
	cutoff := m.clock().Add(-maxIdle)

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var victims []*Session
	for _, s := range all {
		if s.idle(cutoff) {
			victims = append(victims, s)
		}
	}
	if len(victims) == 0 {
		return 0
	}

	removed := 0
	m.mu.Lock()
	for _, s := range victims {
		if m.sessions[s.ID] == s && s.idle(cutoff) {
			delete(m.sessions, s.ID)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.log.Info("pruned idle sessions", "count", removed, "max_idle", maxIdle)
	}
	return removed
}
