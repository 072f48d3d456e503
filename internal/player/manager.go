package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zsiec/avplay/internal/mailbox"
)

// ErrUnknownSession is returned for operations on an id the manager does
// not track.
var ErrUnknownSession = errors.New("player: unknown session")

// DepsFactory builds the collaborators for one session. Sinks are owned by
// the session, so every call must return fresh ones.
type DepsFactory func(id, url string) (Deps, error)

// Manager tracks the lifecycle of concurrent playback sessions.
type Manager struct {
	log     *slog.Logger
	factory DepsFactory
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(factory DepsFactory, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		factory:  factory,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session for url and registers it under a fresh id. The
// session is removed from the manager once it stops.
func (m *Manager) Create(ctx context.Context, url string, notify *mailbox.Mailbox, clientTag string) (*Session, error) {
	id := uuid.NewString()
	deps, err := m.factory(id, url)
	if err != nil {
		return nil, fmt.Errorf("building session %s: %w", id, err)
	}
	if deps.Log == nil {
		deps.Log = m.log
	}

	s := New(id, url, clientTag, deps, m.opts, notify)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	select {
	case <-s.Done():
	default:
		m.sessions[id] = s
	}
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.remove(id)
	}()

	m.log.Info("session created", "session", id, "url", url, "tag", clientTag)
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.log.Info("session removed", "session", id)
	}
}

// Get returns the session with id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Post delivers a control message to the session with id.
func (m *Manager) Post(id string, msg mailbox.Message) error {
	s := m.Get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.Post(msg)
}

// Destroy stops the session with id and waits for it to release its
// resources.
func (m *Manager) Destroy(id string) error {
	s := m.Get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.Destroy()
	m.remove(id)
	return nil
}

// List returns all active sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshots returns the stats of every active session.
func (m *Manager) Snapshots() []Snapshot {
	list := m.List()
	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Stats())
	}
	return out
}

// Shutdown destroys every session concurrently and waits for all of them.
func (m *Manager) Shutdown() {
	var wg sync.WaitGroup
	for _, s := range m.List() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Destroy()
			m.remove(s.id)
		}(s)
	}
	wg.Wait()
}
