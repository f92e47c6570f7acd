package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrNotFound = errors.New("state: session not found")

// Store is the contract both backends satisfy. Every operation is safe
// under concurrent access; per-call reads and writes serialize so that
// background tasks see consistent snapshots.
type Store interface {
	Create(ctx context.Context, callID string) (*CallSession, error)
	Get(ctx context.Context, callID string) (*CallSession, error)
	Update(ctx context.Context, callID string, fields Fields) (*CallSession, error)
	TransitionPhase(ctx context.Context, callID string, next Phase) (*CallSession, error)
	Delete(ctx context.Context, callID string) error
	ActiveCalls(ctx context.Context) int
	Healthy(ctx context.Context) bool
}

// MemoryStore is the volatile in-process backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	logger   *slog.Logger
}

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		sessions: make(map[string]*CallSession),
		logger:   logger,
	}
}

func (m *MemoryStore) Create(_ context.Context, callID string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[callID]; ok {
		m.logger.Warn("session_overwrite", "call_id", callID)
	}
	s := newSession(callID)
	m.sessions[callID] = s
	return s.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, callID string, fields Fields) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	fields.apply(s)
	return s.Clone(), nil
}

func (m *MemoryStore) TransitionPhase(_ context.Context, callID string, next Phase) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanAdvance(s.Phase, next) {
		m.logger.Warn("phase_regression_blocked",
			"call_id", callID, "from", string(s.Phase), "to", string(next))
		return s.Clone(), nil
	}
	s.Phase = next
	return s.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}

func (m *MemoryStore) ActiveCalls(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) Healthy(_ context.Context) bool { return true }
