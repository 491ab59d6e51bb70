package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"loopcast/internal/models"
)

type sessionRecord struct {
	session    models.StreamSession
	pollCancel context.CancelFunc
}

// Registry is the single authoritative map from session ID to session record.
// Every state transition goes through Advance under the registry lock, which
// keeps the lifecycle totally ordered per session even with the binder and
// supervisor reporting concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*sessionRecord)}
}

// NewSessionID generates an opaque session identifier.
func NewSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(buf[:])
}

// Create registers a new session record in the created state.
func (r *Registry) Create(session models.StreamSession) (models.StreamSession, error) {
	if session.ID == "" {
		session.ID = NewSessionID()
	}
	session.State = models.StateCreated

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return models.StreamSession{}, fmt.Errorf("%w: %s", ErrSessionExists, session.ID)
	}
	r.sessions[session.ID] = &sessionRecord{session: session}
	return session.Clone(), nil
}

// Advance moves the session to the next lifecycle state, enforcing the
// transition graph. It returns the updated snapshot.
func (r *Registry) Advance(sessionID string, next models.SessionState) (models.StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.sessions[sessionID]
	if !ok {
		return models.StreamSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	current := record.session.State
	if !current.CanTransition(next) {
		return models.StreamSession{}, fmt.Errorf("%w: %s -> %s (session %s)", ErrInvalidTransition, current, next, sessionID)
	}
	record.session.State = next
	if next.Terminal() && record.session.EndedAt == nil {
		now := time.Now()
		record.session.EndedAt = &now
	}
	return record.session.Clone(), nil
}

// Update applies a field mutation to the session record under the registry
// lock. State must not be changed here; Advance is the only transition path.
func (r *Registry) Update(sessionID string, mutate func(*models.StreamSession)) (models.StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.sessions[sessionID]
	if !ok {
		return models.StreamSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	state := record.session.State
	mutate(&record.session)
	record.session.State = state
	return record.session.Clone(), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(sessionID string) (models.StreamSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.sessions[sessionID]
	if !ok {
		return models.StreamSession{}, false
	}
	return record.session.Clone(), true
}

// List returns snapshots of all sessions ordered by start time, newest first.
func (r *Registry) List() []models.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StreamSession, 0, len(r.sessions))
	for _, record := range r.sessions {
		out = append(out, record.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// SetPollCancel stores the cancel function of the session's go-live poll so a
// stop request can interrupt it. Any previously stored cancel is invoked.
func (r *Registry) SetPollCancel(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	previous := context.CancelFunc(nil)
	if record, ok := r.sessions[sessionID]; ok {
		previous = record.pollCancel
		record.pollCancel = cancel
	}
	r.mu.Unlock()
	if previous != nil {
		previous()
	}
}

// CancelPoll interrupts the session's go-live poll if one is running.
func (r *Registry) CancelPoll(sessionID string) {
	r.mu.Lock()
	cancel := context.CancelFunc(nil)
	if record, ok := r.sessions[sessionID]; ok {
		cancel = record.pollCancel
		record.pollCancel = nil
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
