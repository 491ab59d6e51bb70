package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"loopcast/internal/models"
)

// MemoryRepository keeps session history in memory. Suitable for development
// and tests; production deployments use the Postgres repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]models.StreamSession
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]models.StreamSession)}
}

func (r *MemoryRepository) SaveSession(ctx context.Context, session models.StreamSession) error {
	record := session.Clone()
	// History never holds the raw key.
	record.IngestKey = FingerprintKey(session.IngestKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[record.ID] = record
	return nil
}

func (r *MemoryRepository) ListSessions(ctx context.Context, filter SessionFilter) ([]models.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.StreamSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		if filter.State != "" && !strings.EqualFold(string(session.State), filter.State) {
			continue
		}
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Close(ctx context.Context) error {
	return nil
}
