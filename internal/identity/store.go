package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"robotcore/internal/ports"
)

// MemoryStore keeps enrolled identities for the process lifetime.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]ports.StoredIdentity
}

func NewMemoryStore(seed ...ports.StoredIdentity) *MemoryStore {
	s := &MemoryStore{identities: make(map[string]ports.StoredIdentity)}
	for _, identity := range seed {
		_ = s.Save(context.Background(), identity)
	}
	return s
}

func (s *MemoryStore) All(context.Context) ([]ports.StoredIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ports.StoredIdentity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out, nil
}

// Save enrolls or replaces an identity. An empty embedding is rejected since it
// could never match.
func (s *MemoryStore) Save(_ context.Context, identity ports.StoredIdentity) error {
	identity.PersonID = strings.TrimSpace(identity.PersonID)
	if identity.PersonID == "" {
		return errors.New("person id is required")
	}
	if len(identity.Embedding) == 0 {
		return errors.New("embedding is required")
	}
	identity.Embedding = append([]float32(nil), identity.Embedding...)

	s.mu.Lock()
	s.identities[identity.PersonID] = identity
	s.mu.Unlock()
	return nil
}
