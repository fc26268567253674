package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/google/uuid"
)

// MemoryStore is a Repository kept entirely in process memory. It backs `--db memory` and
// tests that don't need Postgres. Similarity is computed with a linear scan.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*memoryUser
	embeddings []memoryEmbedding
	now        func() time.Time
}

type memoryUser struct {
	profile   types.Profile
	createdAt time.Time
}

type memoryEmbedding struct {
	userID string
	vec    types.Descriptor
}

func NewMemory() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memoryUser), now: time.Now}
}

func (m *MemoryStore) FindNearest(ctx context.Context, desc types.Descriptor, threshold float64, limit int) ([]types.Neighbor, error) {
	if err := checkDim(desc); err != nil {
		return nil, err
	}

	m.mu.RLock()
	best := make(map[string]float64)
	for _, e := range m.embeddings {
		sim := 1 - utils.CosineDist(desc, e.vec)
		if sim <= threshold {
			continue
		}
		if cur, ok := best[e.userID]; !ok || sim > cur {
			best[e.userID] = sim
		}
	}
	m.mu.RUnlock()

	neighbors := make([]types.Neighbor, 0, len(best))
	for id, sim := range best {
		neighbors = append(neighbors, types.Neighbor{IdentityID: id, Similarity: sim})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].IdentityID < neighbors[j].IdentityID
	})
	if limit > 0 && len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, identityID string) (types.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[identityID]
	if !ok {
		return types.Profile{}, false, nil
	}
	return u.profile, true, nil
}

func (m *MemoryStore) CreateIdentity(ctx context.Context, name, contact string, det types.Detection) (string, error) {
	if err := checkDim(det.Descriptor); err != nil {
		return "", err
	}
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &memoryUser{
		profile:   types.Profile{IdentityID: id, DisplayName: name, Contact: contact},
		createdAt: m.now(),
	}
	m.embeddings = append(m.embeddings, memoryEmbedding{userID: id, vec: append(types.Descriptor(nil), det.Descriptor...)})
	return id, nil
}

func (m *MemoryStore) AddEmbedding(ctx context.Context, identityID string, det types.Detection) error {
	if err := checkDim(det.Descriptor); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[identityID]; !ok {
		return ErrNotFound
	}
	m.embeddings = append(m.embeddings, memoryEmbedding{userID: identityID, vec: append(types.Descriptor(nil), det.Descriptor...)})
	return nil
}

func (m *MemoryStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range m.embeddings {
		counts[e.userID]++
	}

	identities := make([]Identity, 0, len(m.users))
	for id, u := range m.users {
		identities = append(identities, Identity{
			ID:         id,
			Name:       u.profile.DisplayName,
			Contact:    u.profile.Contact,
			Embeddings: counts[id],
			CreatedAt:  u.createdAt,
		})
	}
	sort.Slice(identities, func(i, j int) bool {
		if !identities[i].CreatedAt.Equal(identities[j].CreatedAt) {
			return identities[i].CreatedAt.Before(identities[j].CreatedAt)
		}
		return identities[i].ID < identities[j].ID
	})
	return identities, nil
}

func (m *MemoryStore) UpdateProfile(ctx context.Context, identityID, name string, contact *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[identityID]
	if !ok {
		return ErrNotFound
	}
	u.profile.DisplayName = name
	if contact != nil {
		u.profile.Contact = *contact
	}
	return nil
}

func (m *MemoryStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = make(map[string]*memoryUser)
	m.embeddings = nil
	return nil
}

func (m *MemoryStore) Close() {}
