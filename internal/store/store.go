package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an identity does not exist.
var ErrNotFound = errors.New("identity not found")

// Identity is one enrolled person as listed by ListIdentities.
type Identity struct {
	ID         string    `json:"identity_id"`
	Name       string    `json:"name"`
	Contact    string    `json:"phone_number"`
	Embeddings int       `json:"embeddings"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository is the identity database used by the CLI and the HTTP server. It also satisfies
// the recognizer's Index.
type Repository interface {
	FindNearest(ctx context.Context, desc types.Descriptor, threshold float64, limit int) ([]types.Neighbor, error)
	GetProfile(ctx context.Context, identityID string) (types.Profile, bool, error)
	CreateIdentity(ctx context.Context, name, contact string, det types.Detection) (string, error)
	AddEmbedding(ctx context.Context, identityID string, det types.Detection) error
	ListIdentities(ctx context.Context) ([]Identity, error)
	UpdateProfile(ctx context.Context, identityID, name string, contact *string) error
	Reset(ctx context.Context) error
	Close()
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

// faceMetadata is stored alongside each embedding.
type faceMetadata struct {
	Box types.Box `json:"box"`
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables, the vector extension and the ANN index if they don't exist.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone_number TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_embeddings (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
			embedding VECTOR(%d) NOT NULL,
			face_metadata JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_embeddings_user_id_idx ON face_embeddings (user_id);
		CREATE INDEX IF NOT EXISTS face_embeddings_embedding_idx ON face_embeddings USING hnsw (embedding vector_cosine_ops);
	`, types.DescriptorDim)
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// vecToString formats a descriptor into the PostgreSQL vector literal "[1.0,2.0,...]".
func vecToString(vec types.Descriptor) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func checkDim(desc types.Descriptor) error {
	if len(desc) != types.DescriptorDim {
		return fmt.Errorf("descriptor has %d dimensions, want %d", len(desc), types.DescriptorDim)
	}
	return nil
}

// FindNearest returns the identities most similar to desc, one row per identity, best first.
// Similarity is 1 - cosine distance, and only rows strictly above threshold are returned.
func (s *Store) FindNearest(ctx context.Context, desc types.Descriptor, threshold float64, limit int) ([]types.Neighbor, error) {
	if err := checkDim(desc); err != nil {
		return nil, err
	}

	// <=> is the cosine distance operator in pgvector. DISTINCT ON keeps each user's closest embedding.
	query := `
		SELECT user_id, similarity FROM (
			SELECT DISTINCT ON (user_id) user_id, 1 - (embedding <=> $1::vector) AS similarity
			FROM face_embeddings
			WHERE 1 - (embedding <=> $1::vector) > $2
			ORDER BY user_id, embedding <=> $1::vector
		) best
		ORDER BY similarity DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, vecToString(desc), threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var neighbors []types.Neighbor
	for rows.Next() {
		var n types.Neighbor
		if err := rows.Scan(&n.IdentityID, &n.Similarity); err != nil {
			return nil, err
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

// GetProfile fetches the display fields of an identity.
func (s *Store) GetProfile(ctx context.Context, identityID string) (types.Profile, bool, error) {
	p := types.Profile{IdentityID: identityID}
	err := s.pool.QueryRow(ctx, "SELECT name, phone_number FROM users WHERE user_id = $1", identityID).Scan(&p.DisplayName, &p.Contact)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Profile{}, false, nil
	}
	if err != nil {
		return types.Profile{}, false, err
	}
	return p, true, nil
}

// CreateIdentity inserts a new user together with its first embedding and returns the new ID.
func (s *Store) CreateIdentity(ctx context.Context, name, contact string, det types.Detection) (string, error) {
	if err := checkDim(det.Descriptor); err != nil {
		return "", err
	}
	meta, err := json.Marshal(faceMetadata{Box: det.Box})
	if err != nil {
		return "", err
	}

	id := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "INSERT INTO users (user_id, name, phone_number) VALUES ($1, $2, $3)", id, name, contact); err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO face_embeddings (user_id, embedding, face_metadata) VALUES ($1, $2::vector, $3::jsonb)",
		id, vecToString(det.Descriptor), string(meta)); err != nil {
		return "", fmt.Errorf("insert embedding: %w", err)
	}

	return id, tx.Commit(ctx)
}

// AddEmbedding attaches another face sample to an existing identity.
func (s *Store) AddEmbedding(ctx context.Context, identityID string, det types.Detection) error {
	if err := checkDim(det.Descriptor); err != nil {
		return err
	}
	meta, err := json.Marshal(faceMetadata{Box: det.Box})
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO face_embeddings (user_id, embedding, face_metadata)
		SELECT user_id, $2::vector, $3::jsonb FROM users WHERE user_id = $1
	`, identityID, vecToString(det.Descriptor), string(meta))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdentities returns every user with its embedding count, oldest first.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.user_id, u.name, u.phone_number, COUNT(e.id), u.created_at
		FROM users u
		LEFT JOIN face_embeddings e ON e.user_id = u.user_id
		GROUP BY u.user_id
		ORDER BY u.created_at, u.user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ID, &id.Name, &id.Contact, &id.Embeddings, &id.CreatedAt); err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

// UpdateProfile renames an identity. A nil contact leaves the phone number untouched.
func (s *Store) UpdateProfile(ctx context.Context, identityID, name string, contact *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET name = $2, phone_number = COALESCE($3, phone_number) WHERE user_id = $1
	`, identityID, name, contact)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS face_embeddings CASCADE;
		DROP TABLE IF EXISTS users CASCADE;
	`)
	return err
}
