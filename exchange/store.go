package exchange

import (
	"context"
	"encoding/json"
	"sync"
)

// StateStore persists one Document per game.
//
// Load returns ErrNotFound for a game that was never saved.
// CompareAndSwap writes doc only if the stored version still equals
// doc.Version (0 meaning "absent"), then increments doc.Version. A stale
// write fails with ErrVersionConflict and changes nothing.
type StateStore interface {
	Load(ctx context.Context, gameID string) (*Document, error)
	CompareAndSwap(ctx context.Context, gameID string, doc *Document) error
}

// MemoryStore is a process-local StateStore. Documents are kept encoded so
// callers never share maps with the store.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, gameID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	raw, ok := s.docs[gameID]
	s.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Persistence("decode document", err)
	}
	return &doc, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, gameID string, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if raw, ok := s.docs[gameID]; ok {
		var stored struct {
			Version uint64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &stored); err != nil {
			return Persistence("decode document version", err)
		}
		current = stored.Version
	}
	if current != doc.Version {
		return ErrVersionConflict
	}

	next := doc.Clone()
	next.Version = current + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return Persistence("encode document", err)
	}

	s.docs[gameID] = raw
	doc.Version = next.Version
	return nil
}

