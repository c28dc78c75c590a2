package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Seednode/santabox/exchange"
)

// FileStore keeps every game in one JSON file, rewritten atomically on
// each save.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileContents struct {
	Games map[string]json.RawMessage `json:"games"`
}

func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, exchange.Persistence("create state directory", err)
	}

	s := &FileStore{path: path}
	if _, err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) read() (fileContents, error) {
	contents := fileContents{Games: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return contents, nil
	case err != nil:
		return contents, exchange.Persistence("read state file", err)
	case len(raw) == 0:
		return contents, nil
	}

	if err := json.Unmarshal(raw, &contents); err != nil {
		return contents, exchange.Persistence("decode state file", err)
	}
	if contents.Games == nil {
		contents.Games = make(map[string]json.RawMessage)
	}
	return contents, nil
}

func (s *FileStore) write(contents fileContents) error {
	raw, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return exchange.Persistence("encode state file", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".santabox-*.json")
	if err != nil {
		return exchange.Persistence("create temporary state file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return exchange.Persistence("write state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return exchange.Persistence("sync state file", err)
	}
	if err := tmp.Close(); err != nil {
		return exchange.Persistence("close state file", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return exchange.Persistence("replace state file", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, gameID string) (*exchange.Document, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	contents, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	raw, ok := contents.Games[gameID]
	if !ok {
		return nil, exchange.ErrNotFound
	}
	return decode(raw)
}

func (s *FileStore) CompareAndSwap(ctx context.Context, gameID string, doc *exchange.Document) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.read()
	if err != nil {
		return err
	}

	var current uint64
	if raw, ok := contents.Games[gameID]; ok {
		if current, err = storedVersion(raw); err != nil {
			return err
		}
	}
	if current != doc.Version {
		return exchange.ErrVersionConflict
	}

	raw, err := encode(doc, current+1)
	if err != nil {
		return err
	}
	contents.Games[gameID] = raw

	if err := s.write(contents); err != nil {
		return err
	}
	doc.Version = current + 1
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
