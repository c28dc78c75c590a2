// Package store provides the durable StateStore backends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Seednode/santabox/exchange"
)

// Store is a StateStore that holds resources.
type Store interface {
	exchange.StateStore
	Close() error
}

// Kinds lists the accepted backend names.
var Kinds = []string{"memory", "file", "badger", "sqlite"}

// Open returns the backend named by kind rooted at path.
func Open(kind, path string, log zerolog.Logger) (Store, error) {
	switch strings.ToLower(kind) {
	case "memory":
		return memory{exchange.NewMemoryStore()}, nil
	case "file":
		return OpenFile(path)
	case "badger":
		return OpenBadger(path, log)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store %q (want one of %s)", kind, strings.Join(Kinds, ", "))
	}
}

type memory struct {
	*exchange.MemoryStore
}

func (memory) Close() error {
	return nil
}

// encode serialises doc as it will look once saved at version.
func encode(doc *exchange.Document, version uint64) ([]byte, error) {
	next := doc.Clone()
	next.Version = version
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, exchange.Persistence("encode document", err)
	}
	return raw, nil
}

func decode(raw []byte) (*exchange.Document, error) {
	var doc exchange.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, exchange.Persistence("decode document", err)
	}
	return &doc, nil
}

// storedVersion reads only the version field of an encoded document.
func storedVersion(raw []byte) (uint64, error) {
	var v struct {
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, exchange.Persistence("decode document version", err)
	}
	return v.Version, nil
}

func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return exchange.Persistence("store", err)
	}
	return nil
}
