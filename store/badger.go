package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/Seednode/santabox/exchange"
)

// BadgerStore keeps one key per game in an embedded Badger database. An
// empty path opens an in-memory database.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger adapts zerolog to Badger's Logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Trace().Msgf(format, args...)
}

func OpenBadger(path string, log zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{log: log.With().Str("component", "badger").Logger()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, exchange.Persistence("open badger", err)
	}
	return &BadgerStore{db: db}, nil
}

func gameKey(gameID string) []byte {
	return []byte("game/" + gameID)
}

func (s *BadgerStore) Load(ctx context.Context, gameID string) (*exchange.Document, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	var doc *exchange.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(gameKey(gameID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			d, err := decode(val)
			doc = d
			return err
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, exchange.ErrNotFound
	case exchange.KindOf(err) != "":
		return nil, err
	case err != nil:
		return nil, exchange.Persistence("badger load", err)
	}
	return doc, nil
}

func (s *BadgerStore) CompareAndSwap(ctx context.Context, gameID string, doc *exchange.Document) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	next := doc.Version + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get(gameKey(gameID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				v, err := storedVersion(val)
				current = v
				return err
			}); err != nil {
				return err
			}
		}
		if current != doc.Version {
			return exchange.ErrVersionConflict
		}

		raw, err := encode(doc, next)
		if err != nil {
			return err
		}
		return txn.Set(gameKey(gameID), raw)
	})
	switch {
	case errors.Is(err, badger.ErrConflict):
		return exchange.ErrVersionConflict
	case exchange.KindOf(err) != "":
		return err
	case err != nil:
		return exchange.Persistence(fmt.Sprintf("badger save %s", gameID), err)
	}

	doc.Version = next
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
