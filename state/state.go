// Package state persists the cursor of the sync loop: the time the upstream
// repository was last fetched.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var lastFetchKey = []byte("sync/last_fetch")

// Store is a small badger database holding sync metadata.
type Store struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) { l.logger.Error(fmt.Sprintf(msg, items...)) }

func (l *badgerLogger) Warningf(msg string, items ...any) { l.logger.Warn(fmt.Sprintf(msg, items...)) }

func (l *badgerLogger) Infof(msg string, items ...any) { l.logger.Debug(fmt.Sprintf(msg, items...)) }

func (l *badgerLogger) Debugf(msg string, items ...any) { l.logger.Debug(fmt.Sprintf(msg, items...)) }

// Open opens (creating if needed) the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return open(badger.DefaultOptions(dir))
}

// OpenMemory opens a store that lives only as long as the process.
func OpenMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	opts.Logger = &badgerLogger{logger: slog.Default().With("component", "state")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// LastFetch returns the stored cursor. ok is false when none was stored yet.
func (s *Store) LastFetch(ctx context.Context) (t time.Time, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	err = s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(lastFetchKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := t.UnmarshalBinary(val); err != nil {
				return fmt.Errorf("decode last fetch: %w", err)
			}
			ok = true
			return nil
		})
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return t, ok, nil
}

// SetLastFetch stores the cursor.
func (s *Store) SetLastFetch(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := t.UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(lastFetchKey, val)
	})
}
