package badger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// Badger aborts the loser of two overlapping read-modify-write transactions
// with ErrConflict. conflictRetries bounds how often the loser replays on a
// fresh snapshot; the wait between attempts grows from conflictBackoff up to
// conflictBackoffCap with random jitter so contending writers spread out.
const (
	conflictRetries    = 32
	conflictBackoff    = time.Millisecond
	conflictBackoffCap = 64 * time.Millisecond
)

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.BadgerConfig
}

// NewBadgerDB opens the embedded database at the configured path.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// A reset wipes everything: projects, urls, queues, credentials.
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
	}, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// updateWithRetry runs fn in a write transaction, replaying it when badger
// aborts on conflict. Any other error, and anything fn returns itself, passes
// through untouched.
func (b *BadgerDB) updateWithRetry(ctx context.Context, fn func(tx *badgerdb.Txn) error) error {
	backoff := conflictBackoff
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err = b.store.Badger().Update(fn)
		if err == nil || !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}

		time.Sleep(time.Duration(rand.Int63n(int64(backoff))))
		if backoff < conflictBackoffCap {
			backoff *= 2
		}
	}
	return fmt.Errorf("transaction kept conflicting after %d attempts: %w", conflictRetries, err)
}

// Close closes the database connection
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
