// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
)

// Manager implements durable named queues on top of the shared badger store.
// Each message lives under two keys: the payload row and a visibility index
// entry whose key embeds the zero-padded VisibleAt nanosecond timestamp so a
// prefix scan yields messages in delivery order.
type Manager struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
	metrics           *metrics.Metrics
}

// NewManager creates a queue manager over an already-open badger DB. The DB
// lifecycle stays with the storage manager; Stop does not close it.
func NewManager(db *badger.DB, cfg *common.Config, logger arbor.ILogger, meter *metrics.Metrics) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if logger == nil {
		logger = common.GetLogger()
	}
	if meter == nil {
		meter = metrics.NewNop()
	}

	visibility := common.ParseDurationOr(cfg.Queue.VisibilityTimeout, 60*time.Second)
	maxReceive := cfg.Queue.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &Manager{
		db:                db,
		visibilityTimeout: visibility,
		maxReceive:        maxReceive,
		logger:            logger,
		metrics:           meter,
	}, nil
}

// Start verifies the backing store is usable.
func (m *Manager) Start() error {
	if m.db.IsClosed() {
		return errors.New("badger db is closed")
	}
	m.logger.Info().
		Str("visibility_timeout", m.visibilityTimeout.String()).
		Int("max_receive", m.maxReceive).
		Msg("Queue manager started")
	return nil
}

// Stop is a no-op; the badger DB is owned by the storage manager.
func (m *Manager) Stop() error {
	return nil
}

// Enqueue adds a message that becomes visible immediately.
func (m *Manager) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	return m.enqueueAt(ctx, queue, body, time.Now())
}

// EnqueueWithDelay adds a message that becomes visible after the delay.
func (m *Manager) EnqueueWithDelay(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	return m.enqueueAt(ctx, queue, body, time.Now().Add(delay))
}

func (m *Manager) enqueueAt(ctx context.Context, queue string, body []byte, visibleAt time.Time) (string, error) {
	if queue == "" {
		return "", errors.New("queue name is required")
	}

	msg := models.QueueMessage{
		ID:           common.NewMessageID(),
		Queue:        queue,
		Body:         body,
		EnqueuedAt:   time.Now().UTC(),
		VisibleAt:    visibleAt.UTC(),
		ReceiveCount: 0,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(queue, msg.ID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(queue, msg.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	return msg.ID, nil
}

// Receive claims the next visible message: its index entry moves forward by
// the visibility timeout and its receive count is bumped, so a crashed
// consumer redelivers after the timeout. Messages that have exhausted the
// receive budget are dropped as poison. Returns models.ErrNoMessage when
// nothing is ready.
func (m *Manager) Receive(ctx context.Context, queue string) (*models.QueueMessage, error) {
	var claimed models.QueueMessage
	found := false

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := indexPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			visibleAt, id, err := parseIndexKey(queue, key)
			if err != nil {
				continue
			}
			if visibleAt.After(now) {
				// Index keys sort by timestamp, so nothing later is ready.
				break
			}

			item, err := txn.Get(msgKey(queue, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Orphaned index entry, clean it up.
					if derr := txn.Delete(key); derr != nil {
						return derr
					}
					continue
				}
				return err
			}

			var msg models.QueueMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if msg.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(msgKey(queue, id)); err != nil {
					return err
				}
				m.logger.Error().
					Str("queue", queue).
					Str("message_id", id).
					Int("receive_count", msg.ReceiveCount).
					Msg("Dropping poisoned message after max receives")
				m.metrics.Error(ctx, "poison")
				continue
			}

			msg.ReceiveCount++
			msg.VisibleAt = now.Add(m.visibilityTimeout).UTC()

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey(queue, id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(indexKey(queue, msg.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = msg
			found = true
			return nil
		}

		// An error return here would roll back the poison drops and orphan
		// cleanup above, so "nothing ready" travels out of band.
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.ErrNoMessage
	}

	return &claimed, nil
}

// Delete acknowledges a message, removing both the payload row and its
// current index entry. Deleting an already-deleted message is a no-op.
func (m *Manager) Delete(ctx context.Context, queue string, id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(queue, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		var msg models.QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		if err := txn.Delete(indexKey(queue, msg.VisibleAt, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(msgKey(queue, id))
	})
}

// Release returns an in-flight message to the queue after the given delay
// without resetting its receive count, so repeated failures still hit the
// poison cap.
func (m *Manager) Release(ctx context.Context, queue string, id string, delay time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(queue, id))
		if err != nil {
			return fmt.Errorf("failed to release message %s: %w", id, err)
		}

		var msg models.QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}

		oldIndex := indexKey(queue, msg.VisibleAt, id)
		msg.VisibleAt = time.Now().Add(delay).UTC()

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(queue, id), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndex); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(indexKey(queue, msg.VisibleAt, id), []byte{})
	})
}

// Length returns the number of messages stored in a queue, visible or not.
func (m *Manager) Length(ctx context.Context, queue string) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := msgPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Stats returns message counts for every known queue.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int, len(models.QueueNames))
	for _, name := range models.QueueNames {
		length, err := m.Length(ctx, name)
		if err != nil {
			return nil, err
		}
		stats[name] = length
	}
	return stats, nil
}

// Key layout helpers. The index timestamp is zero padded to 20 digits so
// lexicographic key order matches chronological order.

func msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func msgPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:", queue))
}

func indexKey(queue string, visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:idx:%020d:%s", queue, visibleAt.UnixNano(), id))
}

func indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:idx:", queue))
}

func parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := indexPrefix(queue)
	if !bytes.HasPrefix(key, prefix) {
		return time.Time{}, "", fmt.Errorf("key does not match queue prefix")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 22 { // 20 digit timestamp, colon, at least one id byte
		return time.Time{}, "", fmt.Errorf("malformed index key")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
