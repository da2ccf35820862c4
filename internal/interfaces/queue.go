package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/sitesync/internal/models"
)

// MessageHandler processes one dequeued message. A nil return deletes the
// message; an error return releases it for redelivery until the queue's
// receive cap is hit.
type MessageHandler func(ctx context.Context, msg *models.QueueMessage) error

// QueueManager manages the persistent per-queue message stores
type QueueManager interface {
	Start() error
	Stop() error
	Enqueue(ctx context.Context, queue string, body []byte) (string, error)
	EnqueueWithDelay(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error)
	Receive(ctx context.Context, queue string) (*models.QueueMessage, error)
	Delete(ctx context.Context, queue string, id string) error
	Release(ctx context.Context, queue string, id string, delay time.Duration) error
	Length(ctx context.Context, queue string) (int, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// WorkerPool manages concurrent, rate-limited consumption of one queue
type WorkerPool interface {
	RegisterHandler(queue string, handler MessageHandler)
	Start() error
	Stop() error
}
