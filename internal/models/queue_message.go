package models

import (
	"errors"
	"time"
)

// ErrNoMessage is returned when a queue has nothing visible to deliver
var ErrNoMessage = errors.New("no messages in queue")

// QueueMessage is one durable delivery stored in badger. Visibility is
// controlled by the index key derived from VisibleAt; ReceiveCount tracks
// redeliveries against the queue's max receive budget.
type QueueMessage struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Body         []byte    `json:"body"` // JSON-encoded typed payload
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	VisibleAt    time.Time `json:"visibleAt"`
	ReceiveCount int       `json:"receiveCount"`
}
