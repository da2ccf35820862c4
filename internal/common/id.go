package common

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID generates a unique identifier for entities and jobs
func NewID() string {
	return uuid.New().String()
}

// NewMessageID generates a unique queue message ID with the "msg_" prefix
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

// HashLoc returns the lower-hex SHA-256 of a URL loc.
// UrlEntry rows are keyed by (projectID, HashLoc(loc)).
func HashLoc(loc string) string {
	sum := sha256.Sum256([]byte(loc))
	return hex.EncodeToString(sum[:])
}
