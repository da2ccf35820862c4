package interfaces

import (
	"context"

	"github.com/ternarybob/sitesync/internal/models"
)

// Vault seals and opens per-project credentials. Plaintext returned by Open
// belongs to the caller for the duration of one job and must be zeroed via
// Shred when the job finishes.
type Vault interface {
	// Seal encrypts plaintext and stores the resulting credential row.
	Seal(ctx context.Context, projectID string, engine models.Engine, credType models.CredentialType, plaintext []byte) (*models.Credential, error)

	// Open decrypts the stored credential for a project/engine pair.
	Open(ctx context.Context, projectID string, engine models.Engine) ([]byte, error)

	// Shred zeroes a plaintext buffer returned by Open.
	Shred(plaintext []byte)
}
