// -----------------------------------------------------------------------
// Credential - Vault-encrypted engine material, unique per (projectId, engine)
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// CredentialType names what the encrypted payload contains.
type CredentialType string

const (
	CredentialServiceAccount CredentialType = "SERVICE_ACCOUNT_JSON" // Google service account key file
	CredentialIndexNowKey    CredentialType = "INDEXNOW_KEY"         // IndexNow verification key
)

// Credential stores AES-256-GCM encrypted engine material. Plaintext never
// leaves the scope of a single submission job.
type Credential struct {
	ID            string         `badgerhold:"key" json:"id"` // projectID|engine
	ProjectID     string         `badgerhold:"index" json:"projectId"`
	Engine        Engine         `json:"engine"`
	Type          CredentialType `json:"type"`
	EncryptedData string         `json:"encryptedData"` // base64
	IV            string         `json:"iv"`            // base64
	AuthTag       string         `json:"authTag"`       // base64
	Salt          string         `json:"salt"`          // base64, fresh per record
	IsValid       bool           `json:"isValid"`
	ExpiresAt     *time.Time     `json:"expiresAt,omitempty"`
	LastUsedAt    *time.Time     `json:"lastUsedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// CredentialKey builds the storage key enforcing (projectId, engine)
// uniqueness.
func CredentialKey(projectID string, engine Engine) string {
	return projectID + "|" + string(engine)
}
