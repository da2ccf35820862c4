package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
)

const (
	// scrypt cost parameters. N is interactive-grade; the derived key is
	// cached per credential row only for the duration of one call.
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1

	keySize   = 32 // AES-256
	saltSize  = 32
	nonceSize = 12
	tagSize   = 16
)

// Service implements the Vault interface. Each credential row carries its
// own random salt, so two projects sealing identical secrets share nothing.
type Service struct {
	masterKey []byte
	storage   interfaces.CredentialStorage
	logger    arbor.ILogger
}

// NewService creates a vault bound to the master passphrase. The passphrase
// is validated at startup; a short key is a configuration error.
func NewService(masterKey string, storage interfaces.CredentialStorage, logger arbor.ILogger) (*Service, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 characters, got %d", len(masterKey))
	}
	return &Service{
		masterKey: []byte(masterKey),
		storage:   storage,
		logger:    logger,
	}, nil
}

// Seal encrypts plaintext under a fresh salt/nonce pair and stores the row.
func (s *Service) Seal(ctx context.Context, projectID string, engine models.Engine, credType models.CredentialType, plaintext []byte) (*models.Credential, error) {
	if len(plaintext) == 0 {
		return nil, models.InvalidInput(fmt.Errorf("credential plaintext cannot be empty"))
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, key, err := s.cipherFor(salt)
	if err != nil {
		return nil, err
	}
	defer Shred(key)

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the GCM tag to the ciphertext; the row stores the two
	// parts separately.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	now := time.Now().UTC()
	cred := &models.Credential{
		ID:            models.CredentialKey(projectID, engine),
		ProjectID:     projectID,
		Engine:        engine,
		Type:          credType,
		EncryptedData: base64.StdEncoding.EncodeToString(body),
		IV:            base64.StdEncoding.EncodeToString(nonce),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
		Salt:          base64.StdEncoding.EncodeToString(salt),
		IsValid:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.storage.StoreCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	s.logger.Info().
		Str("project_id", projectID).
		Str("engine", string(engine)).
		Str("type", string(credType)).
		Msg("Credential sealed")

	return cred, nil
}

// Open decrypts the stored credential. The returned buffer is owned by the
// caller and must be passed to Shred once the consuming job completes.
func (s *Service) Open(ctx context.Context, projectID string, engine models.Engine) ([]byte, error) {
	cred, err := s.storage.GetCredential(ctx, projectID, engine)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, models.FatalJob(fmt.Errorf("no %s credential configured for project %s", engine, projectID))
	}

	salt, err := base64.StdEncoding.DecodeString(cred.Salt)
	if err != nil {
		return nil, fmt.Errorf("corrupt credential salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(cred.IV)
	if err != nil {
		return nil, fmt.Errorf("corrupt credential nonce: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(cred.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("corrupt credential ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(cred.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("corrupt credential auth tag: %w", err)
	}

	gcm, key, err := s.cipherFor(salt)
	if err != nil {
		return nil, err
	}
	defer Shred(key)

	if len(nonce) != gcm.NonceSize() {
		return nil, models.FatalJob(fmt.Errorf("credential nonce has wrong length %d", len(nonce)))
	}

	plaintext, err := gcm.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		// Wrong master key or tampered row. Not retryable.
		return nil, models.FatalJob(fmt.Errorf("credential decryption failed: %w", err))
	}

	return plaintext, nil
}

// Shred zeroes a plaintext buffer in place.
func (s *Service) Shred(plaintext []byte) {
	Shred(plaintext)
}

// cipherFor derives the per-row key and builds the AEAD. Callers must shred
// the returned key.
func (s *Service) cipherFor(salt []byte) (cipher.AEAD, []byte, error) {
	key, err := scrypt.Key(s.masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		Shred(key)
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		Shred(key)
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, key, nil
}

// Shred zeroes sensitive data in memory.
func Shred(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// GenerateIndexNowKey returns a fresh 32-character hex key suitable for the
// IndexNow key file protocol.
func GenerateIndexNowKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
