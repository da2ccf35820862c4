package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CredentialStorage implements the CredentialStorage interface for Badger.
// Rows arrive sealed from the vault; this layer never sees plaintext.
type CredentialStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCredentialStorage creates a new CredentialStorage instance
func NewCredentialStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CredentialStorage {
	return &CredentialStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CredentialStorage) StoreCredential(ctx context.Context, credential *models.Credential) error {
	if credential.ProjectID == "" || credential.Engine == "" {
		return models.Classify(models.ErrorKindInvalidInput,
			fmt.Errorf("credential requires project id and engine"))
	}
	if credential.ID == "" {
		credential.ID = models.CredentialKey(credential.ProjectID, credential.Engine)
	}

	now := time.Now().UTC()
	if credential.CreatedAt.IsZero() {
		var existing models.Credential
		if err := s.db.Store().Get(credential.ID, &existing); err == nil {
			credential.CreatedAt = existing.CreatedAt
		} else {
			credential.CreatedAt = now
		}
	}
	credential.UpdatedAt = now

	if err := s.db.Store().Upsert(credential.ID, credential); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	// Never log credential material; the row fields are ciphertext but the
	// habit keeps accidental additions out.
	s.logger.Debug().
		Str("project_id", credential.ProjectID).
		Str("engine", string(credential.Engine)).
		Msg("Credential stored")

	return nil
}

func (s *CredentialStorage) GetCredential(ctx context.Context, projectID string, engine models.Engine) (*models.Credential, error) {
	var credential models.Credential
	key := models.CredentialKey(projectID, engine)
	if err := s.db.Store().Get(key, &credential); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("credential %s/%s: %w", projectID, engine, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &credential, nil
}

func (s *CredentialStorage) DeleteCredential(ctx context.Context, projectID string, engine models.Engine) error {
	key := models.CredentialKey(projectID, engine)
	if err := s.db.Store().Delete(key, &models.Credential{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *CredentialStorage) DeleteCredentialsByProject(ctx context.Context, projectID string) (int, error) {
	count, err := s.db.Store().Count(&models.Credential{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to count credentials: %w", err)
	}
	err = s.db.Store().DeleteMatching(&models.Credential{},
		badgerhold.Where("ProjectID").Eq(projectID))
	if err != nil {
		return 0, fmt.Errorf("failed to delete credentials: %w", err)
	}
	return int(count), nil
}

func (s *CredentialStorage) HasCredential(ctx context.Context, projectID string, engine models.Engine) (bool, error) {
	_, err := s.GetCredential(ctx, projectID, engine)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
