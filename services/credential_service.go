package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptpilot/api/model"
	"github.com/promptpilot/api/services/gemini"
	"github.com/promptpilot/api/utils/crypto"
)

// GeminiProvider is the only provider currently supported.
const GeminiProvider = "gemini"

// ErrNoCredential is returned when no API key is stored for a provider.
var ErrNoCredential = errors.New("no credential stored for provider")

// CredentialService stores provider API keys encrypted at rest and resolves
// the effective key for a request: an explicit per-request key wins, then
// the stored credential, then the environment fallback.
type CredentialService struct {
	db        *gorm.DB
	generator gemini.Generator
	masterKey string
	envKey    string
}

func NewCredentialService(db *gorm.DB, generator gemini.Generator, masterKey, envKey string) *CredentialService {
	return &CredentialService{
		db:        db,
		generator: generator,
		masterKey: masterKey,
		envKey:    envKey,
	}
}

// Store verifies an API key against the provider and saves it encrypted.
func (s *CredentialService) Store(ctx context.Context, provider, apiKey string) error {
	if provider != GeminiProvider {
		return fmt.Errorf("unsupported provider %q", provider)
	}
	if err := s.verify(ctx, apiKey); err != nil {
		return fmt.Errorf("API key verification failed: %w", err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	encryptionKey := crypto.DeriveKey(s.masterKey, salt)
	encrypted, nonce, err := crypto.EncryptAPIKey(apiKey, encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt API key: %w", err)
	}

	now := time.Now()
	credential := model.ProviderCredential{
		Provider:     provider,
		EncryptedKey: base64.StdEncoding.EncodeToString(encrypted),
		Nonce:        base64.StdEncoding.EncodeToString(nonce),
		Salt:         base64.StdEncoding.EncodeToString(salt),
		LastVerified: &now,
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		UpdateAll: true,
	}).Create(&credential).Error; err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Status reports whether a credential is stored and when it was last verified.
func (s *CredentialService) Status(provider string) (stored bool, lastVerified *time.Time, err error) {
	var credential model.ProviderCredential
	dbErr := s.db.First(&credential, "provider = ?", provider).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	if dbErr != nil {
		return false, nil, fmt.Errorf("failed to load credential: %w", dbErr)
	}
	return true, credential.LastVerified, nil
}

// Delete removes the stored credential for a provider.
func (s *CredentialService) Delete(provider string) error {
	if err := s.db.Unscoped().Where("provider = ?", provider).Delete(&model.ProviderCredential{}).Error; err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ResolveKey picks the API key for a request. requestKey comes from the
// X-Api-Key header and always wins; otherwise the stored credential is
// decrypted; otherwise the environment key is used. Empty result means the
// client must supply a key.
func (s *CredentialService) ResolveKey(requestKey string) (string, error) {
	if requestKey != "" {
		return requestKey, nil
	}
	stored, err := s.loadStoredKey()
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, ErrNoCredential) {
		return "", err
	}
	return s.envKey, nil
}

func (s *CredentialService) loadStoredKey() (string, error) {
	var credential model.ProviderCredential
	err := s.db.First(&credential, "provider = ?", GeminiProvider).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(credential.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("stored credential is corrupt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(credential.Nonce)
	if err != nil {
		return "", fmt.Errorf("stored credential is corrupt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(credential.Salt)
	if err != nil {
		return "", fmt.Errorf("stored credential is corrupt: %w", err)
	}

	encryptionKey := crypto.DeriveKey(s.masterKey, salt)
	apiKey, err := crypto.DecryptAPIKey(encrypted, nonce, encryptionKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return apiKey, nil
}

// verify issues a minimal generation request with the candidate key.
func (s *CredentialService) verify(ctx context.Context, apiKey string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := s.generator.GenerateText(ctx, gemini.GenerateRequest{
		Model:           gemini.DefaultModel(),
		APIKey:          apiKey,
		Content:         "Reply with the single word: ok",
		MaxOutputTokens: 10,
	})
	return err
}
