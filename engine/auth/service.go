package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// keyPrefixLen is how much of the plaintext key is kept for display.
const keyPrefixLen = 8

// Service issues and validates API keys against the repository.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Fingerprint hashes a plaintext key the way the store indexes it.
func Fingerprint(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return sum[:]
}

// GenerateAPIKey mints a new key for the user and returns the plaintext
// exactly once; only the fingerprint is persisted.
func (s *Service) GenerateAPIKey(ctx context.Context, userID core.ID, name string) (string, *APIKey, error) {
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return "", nil, err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth: generate key material: %w", err)
	}
	plaintext := "sk-" + hex.EncodeToString(raw)
	id, err := core.NewID()
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{
		ID:          id,
		UserID:      userID,
		Name:        name,
		Fingerprint: Fingerprint(plaintext),
		Prefix:      plaintext[:keyPrefixLen],
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// ValidateKey resolves a plaintext key to its user. Revoked and unknown
// keys both surface as ErrInvalidAPIKey so the middleware leaks nothing.
func (s *Service) ValidateKey(ctx context.Context, plaintext string) (*User, *APIKey, error) {
	if plaintext == "" {
		return nil, nil, ErrInvalidAPIKey
	}
	key, err := s.repo.GetAPIKeyByFingerprint(ctx, Fingerprint(plaintext))
	if err != nil {
		if err == ErrAPIKeyNotFound {
			return nil, nil, ErrInvalidAPIKey
		}
		return nil, nil, err
	}
	if key.Revoked {
		return nil, nil, ErrInvalidAPIKey
	}
	user, err := s.repo.GetUserByID(ctx, key.UserID)
	if err != nil {
		return nil, nil, err
	}
	// Best-effort usage stamp; failures must not block the request.
	if err := s.repo.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		logger.FromContext(ctx).Debug("failed to stamp api key last_used", "key_id", key.ID, "error", err)
	}
	return user, key, nil
}

// CreateUserWithKey registers a user and mints their first API key,
// returning the plaintext exactly once.
func (s *Service) CreateUserWithKey(ctx context.Context, username string, role Role) (*User, string, error) {
	id, err := core.NewID()
	if err != nil {
		return nil, "", err
	}
	user := &User{
		ID:        id,
		Username:  username,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}
	plaintext, _, err := s.GenerateAPIKey(ctx, user.ID, "initial")
	if err != nil {
		return nil, "", err
	}
	return user, plaintext, nil
}

// Bootstrap creates the initial admin user plus key when no admin exists
// yet, returning the plaintext key for the operator.
func (s *Service) Bootstrap(ctx context.Context, username string) (string, *User, error) {
	id, err := core.NewID()
	if err != nil {
		return "", nil, err
	}
	user := &User{
		ID:        id,
		Username:  username,
		Role:      RoleAdmin,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateInitialAdminIfNone(ctx, user); err != nil {
		return "", nil, err
	}
	plaintext, _, err := s.GenerateAPIKey(ctx, user.ID, "bootstrap")
	if err != nil {
		return "", nil, err
	}
	return plaintext, user, nil
}
