package redisrepo

import (
	"fmt"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// APIKeyRepo looks up API key records at {prefix}:apikey:{sha256(key)}.
// Keys are provisioned out of band; minting is not part of the core.
type APIKeyRepo struct {
	kv     *rediskv.Client
	prefix string
}

// NewAPIKeyRepo constructs an APIKeyRepo.
func NewAPIKeyRepo(kv *rediskv.Client, prefix string) *APIKeyRepo {
	return &APIKeyRepo{kv: kv, prefix: prefix}
}

// GetAPIKey returns the record for the SHA-256 hex hash of a presented key.
func (r *APIKeyRepo) GetAPIKey(ctx domain.Context, hash string) (domain.APIKey, error) {
	m, err := r.kv.HashGetAll(ctx, fmt.Sprintf("%s:apikey:%s", r.prefix, hash))
	if err != nil {
		return domain.APIKey{}, err
	}
	if len(m) == 0 {
		return domain.APIKey{}, fmt.Errorf("op=redisrepo.GetAPIKey: %w", domain.ErrNotFound)
	}
	return domain.APIKey{
		UserID:   m["user_id"],
		Role:     m["role"],
		IsActive: m["is_active"] == "true" || m["is_active"] == "1",
	}, nil
}

var _ domain.APIKeyStore = (*APIKeyRepo)(nil)
