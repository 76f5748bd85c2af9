package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

const keyPrefix = "ahk_"

var (
	// ErrInvalidKey is returned for unknown or revoked keys.
	ErrInvalidKey = errors.New("invalid api key")
)

// MaskedKey is the list representation of a key: only a prefix and suffix of
// the secret are exposed.
type MaskedKey struct {
	Key        string     `json:"key"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Manager issues, resolves and revokes API keys.
type Manager struct {
	store store.Store
}

// NewManager creates an API key manager.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s}
}

// Create issues a new opaque high-entropy key for a wallet. The full secret
// is returned exactly once.
func (m *Manager) Create(ctx context.Context, wallet, name string) (*store.APIKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	key := &store.APIKey{
		Key:       keyPrefix + hex.EncodeToString(buf),
		Wallet:    wallet,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to store api key: %w", err)
	}

	log.WithFields(log.Fields{
		"wallet": wallet,
		"name":   name,
	}).Info("API key created")

	return key, nil
}

// ResolveWallet returns the wallet that owns a key, rejecting revoked keys.
// Lookup updates the key's last-used timestamp.
func (m *Manager) ResolveWallet(ctx context.Context, key string) (string, error) {
	rec, err := m.store.GetAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidKey
		}
		return "", fmt.Errorf("failed to look up api key: %w", err)
	}
	if rec.RevokedAt != nil {
		return "", ErrInvalidKey
	}

	if err := m.store.TouchAPIKey(ctx, key, time.Now()); err != nil {
		// Best effort; a stale last_used_at is not worth failing auth over.
		log.WithField("error", err.Error()).Warn("Failed to update api key last_used_at")
	}

	return rec.Wallet, nil
}

// List returns the wallet's keys with masked secrets.
func (m *Manager) List(ctx context.Context, wallet string) ([]*MaskedKey, error) {
	keys, err := m.store.GetAPIKeysByWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}

	out := make([]*MaskedKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, &MaskedKey{
			Key:        Mask(k.Key),
			Name:       k.Name,
			CreatedAt:  k.CreatedAt,
			LastUsedAt: k.LastUsedAt,
			Revoked:    k.RevokedAt != nil,
		})
	}
	return out, nil
}

// Revoke permanently disables a key. Only the owning wallet may revoke it.
func (m *Manager) Revoke(ctx context.Context, wallet, key string) error {
	err := m.store.RevokeAPIKey(ctx, wallet, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidKey
		}
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	log.WithField("wallet", wallet).Info("API key revoked")
	return nil
}

// Mask reduces a key to prefix + suffix for display.
func Mask(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:8] + "..." + key[len(key)-4:]
}
