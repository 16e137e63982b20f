// Package credentials resolves tenants to authenticated remote-service
// clients. Tenant API secrets live sealed in the database; this package
// decrypts them under the processor's master key and caches the constructed
// clients so a dispatch cycle does not re-derive credentials per job.
package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/internal/debrid"
	"github.com/kiranshivaraju/uploadq/internal/store"
	"github.com/kiranshivaraju/uploadq/pkg/models"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrNoSecret = errors.New("no api secret configured for tenant")

// SecretSource is the slice of the store the cache reads secrets from.
type SecretSource interface {
	GetTenantSecret(ctx context.Context, tenantID uuid.UUID) (*models.TenantSecret, error)
}

// Keychain seals and opens tenant secrets under the master key.
type Keychain struct {
	key []byte
}

func NewKeychain(masterKey []byte) (*Keychain, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	return &Keychain{key: masterKey}, nil
}

// Seal encrypts a plaintext API key, returning ciphertext and nonce.
func (k *Keychain) Seal(plaintext string) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return nil, nil, fmt.Errorf("init aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, []byte(plaintext), nil), nonce, nil
}

// Open decrypts a sealed API key.
func (k *Keychain) Open(ciphertext, nonce []byte) (string, error) {
	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return string(plaintext), nil
}

// ClientFactory builds a remote client from a decrypted API key.
type ClientFactory func(apiKey string) debrid.Client

type entry struct {
	client    debrid.Client
	expiresAt time.Time
}

// ClientCache maps tenants to authenticated clients, bounded in count and
// expiring on a fixed TTL. Get with forceRefresh bypasses and replaces the
// cached entry; the dispatch loop uses that exactly once per job, on the
// first authentication error, before normal failure handling takes over.
type ClientCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]entry

	secrets  SecretSource
	keychain *Keychain
	factory  ClientFactory

	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

const (
	defaultTTL        = 10 * time.Minute
	defaultMaxEntries = 128
)

func NewClientCache(secrets SecretSource, keychain *Keychain, factory ClientFactory) *ClientCache {
	return &ClientCache{
		entries:    make(map[uuid.UUID]entry),
		secrets:    secrets,
		keychain:   keychain,
		factory:    factory,
		ttl:        defaultTTL,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

// Get returns an authenticated client for the tenant, constructing and
// caching one on miss.
func (c *ClientCache) Get(ctx context.Context, tenantID uuid.UUID, forceRefresh bool) (debrid.Client, error) {
	now := c.now()

	if !forceRefresh {
		c.mu.Lock()
		e, ok := c.entries[tenantID]
		c.mu.Unlock()
		if ok && e.expiresAt.After(now) {
			return e.client, nil
		}
	}

	sec, err := c.secrets.GetTenantSecret(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSecret
	}
	if err != nil {
		return nil, fmt.Errorf("fetch secret: %w", err)
	}

	apiKey, err := c.keychain.Open(sec.Secret, sec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret for tenant %s: %w", tenantID, err)
	}

	client := c.factory(apiKey)

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[tenantID] = entry{client: client, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return client, nil
}

// Drop removes the tenant's cached client so the next Get re-derives it.
func (c *ClientCache) Drop(tenantID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

func (c *ClientCache) evictOldestLocked() {
	var oldest uuid.UUID
	var oldestAt time.Time
	for id, e := range c.entries {
		if oldestAt.IsZero() || e.expiresAt.Before(oldestAt) {
			oldest = id
			oldestAt = e.expiresAt
		}
	}
	delete(c.entries, oldest)
}
