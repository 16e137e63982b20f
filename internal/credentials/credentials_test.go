package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/uploadq/internal/debrid"
	"github.com/kiranshivaraju/uploadq/internal/store"
	"github.com/kiranshivaraju/uploadq/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeychain(t *testing.T) *Keychain {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	kc, err := NewKeychain(key)
	require.NoError(t, err)
	return kc
}

// fakeSecrets serves sealed secrets and counts lookups.
type fakeSecrets struct {
	keychain *Keychain
	keys     map[uuid.UUID]string
	lookups  int
}

func (f *fakeSecrets) GetTenantSecret(_ context.Context, tenantID uuid.UUID) (*models.TenantSecret, error) {
	f.lookups++
	apiKey, ok := f.keys[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sealed, nonce, err := f.keychain.Seal(apiKey)
	if err != nil {
		return nil, err
	}
	return &models.TenantSecret{TenantID: tenantID, Secret: sealed, Nonce: nonce}, nil
}

// stubClient records the API key it was built with.
type stubClient struct {
	apiKey string
}

func (s *stubClient) CreateTorrentUpload(context.Context, debrid.UploadRequest) (*debrid.UploadResult, error) {
	return nil, nil
}
func (s *stubClient) CreateUsenetUpload(context.Context, debrid.UploadRequest) (*debrid.UploadResult, error) {
	return nil, nil
}
func (s *stubClient) CreateWebUpload(context.Context, debrid.UploadRequest) (*debrid.UploadResult, error) {
	return nil, nil
}

func stubFactory(apiKey string) debrid.Client {
	return &stubClient{apiKey: apiKey}
}

func TestKeychain_RoundTrip(t *testing.T) {
	kc := testKeychain(t)

	sealed, nonce, err := kc.Seal("tb-api-key-123")
	require.NoError(t, err)
	assert.NotEqual(t, []byte("tb-api-key-123"), sealed)

	opened, err := kc.Open(sealed, nonce)
	require.NoError(t, err)
	assert.Equal(t, "tb-api-key-123", opened)
}

func TestKeychain_WrongKeyFails(t *testing.T) {
	kc := testKeychain(t)
	sealed, nonce, err := kc.Seal("tb-api-key-123")
	require.NoError(t, err)

	other, err := NewKeychain(make([]byte, 32))
	require.NoError(t, err)

	_, err = other.Open(sealed, nonce)
	assert.Error(t, err)
}

func TestKeychain_RejectsShortKey(t *testing.T) {
	_, err := NewKeychain([]byte("too short"))
	assert.Error(t, err)
}

func TestClientCache_HitAvoidsLookup(t *testing.T) {
	kc := testKeychain(t)
	tenantID := uuid.New()
	secrets := &fakeSecrets{keychain: kc, keys: map[uuid.UUID]string{tenantID: "key-a"}}
	cache := NewClientCache(secrets, kc, stubFactory)

	first, err := cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)
	assert.Equal(t, "key-a", first.(*stubClient).apiKey)

	second, err := cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, secrets.lookups)
}

func TestClientCache_TTLExpiry(t *testing.T) {
	kc := testKeychain(t)
	tenantID := uuid.New()
	secrets := &fakeSecrets{keychain: kc, keys: map[uuid.UUID]string{tenantID: "key-a"}}
	cache := NewClientCache(secrets, kc, stubFactory)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	_, err := cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)

	now = now.Add(defaultTTL + time.Second)
	_, err = cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, secrets.lookups, "expired entry must be re-derived")
}

func TestClientCache_ForceRefreshReplacesEntry(t *testing.T) {
	kc := testKeychain(t)
	tenantID := uuid.New()
	secrets := &fakeSecrets{keychain: kc, keys: map[uuid.UUID]string{tenantID: "key-a"}}
	cache := NewClientCache(secrets, kc, stubFactory)

	first, err := cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)

	// Tenant rotated their key; a forced refresh must pick it up.
	secrets.keys[tenantID] = "key-b"
	refreshed, err := cache.Get(context.Background(), tenantID, true)
	require.NoError(t, err)
	assert.NotSame(t, first, refreshed)
	assert.Equal(t, "key-b", refreshed.(*stubClient).apiKey)

	// And the refreshed client is what subsequent plain Gets see.
	again, err := cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)
	assert.Same(t, refreshed, again)
}

func TestClientCache_MissingSecret(t *testing.T) {
	kc := testKeychain(t)
	secrets := &fakeSecrets{keychain: kc, keys: map[uuid.UUID]string{}}
	cache := NewClientCache(secrets, kc, stubFactory)

	_, err := cache.Get(context.Background(), uuid.New(), false)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestClientCache_Bounded(t *testing.T) {
	kc := testKeychain(t)
	secrets := &fakeSecrets{keychain: kc, keys: map[uuid.UUID]string{}}
	cache := NewClientCache(secrets, kc, stubFactory)
	cache.maxEntries = 4

	for i := 0; i < 10; i++ {
		tenantID := uuid.New()
		secrets.keys[tenantID] = "key"
		_, err := cache.Get(context.Background(), tenantID, false)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(cache.entries), 4)
}

func TestClientCache_Drop(t *testing.T) {
	kc := testKeychain(t)
	tenantID := uuid.New()
	secrets := &fakeSecrets{keychain: kc, keys: map[uuid.UUID]string{tenantID: "key-a"}}
	cache := NewClientCache(secrets, kc, stubFactory)

	_, err := cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)
	cache.Drop(tenantID)

	_, err = cache.Get(context.Background(), tenantID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, secrets.lookups)
}
