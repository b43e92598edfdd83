package credential

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadsheet/internal/errs"
)

type fakeStore struct {
	mu      sync.Mutex
	stored  *Stored
	updates int
}

func (f *fakeStore) Get(_ context.Context, tenantID string) (*Stored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		return nil, &errs.NotFoundError{Resource: "credential for tenant " + tenantID}
	}
	cp := *f.stored
	return &cp, nil
}

func (f *fakeStore) UpdateAccessToken(_ context.Context, _, accessTokenCipher string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.stored.AccessTokenCipher = accessTokenCipher
	f.stored.Expiry = expiry
	return nil
}

type fakeRefresher struct {
	mu       sync.Mutex
	calls    int
	token    string
	expires  int
	err      error
	inFlight chan struct{} // optional gate for concurrency tests
}

func (f *fakeRefresher) Refresh(_ context.Context, _ string) (string, int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.inFlight != nil {
		<-f.inFlight
	}
	if f.err != nil {
		return "", 0, f.err
	}
	return f.token, f.expires, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, store *fakeStore, refresher *fakeRefresher, now time.Time) (*Manager, *Cipher) {
	t.Helper()
	cipher, err := NewCipher(testKey())
	require.NoError(t, err)
	m := NewManager(store, cipher, refresher, zap.NewNop()).WithClock(func() time.Time { return now })
	return m, cipher
}

func seedStored(t *testing.T, cipher *Cipher, access, refresh string, expiry time.Time) *Stored {
	t.Helper()
	accessEnc, err := cipher.Encrypt(access)
	require.NoError(t, err)
	refreshEnc, err := cipher.Encrypt(refresh)
	require.NoError(t, err)
	return &Stored{
		TenantID:           "acme",
		AccessTokenCipher:  accessEnc,
		RefreshTokenCipher: refreshEnc,
		Expiry:             expiry,
	}
}

func TestAccessTokenStillValidNoRefresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	refresher := &fakeRefresher{}
	m, cipher := newTestManager(t, store, refresher, now)
	store.stored = seedStored(t, cipher, "live-token", "refresh-token", now.Add(time.Hour))

	token, err := m.AccessToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "live-token", token)
	assert.Equal(t, 0, refresher.callCount())
}

func TestAccessTokenExpiredRefreshesOnceAndAdvancesExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	oldExpiry := now.Add(-time.Minute)
	store := &fakeStore{}
	refresher := &fakeRefresher{token: "fresh-token", expires: 3600}
	m, cipher := newTestManager(t, store, refresher, now)
	store.stored = seedStored(t, cipher, "stale-token", "refresh-token", oldExpiry)

	token, err := m.AccessToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, refresher.callCount())
	assert.Equal(t, 1, store.updates)
	assert.True(t, store.stored.Expiry.After(oldExpiry), "persisted expiry must strictly increase")

	// persisted token is re-encrypted, not plaintext
	plain, err := cipher.Decrypt(store.stored.AccessTokenCipher)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", plain)
}

func TestAccessTokenInsideSafetyWindowRefreshes(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	refresher := &fakeRefresher{token: "fresh-token", expires: 3600}
	m, cipher := newTestManager(t, store, refresher, now)
	// expires in 2 minutes, inside the 5-minute safety window
	store.stored = seedStored(t, cipher, "stale-token", "refresh-token", now.Add(2*time.Minute))

	token, err := m.AccessToken(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, refresher.callCount())
}

func TestAccessTokenRevokedRefreshTokenIsTerminal(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	refresher := &fakeRefresher{err: &errs.AuthError{Reason: "refresh token rejected", NeedsReauth: true}}
	m, cipher := newTestManager(t, store, refresher, now)
	store.stored = seedStored(t, cipher, "stale-token", "revoked", now.Add(-time.Minute))

	_, err := m.AccessToken(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errs.NeedsReauth(err))
	assert.Equal(t, 0, store.updates)
}

func TestAccessTokenTransientRefreshFailure(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	refresher := &fakeRefresher{err: &errs.TransientError{Op: "oauth refresh"}}
	m, cipher := newTestManager(t, store, refresher, now)
	store.stored = seedStored(t, cipher, "stale-token", "refresh-token", now.Add(-time.Minute))

	_, err := m.AccessToken(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
	assert.False(t, errs.NeedsReauth(err))
}

func TestAccessTokenMissingCredential(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &fakeStore{}, &fakeRefresher{}, now)

	_, err := m.AccessToken(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errs.NeedsReauth(err))
}

func TestAccessTokenUndecryptableCredential(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{stored: &Stored{
		TenantID:           "acme",
		AccessTokenCipher:  "not-a-ciphertext",
		RefreshTokenCipher: "not-a-ciphertext",
		Expiry:             now.Add(time.Hour),
	}}
	m, _ := newTestManager(t, store, &fakeRefresher{}, now)

	_, err := m.AccessToken(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errs.NeedsReauth(err))
}

func TestForceRefreshIgnoresExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	refresher := &fakeRefresher{token: "forced-token", expires: 3600}
	m, cipher := newTestManager(t, store, refresher, now)
	store.stored = seedStored(t, cipher, "still-valid", "refresh-token", now.Add(time.Hour))

	token, err := m.ForceRefresh(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "forced-token", token)
	assert.Equal(t, 1, refresher.callCount())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	gate := make(chan struct{})
	refresher := &fakeRefresher{token: "fresh-token", expires: 3600, inFlight: gate}
	m, cipher := newTestManager(t, store, refresher, now)
	store.stored = seedStored(t, cipher, "stale-token", "refresh-token", now.Add(-time.Minute))

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.AccessToken(context.Background(), "acme")
			require.NoError(t, err)
			results[i] = token
		}(i)
	}

	// first caller is blocked in refresh; release it, then the second
	// caller sees the freshly persisted token without a second call
	gate <- struct{}{}
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, refresher.callCount())
	assert.Equal(t, "fresh-token", results[0])
	assert.Equal(t, "fresh-token", results[1])
}
