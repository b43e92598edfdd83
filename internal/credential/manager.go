package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"leadsheet/internal/errs"
	"leadsheet/pkg/metrics"
)

// refreshSafetyWindow: a token this close to expiry is treated as expired
// so an in-flight downstream call cannot outlive it.
const refreshSafetyWindow = 5 * time.Minute

// Stored is the encrypted per-tenant credential record.
type Stored struct {
	TenantID           string
	AccessTokenCipher  string
	RefreshTokenCipher string
	Expiry             time.Time
}

// Store persists encrypted credentials.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Stored, error)
	UpdateAccessToken(ctx context.Context, tenantID, accessTokenCipher string, expiry time.Time) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int, err error)
}

// Manager hands out valid access tokens, refreshing them through the
// provider when they are expired or about to expire. Refreshes for one
// tenant are serialized by a per-tenant mutex so concurrent callers await
// a single in-flight refresh instead of issuing duplicate provider calls.
type Manager struct {
	store   Store
	cipher  *Cipher
	oauth   Refresher
	logger  *zap.Logger
	clock   func() time.Time

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

func NewManager(store Store, cipher *Cipher, oauth Refresher, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		cipher:   cipher,
		oauth:    oauth,
		logger:   logger,
		clock:    time.Now,
		tenantMu: make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the time source. Test hook.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) lockTenant(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.tenantMu[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		m.tenantMu[tenantID] = mu
	}
	return mu
}

// AccessToken returns a valid decrypted access token for the tenant,
// refreshing first when now >= expiry - safety window.
func (m *Manager) AccessToken(ctx context.Context, tenantID string) (string, error) {
	mu := m.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return m.tokenLocked(ctx, tenantID, false)
}

// ForceRefresh bypasses the expiry check. Called after a downstream 401 so
// the original call gets exactly one retry with a fresh token.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID string) (string, error) {
	mu := m.lockTenant(tenantID)
	mu.Lock()
	defer mu.Unlock()
	return m.tokenLocked(ctx, tenantID, true)
}

func (m *Manager) tokenLocked(ctx context.Context, tenantID string, force bool) (string, error) {
	stored, err := m.store.Get(ctx, tenantID)
	if err != nil {
		var nf *errs.NotFoundError
		if errors.As(err, &nf) {
			return "", &errs.AuthError{Reason: "no credential stored for tenant " + tenantID, NeedsReauth: true}
		}
		return "", fmt.Errorf("load credential: %w", err)
	}

	access, err := m.cipher.Decrypt(stored.AccessTokenCipher)
	if err != nil {
		// Wrong key or corrupted record: only re-authorization can fix this.
		return "", &errs.AuthError{Reason: "credential undecryptable for tenant " + tenantID, NeedsReauth: true}
	}

	if !force && m.clock().Before(stored.Expiry.Add(-refreshSafetyWindow)) {
		return access, nil
	}

	refreshToken, err := m.cipher.Decrypt(stored.RefreshTokenCipher)
	if err != nil {
		return "", &errs.AuthError{Reason: "refresh token undecryptable for tenant " + tenantID, NeedsReauth: true}
	}

	newAccess, expiresIn, err := m.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		result := "transient"
		if errs.NeedsReauth(err) {
			result = "terminal"
		}
		metrics.IncrementCredentialRefresh(result)
		m.logger.Warn("credential refresh failed",
			zap.String("tenant", tenantID),
			zap.String("result", result),
			zap.Error(err),
		)
		return "", err
	}

	expiry := m.clock().Add(time.Duration(expiresIn) * time.Second)
	sealed, err := m.cipher.Encrypt(newAccess)
	if err != nil {
		return "", fmt.Errorf("encrypt refreshed token: %w", err)
	}
	if err := m.store.UpdateAccessToken(ctx, tenantID, sealed, expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	metrics.IncrementCredentialRefresh("success")
	m.logger.Info("credential refreshed",
		zap.String("tenant", tenantID),
		zap.Time("expiry", expiry),
	)
	return newAccess, nil
}
