package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadsheet/internal/credential"
	"leadsheet/internal/errs"
)

// CredentialRepository persists encrypted OAuth material. Plaintext tokens
// never pass through here.
type CredentialRepository struct {
	db *pgxpool.Pool
}

func NewCredentialRepository(db *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) Get(ctx context.Context, tenantID string) (*credential.Stored, error) {
	query := `
        SELECT tenant_id, access_token_enc, refresh_token_enc, expiry
        FROM oauth_credentials
        WHERE tenant_id = $1
    `
	var c credential.Stored
	err := r.db.QueryRow(ctx, query, tenantID).Scan(
		&c.TenantID,
		&c.AccessTokenCipher,
		&c.RefreshTokenCipher,
		&c.Expiry,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Resource: "credential for tenant " + tenantID}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CredentialRepository) UpdateAccessToken(ctx context.Context, tenantID, accessTokenCipher string, expiry time.Time) error {
	query := `
        UPDATE oauth_credentials
        SET access_token_enc = $2, expiry = $3, updated_at = NOW()
        WHERE tenant_id = $1
    `
	tag, err := r.db.Exec(ctx, query, tenantID, accessTokenCipher, expiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFoundError{Resource: "credential for tenant " + tenantID}
	}
	return nil
}
