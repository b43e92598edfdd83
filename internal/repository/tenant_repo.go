package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"leadsheet/internal/errs"
	"leadsheet/internal/model"
)

// TenantRepository is the read-only view over the tenant config store.
// Raw trigger-policy and semantic-type strings are validated into tagged
// variants here, at the boundary, so the pipeline never sees loose values.
type TenantRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTenantRepository(db *pgxpool.Pool, logger *zap.Logger) *TenantRepository {
	return &TenantRepository{db: db, logger: logger}
}

// Settings loads the tenant-level switchboard.
func (r *TenantRepository) Settings(ctx context.Context, tenantID string) (*model.TenantSettings, error) {
	query := `
        SELECT disabled, allowed_sender_roles
        FROM tenants
        WHERE id = $1
    `
	var s model.TenantSettings
	err := r.db.QueryRow(ctx, query, tenantID).Scan(&s.Disabled, &s.AllowedSenderRoles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Resource: "tenant " + tenantID}
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ThreadAgentDisabled reports the per-thread kill switch; no row means the
// agent is enabled for the thread.
func (r *TenantRepository) ThreadAgentDisabled(ctx context.Context, tenantID, threadKey string) (bool, error) {
	query := `
        SELECT agent_disabled
        FROM thread_settings
        WHERE tenant_id = $1 AND thread_key = $2
    `
	var disabled bool
	err := r.db.QueryRow(ctx, query, tenantID, threadKey).Scan(&disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return disabled, nil
}

// columnRecord is the loose JSONB shape columns arrive in.
type columnRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	Prompt      string `json:"prompt"`
	Address     string `json:"address"`
}

// ActiveDestinations returns the tenant's active destination configs,
// validated. A destination that fails validation is logged and dropped
// rather than poisoning the whole tenant.
func (r *TenantRepository) ActiveDestinations(ctx context.Context, tenantID string) ([]model.Destination, error) {
	query := `
        SELECT id, spreadsheet_id, sheet_name, trigger_policy, auto_update_existing,
               interest_keywords, columns
        FROM destinations
        WHERE tenant_id = $1 AND active = TRUE
        ORDER BY id
    `
	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dests := []model.Destination{}
	for rows.Next() {
		var (
			d          model.Destination
			rawPolicy  string
			rawColumns []byte
		)
		err := rows.Scan(
			&d.ID,
			&d.SpreadsheetID,
			&d.SheetName,
			&rawPolicy,
			&d.AutoUpdateExisting,
			&d.InterestKeywords,
			&rawColumns,
		)
		if err != nil {
			return nil, err
		}
		d.Active = true
		d.TriggerPolicy = model.ParseTriggerPolicy(rawPolicy)

		var cols []columnRecord
		if err := json.Unmarshal(rawColumns, &cols); err != nil {
			r.logger.Warn("destination has unreadable columns, dropping",
				zap.String("tenant", tenantID),
				zap.String("destination", d.ID),
				zap.Error(err),
			)
			continue
		}
		for _, c := range cols {
			d.Columns = append(d.Columns, model.ColumnSpec{
				ID:          c.ID,
				DisplayName: c.DisplayName,
				Type:        model.ParseSemanticType(c.Type),
				Prompt:      c.Prompt,
				Address:     c.Address,
			})
		}

		if err := d.Validate(); err != nil {
			r.logger.Warn("destination failed validation, dropping",
				zap.String("tenant", tenantID),
				zap.String("destination", d.ID),
				zap.Error(err),
			)
			continue
		}
		dests = append(dests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}
	return dests, nil
}
