package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hummusonrails/x402-facilitator/internal/domain/model"
)

// MerchantRepo reads merchant records. Rows are written by the external
// onboarding system; the engine only ever resolves them per settlement.
type MerchantRepo struct {
	db *DB
}

func NewMerchantRepo(db *DB) *MerchantRepo {
	return &MerchantRepo{db: db}
}

func (r *MerchantRepo) FindByAddress(ctx context.Context, address string) (*model.Merchant, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var m model.Merchant
	err := r.db.QueryRowContext(ctx, `
		SELECT address, name, enabled, approved, created_at, updated_at
		FROM merchants
		WHERE address = $1
	`, strings.ToLower(address)).Scan(
		&m.Address, &m.Name, &m.Enabled, &m.Approved, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find merchant: %w", err)
	}
	return &m, nil
}
