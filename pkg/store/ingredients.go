package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// GetOrCreateIngredient resolves name to its canonical Ingredient row,
// inserting one if no row with the same normalized name exists yet. This
// mirrors Ingredient.normalize_name from the Python model: dedup happens on
// the normalized form, not the display name, so "Greek Yogurt" and
// "greek-yogurt" resolve to the same row.
func (s *Store) GetOrCreateIngredient(ctx context.Context, name string) (domain.Ingredient, error) {
	normalized := domain.NormalizeIngredientName(name)
	if normalized == "" {
		return domain.Ingredient{}, fmt.Errorf("ingredient name %q normalizes to empty string", name)
	}

	var ing domain.Ingredient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, created_at FROM ingredients WHERE normalized_name = $1`,
		normalized,
	).Scan(&ing.ID, &ing.Name, &ing.NormalizedName, &ing.CreatedAt)
	if err == nil {
		return ing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Ingredient{}, fmt.Errorf("lookup ingredient %q: %w", normalized, err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO ingredients (name, normalized_name) VALUES ($1, $2)
		 ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		 RETURNING id, name, normalized_name, created_at`,
		name, normalized,
	).Scan(&ing.ID, &ing.Name, &ing.NormalizedName, &ing.CreatedAt)
	if err != nil {
		return domain.Ingredient{}, fmt.Errorf("insert ingredient %q: %w", normalized, err)
	}
	return ing, nil
}

// GetIngredient loads an Ingredient by ID.
func (s *Store) GetIngredient(ctx context.Context, id int64) (domain.Ingredient, error) {
	var ing domain.Ingredient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, created_at FROM ingredients WHERE id = $1`, id,
	).Scan(&ing.ID, &ing.Name, &ing.NormalizedName, &ing.CreatedAt)
	if err != nil {
		return domain.Ingredient{}, fmt.Errorf("get ingredient %d: %w", id, err)
	}
	return ing, nil
}

// ListIngredientsByIDs batches a lookup of ingredient names for result
// hydration, keyed by ID.
func (s *Store) ListIngredientsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Ingredient, error) {
	out := make(map[int64]domain.Ingredient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, normalized_name, created_at FROM ingredients WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("list ingredients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ing domain.Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.NormalizedName, &ing.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ingredient: %w", err)
		}
		out[ing.ID] = ing
	}
	return out, rows.Err()
}
