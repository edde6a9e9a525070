package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// CreateMeal inserts a Meal and its MealIngredient rows in one transaction.
func (s *Store) CreateMeal(ctx context.Context, meal domain.Meal, items []domain.MealIngredient) (domain.Meal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Meal{}, fmt.Errorf("begin create meal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO meals (user_id, name, name_source, status, occurred_at, local_timezone, copied_from_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		meal.UserID, meal.Name, meal.NameSource, meal.Status, meal.OccurredAt, meal.LocalTZ, meal.CopiedFromID,
	).Scan(&meal.ID, &meal.CreatedAt)
	if err != nil {
		return domain.Meal{}, fmt.Errorf("insert meal: %w", err)
	}

	for i := range items {
		items[i].MealID = meal.ID
		err = tx.QueryRowContext(ctx,
			`INSERT INTO meal_ingredients (meal_id, ingredient_id, state, quantity_description, confidence, source)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			items[i].MealID, items[i].IngredientID, items[i].State, items[i].QuantityDescription, items[i].Confidence, items[i].Source,
		).Scan(&items[i].ID)
		if err != nil {
			return domain.Meal{}, fmt.Errorf("insert meal_ingredient for meal %d: %w", meal.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Meal{}, fmt.Errorf("commit create meal: %w", err)
	}
	return meal, nil
}

// MealWithIngredients is a meal joined with its ingredient rows, the shape
// the correlation engine actually iterates over.
type MealWithIngredients struct {
	Meal        domain.Meal
	Ingredients []domain.MealIngredient
}

// ListMealsInRange returns every meal for userID between start and end
// (inclusive), most recent first, each hydrated with its ingredients.
func (s *Store) ListMealsInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]MealWithIngredients, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, name_source, status, occurred_at, local_timezone, copied_from_id, created_at
		 FROM meals
		 WHERE user_id = $1 AND occurred_at BETWEEN $2 AND $3 AND status = $4
		 ORDER BY occurred_at DESC`,
		userID, start, end, domain.MealStatusPublished,
	)
	if err != nil {
		return nil, fmt.Errorf("list meals in range: %w", err)
	}
	defer rows.Close()

	var meals []domain.Meal
	for rows.Next() {
		var m domain.Meal
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.NameSource, &m.Status, &m.OccurredAt, &m.LocalTZ, &m.CopiedFromID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan meal: %w", err)
		}
		meals = append(meals, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MealWithIngredients, 0, len(meals))
	for _, m := range meals {
		items, err := s.mealIngredients(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MealWithIngredients{Meal: m, Ingredients: items})
	}
	return out, nil
}

// ListRecentMeals returns the most recent limit meals for a user regardless
// of date range, used to seed the "last N meals" history the ingredient
// worker sends to the LLM when it asks for alternative-meal suggestions.
func (s *Store) ListRecentMeals(ctx context.Context, userID uuid.UUID, limit int) ([]MealWithIngredients, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, name_source, status, occurred_at, local_timezone, copied_from_id, created_at
		 FROM meals WHERE user_id = $1 AND status = $2 ORDER BY occurred_at DESC LIMIT $3`,
		userID, domain.MealStatusPublished, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent meals: %w", err)
	}
	defer rows.Close()

	var meals []domain.Meal
	for rows.Next() {
		var m domain.Meal
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.NameSource, &m.Status, &m.OccurredAt, &m.LocalTZ, &m.CopiedFromID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan meal: %w", err)
		}
		meals = append(meals, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MealWithIngredients, 0, len(meals))
	for _, m := range meals {
		items, err := s.mealIngredients(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MealWithIngredients{Meal: m, Ingredients: items})
	}
	return out, nil
}

func (s *Store) mealIngredients(ctx context.Context, mealID int64) ([]domain.MealIngredient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meal_id, ingredient_id, state, quantity_description, confidence, source
		 FROM meal_ingredients WHERE meal_id = $1`, mealID,
	)
	if err != nil {
		return nil, fmt.Errorf("list meal_ingredients for meal %d: %w", mealID, err)
	}
	defer rows.Close()

	var items []domain.MealIngredient
	for rows.Next() {
		var mi domain.MealIngredient
		if err := rows.Scan(&mi.ID, &mi.MealID, &mi.IngredientID, &mi.State, &mi.QuantityDescription, &mi.Confidence, &mi.Source); err != nil {
			return nil, fmt.Errorf("scan meal_ingredient: %w", err)
		}
		items = append(items, mi)
	}
	return items, rows.Err()
}

// CreateSymptom inserts a Symptom episode, marshaling its tags to JSONB.
func (s *Store) CreateSymptom(ctx context.Context, sym domain.Symptom) (domain.Symptom, error) {
	tagsJSON, err := json.Marshal(sym.Tags)
	if err != nil {
		return domain.Symptom{}, fmt.Errorf("marshal symptom tags: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO symptoms (user_id, started_at, ended_at, raw_description, tags, notes)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		sym.UserID, sym.StartedAt, sym.EndedAt, sym.RawDescription, tagsJSON, sym.Notes,
	).Scan(&sym.ID, &sym.CreatedAt)
	if err != nil {
		return domain.Symptom{}, fmt.Errorf("insert symptom: %w", err)
	}
	return sym, nil
}

// ListSymptomsInRange returns every symptom episode for userID in [start,
// end], earliest first (the order the temporal correlation scan walks).
func (s *Store) ListSymptomsInRange(ctx context.Context, userID uuid.UUID, start, end time.Time) ([]domain.Symptom, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, started_at, ended_at, raw_description, tags, notes, created_at
		 FROM symptoms WHERE user_id = $1 AND started_at BETWEEN $2 AND $3
		 ORDER BY started_at ASC`,
		userID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("list symptoms in range: %w", err)
	}
	defer rows.Close()

	var out []domain.Symptom
	for rows.Next() {
		var sym domain.Symptom
		var tagsJSON []byte
		if err := rows.Scan(&sym.ID, &sym.UserID, &sym.StartedAt, &sym.EndedAt, &sym.RawDescription, &tagsJSON, &sym.Notes, &sym.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan symptom: %w", err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &sym.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal symptom tags for %d: %w", sym.ID, err)
			}
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}
