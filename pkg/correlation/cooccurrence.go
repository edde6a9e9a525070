package correlation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// highCooccurrenceConditional and highCooccurrenceMinMeals are the tuneable
// constants from §4.1's high-cooccurrence flag: either conditional
// probability above the threshold, with at least this many shared meals.
const (
	highCooccurrenceConditional = 0.7
	highCooccurrenceMinMeals    = 3
)

// Pair is the co-occurrence statistics for one unordered ingredient pair
// within a window.
type Pair struct {
	IngredientAID   int64
	IngredientAName string
	IngredientBID   int64
	IngredientBName string
	MealsA          int
	MealsB          int
	MealsBoth       int
	ConditionalBA   float64 // P(b|a) = meals_both/meals_a
	ConditionalAB   float64 // P(a|b) = meals_both/meals_b
	Lift            float64
}

// HighCooccurrence reports whether this pair crosses §4.1's confounder
// threshold in either direction.
func (p Pair) HighCooccurrence() bool {
	return p.MealsBoth >= highCooccurrenceMinMeals &&
		(p.ConditionalBA > highCooccurrenceConditional || p.ConditionalAB > highCooccurrenceConditional)
}

// Partner is the per-ingredient view of a co-occurrence pair, oriented
// around one ingredient as described in §4.1.
type Partner struct {
	PartnerID        int64
	PartnerName      string
	Conditional      float64
	Reverse          float64
	Lift             float64
	MealsBoth        int
	HighCooccurrence bool
}

// ComputePairs computes co-occurrence statistics for every ingredient pair
// eaten together in at least one published meal within window.
func ComputePairs(ctx context.Context, db *sql.DB, userID uuid.UUID, start, end time.Time) ([]Pair, error) {
	var totalMeals int
	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM meals WHERE user_id = $1 AND status = 'published' AND occurred_at BETWEEN $2 AND $3`,
		userID, start, end,
	).Scan(&totalMeals)
	if err != nil {
		return nil, fmt.Errorf("counting total meals: %w", err)
	}
	if totalMeals == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `
		WITH exposures AS (
			SELECT DISTINCT m.id AS meal_id, mi.ingredient_id, i.name AS ingredient_name
			FROM meal_ingredients mi
			JOIN meals m ON m.id = mi.meal_id
			JOIN ingredients i ON i.id = mi.ingredient_id
			WHERE m.user_id = $1 AND m.status = 'published' AND m.occurred_at BETWEEN $2 AND $3
		),
		solo_counts AS (
			SELECT ingredient_id, ingredient_name, count(DISTINCT meal_id) AS meals_count
			FROM exposures
			GROUP BY ingredient_id, ingredient_name
		),
		pair_counts AS (
			SELECT a.ingredient_id AS a_id, a.ingredient_name AS a_name,
			       b.ingredient_id AS b_id, b.ingredient_name AS b_name,
			       count(DISTINCT a.meal_id) AS meals_both
			FROM exposures a
			JOIN exposures b ON a.meal_id = b.meal_id AND a.ingredient_id < b.ingredient_id
			GROUP BY a.ingredient_id, a.ingredient_name, b.ingredient_id, b.ingredient_name
		)
		SELECT pc.a_id, pc.a_name, pc.b_id, pc.b_name, pc.meals_both, sa.meals_count, sb.meals_count
		FROM pair_counts pc
		JOIN solo_counts sa ON sa.ingredient_id = pc.a_id
		JOIN solo_counts sb ON sb.ingredient_id = pc.b_id`,
		userID, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("co-occurrence query: %w", err)
	}
	defer rows.Close()

	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.IngredientAID, &p.IngredientAName, &p.IngredientBID, &p.IngredientBName,
			&p.MealsBoth, &p.MealsA, &p.MealsB); err != nil {
			return nil, fmt.Errorf("scan co-occurrence pair: %w", err)
		}
		if p.MealsA > 0 {
			p.ConditionalBA = float64(p.MealsBoth) / float64(p.MealsA)
		}
		if p.MealsB > 0 {
			p.ConditionalAB = float64(p.MealsBoth) / float64(p.MealsB)
		}
		if p.MealsA > 0 && p.MealsB > 0 {
			p.Lift = (float64(p.MealsBoth) * float64(totalMeals)) / (float64(p.MealsA) * float64(p.MealsB))
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PartnersFor builds the per-ingredient co-occurrence view for ingredientID
// out of the full pair set, oriented so Conditional is always
// P(partner|ingredientID).
func PartnersFor(pairs []Pair, ingredientID int64) []Partner {
	var out []Partner
	for _, p := range pairs {
		switch ingredientID {
		case p.IngredientAID:
			out = append(out, Partner{
				PartnerID:        p.IngredientBID,
				PartnerName:      p.IngredientBName,
				Conditional:      p.ConditionalBA,
				Reverse:          p.ConditionalAB,
				Lift:             p.Lift,
				MealsBoth:        p.MealsBoth,
				HighCooccurrence: p.HighCooccurrence(),
			})
		case p.IngredientBID:
			out = append(out, Partner{
				PartnerID:        p.IngredientAID,
				PartnerName:      p.IngredientAName,
				Conditional:      p.ConditionalAB,
				Reverse:          p.ConditionalBA,
				Lift:             p.Lift,
				MealsBoth:        p.MealsBoth,
				HighCooccurrence: p.HighCooccurrence(),
			})
		}
	}
	return out
}
