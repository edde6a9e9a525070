package correlation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dietary/diagnosis-pipeline/pkg/database"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// newTestDB starts a disposable Postgres container with the embedded
// migrations applied, mirroring pkg/database's own container harness — the
// correlation engine issues raw SQL against *sql.DB, so its tests need the
// same live schema rather than a mock.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:         host,
		Port:         port.Int(),
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client.DB()
}

// seedIngredient inserts (or fetches) an ingredient by name and returns its id.
func seedIngredient(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO ingredients (name, normalized_name) VALUES ($1, $2)
		 ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
		 RETURNING id`,
		name, domain.NormalizeIngredientName(name),
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// seedMeal inserts one published meal containing ingredientID in the given
// state, occurring at occurredAt, and returns the meal id.
func seedMeal(t *testing.T, db *sql.DB, userID uuid.UUID, ingredientID int64, state domain.IngredientState, occurredAt time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	var mealID int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO meals (user_id, name, name_source, status, occurred_at, local_timezone)
		 VALUES ($1, 'meal', 'human', 'published', $2, 'UTC') RETURNING id`,
		userID, occurredAt,
	).Scan(&mealID)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO meal_ingredients (meal_id, ingredient_id, state, source) VALUES ($1, $2, $3, 'human')`,
		mealID, ingredientID, state,
	)
	require.NoError(t, err)
	return mealID
}

// seedMealTwoIngredients inserts one published meal containing both
// ingredients, used for co-occurrence / confounder scenarios.
func seedMealTwoIngredients(t *testing.T, db *sql.DB, userID uuid.UUID, aID, bID int64, occurredAt time.Time) {
	t.Helper()
	ctx := context.Background()
	var mealID int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO meals (user_id, name, name_source, status, occurred_at, local_timezone)
		 VALUES ($1, 'meal', 'human', 'published', $2, 'UTC') RETURNING id`,
		userID, occurredAt,
	).Scan(&mealID)
	require.NoError(t, err)

	for _, ingredientID := range []int64{aID, bID} {
		_, err = db.ExecContext(ctx,
			`INSERT INTO meal_ingredients (meal_id, ingredient_id, state, source) VALUES ($1, $2, 'raw', 'human')`,
			mealID, ingredientID,
		)
		require.NoError(t, err)
	}
}

// seedSymptom inserts one tagged symptom episode and returns its id.
func seedSymptom(t *testing.T, db *sql.DB, userID uuid.UUID, startedAt time.Time, tag string, severity int) int64 {
	t.Helper()
	var id int64
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO symptoms (user_id, started_at, raw_description, tags)
		 VALUES ($1, $2, $3, $4::jsonb) RETURNING id`,
		userID, startedAt, tag,
		`[{"name": "`+tag+`", "severity": `+itoa(severity)+`}]`,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// TestTagCorrelations_ImmediateOnionPattern grounds S1: 5 published meals
// with (onion, raw) each followed an hour later by a bloating tag. Expect
// immediate to dominate and occurrences to equal 5.
func TestTagCorrelations_ImmediateOnionPattern(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := uuid.New()
	onion := seedIngredient(t, db, "onion")

	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		mealAt := base.AddDate(0, 0, i)
		seedMeal(t, db, userID, onion, domain.IngredientStateRaw, mealAt)
		seedSymptom(t, db, userID, mealAt.Add(time.Hour), "bloating", 6)
	}

	tags, err := TagCorrelations(ctx, db, userID, base.Add(-time.Hour), base.AddDate(0, 0, 10), 1)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	tc := tags[0]
	require.Equal(t, onion, tc.IngredientID)
	require.Equal(t, domain.IngredientStateRaw, tc.State)
	require.Equal(t, 5, tc.Immediate)
	require.Equal(t, 0, tc.Delayed)
	require.Equal(t, 0, tc.Cumulative)
	require.Equal(t, 5, tc.Occurrences)

	consumption, err := IngredientConsumptionCounts(ctx, db, userID, base.Add(-time.Hour), base.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Len(t, consumption, 1)
	require.Equal(t, 5, consumption[0].TimesEaten)
}

// TestTagCorrelations_DelayedMilkPattern grounds S3: 5 meals with (milk,
// processed) each followed 12h later by a gas tag. Expect delayed to
// dominate.
func TestTagCorrelations_DelayedMilkPattern(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := uuid.New()
	milk := seedIngredient(t, db, "milk")

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		mealAt := base.AddDate(0, 0, i)
		seedMeal(t, db, userID, milk, domain.IngredientStateProcessed, mealAt)
		seedSymptom(t, db, userID, mealAt.Add(12*time.Hour), "gas", 6)
	}

	tags, err := TagCorrelations(ctx, db, userID, base.Add(-time.Hour), base.AddDate(0, 0, 10), 1)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	tc := tags[0]
	require.Equal(t, 5, tc.Delayed)
	require.Equal(t, 0, tc.Immediate)
	require.Equal(t, 5, tc.Occurrences)
}

// TestTagCorrelations_OneSymptomInMultipleLookbackWindowsCountsOnce is the
// regression the reviewer flagged: a single symptom episode that falls
// within the 168h lookback window of more than one qualifying meal of the
// same (ingredient, state) must be counted once, not once per meal.
func TestTagCorrelations_OneSymptomInMultipleLookbackWindowsCountsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := uuid.New()
	onion := seedIngredient(t, db, "onion")

	// Two onion meals 3 days apart; one symptom 1 hour after the second
	// meal falls inside both meals' 168h lookback window.
	firstMeal := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	secondMeal := firstMeal.AddDate(0, 0, 3)
	seedMeal(t, db, userID, onion, domain.IngredientStateRaw, firstMeal)
	seedMeal(t, db, userID, onion, domain.IngredientStateRaw, secondMeal)
	seedSymptom(t, db, userID, secondMeal.Add(time.Hour), "bloating", 6)

	tags, err := TagCorrelations(ctx, db, userID, firstMeal.Add(-time.Hour), secondMeal.AddDate(0, 0, 10), 1)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	tc := tags[0]
	// Without the DISTINCT fix this symptom would be counted twice (once
	// per qualifying meal), inflating both immediate and occurrences to 2.
	require.Equal(t, 1, tc.Immediate)
	require.Equal(t, 1, tc.Occurrences)
}

func TestCheckSufficiency_SufficientAndInsufficient(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sufficientUser := uuid.New()
	onion := seedIngredient(t, db, "onion")
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		mealAt := base.AddDate(0, 0, i)
		seedMeal(t, db, sufficientUser, onion, domain.IngredientStateRaw, mealAt)
		seedSymptom(t, db, sufficientUser, mealAt.Add(time.Hour), "bloating", 6)
	}
	got, err := CheckSufficiency(ctx, db, sufficientUser, base.Add(-time.Hour), base.AddDate(0, 0, 10), 5, 3)
	require.NoError(t, err)
	require.True(t, got.Sufficient)
	require.Equal(t, 5, got.MealCount)
	require.Equal(t, 5, got.SymptomCount)

	// S2: 2 published meals, 1 tagged symptom — below the minimums.
	insufficientUser := uuid.New()
	seedMeal(t, db, insufficientUser, onion, domain.IngredientStateRaw, base)
	seedMeal(t, db, insufficientUser, onion, domain.IngredientStateRaw, base.AddDate(0, 0, 1))
	seedSymptom(t, db, insufficientUser, base.Add(time.Hour), "bloating", 4)

	got, err = CheckSufficiency(ctx, db, insufficientUser, base.Add(-time.Hour), base.AddDate(0, 0, 10), 5, 3)
	require.NoError(t, err)
	require.False(t, got.Sufficient)
	require.Equal(t, 2, got.MealCount)
	require.Equal(t, 1, got.SymptomCount)
}

// TestComputePairs_ConfoundedGarlicOnion grounds S4: garlic and onion eaten
// together in every meal, so garlic should show high co-occurrence with
// onion in both directions.
func TestComputePairs_ConfoundedGarlicOnion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := uuid.New()
	garlic := seedIngredient(t, db, "garlic")
	onion := seedIngredient(t, db, "onion")

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		seedMealTwoIngredients(t, db, userID, garlic, onion, base.AddDate(0, 0, i))
	}

	pairs, err := ComputePairs(ctx, db, userID, base.Add(-time.Hour), base.AddDate(0, 0, 10))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, 5, pairs[0].MealsBoth)
	require.True(t, pairs[0].HighCooccurrence())

	partners := PartnersFor(pairs, garlic)
	require.Len(t, partners, 1)
	require.Equal(t, onion, partners[0].PartnerID)
	require.True(t, partners[0].HighCooccurrence)
}

func TestSymptomClusters_MergesAdjacentEpisodes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := uuid.New()

	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	seedSymptom(t, db, userID, base, "bloating", 4)
	seedSymptom(t, db, userID, base.Add(time.Hour), "gas", 6)
	seedSymptom(t, db, userID, base.Add(48*time.Hour), "nausea", 8)

	clusters, err := SymptomClusters(ctx, db, userID, base.Add(-time.Hour), base.AddDate(0, 0, 5), 0)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	require.Equal(t, 2, clusters[0].EpisodeCount)
	require.Equal(t, 6, clusters[0].PeakSeverity)
	require.Equal(t, 1, clusters[1].EpisodeCount)
}
