package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dietary/diagnosis-pipeline/pkg/database"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
)

// testPayload is a placeholder task payload satisfying the diagnosis_tasks
// table's NOT NULL constraint on payload.
var testPayload = json.RawMessage(`{}`)

// newTestDB starts a disposable Postgres container with the embedded
// migrations applied, mirroring pkg/database's own container harness.
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

func TestIngredients_GetOrCreateDedupesByNormalizedName(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()

	a, err := s.GetOrCreateIngredient(ctx, "Onion")
	require.NoError(t, err)
	b, err := s.GetOrCreateIngredient(ctx, "  onion ")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "onion", a.NormalizedName)

	got, err := s.GetIngredient(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)

	byIDs, err := s.ListIngredientsByIDs(ctx, []int64{a.ID})
	require.NoError(t, err)
	assert.Contains(t, byIDs, a.ID)
}

func TestMeals_CreateAndListInRange(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)

	occurred := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	meal, err := s.CreateMeal(ctx, domain.Meal{
		UserID:     userID,
		Name:       "lunch",
		NameSource: "human",
		Status:     domain.MealStatusPublished,
		OccurredAt: occurred,
		LocalTZ:    "UTC",
	}, []domain.MealIngredient{
		{IngredientID: onion.ID, State: domain.IngredientStateRaw, Source: domain.IngredientSourceHuman},
	})
	require.NoError(t, err)
	assert.NotZero(t, meal.ID)

	meals, err := s.ListMealsInRange(ctx, userID, occurred.Add(-time.Hour), occurred.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, meals, 1)
	require.Len(t, meals[0].Ingredients, 1)
	assert.Equal(t, onion.ID, meals[0].Ingredients[0].IngredientID)

	recent, err := s.ListRecentMeals(ctx, userID, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSymptoms_CreateAndListInRange(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	started := time.Date(2026, 1, 10, 13, 0, 0, 0, time.UTC)
	sym, err := s.CreateSymptom(ctx, domain.Symptom{
		UserID:         userID,
		StartedAt:      started,
		RawDescription: "bloating",
		Tags:           []domain.SymptomTag{{Name: "bloating", Severity: 6}},
	})
	require.NoError(t, err)
	assert.NotZero(t, sym.ID)

	got, err := s.ListSymptomsInRange(ctx, userID, started.Add(-time.Hour), started.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0].Tags, 1)
	assert.Equal(t, "bloating", got[0].Tags[0].Name)
}

func TestRuns_Lifecycle(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID:           userID,
		RunTimestamp:     time.Now().UTC(),
		Status:           domain.RunStatusPending,
		TotalIngredients: 2,
		DateRangeStart:   time.Now().Add(-24 * time.Hour),
		DateRangeEnd:     time.Now(),
	})
	require.NoError(t, err)
	assert.NotZero(t, run.ID)

	require.NoError(t, s.MarkRunStarted(ctx, run.ID))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	completed, total, justCompleted, err := s.IncrementCompletedAndMaybeComplete(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, total)
	assert.False(t, justCompleted)

	completed, total, justCompleted, err = s.IncrementCompletedAndMaybeComplete(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, total)
	assert.True(t, justCompleted)

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)

	alreadyTerminal, err := s.CompleteIfOutstanding(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, alreadyTerminal)

	_, err = s.GetRun(ctx, run.ID+999)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestResults_CreateExistsAndList(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusProcessing,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)

	exists, err := s.ResultExists(ctx, run.ID, onion.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	result, err := s.CreateResult(ctx, domain.DiagnosisResult{
		RunID:                   run.ID,
		IngredientID:            onion.ID,
		ConfidenceScore:         0.82,
		ConfidenceLevel:         domain.ConfidenceHigh,
		ImmediateCorrelation:    5,
		TimesEaten:              5,
		TimesFollowedBySymptoms: 5,
		AssociatedSymptoms:      []domain.AssociatedSymptom{{Name: "bloating", SeverityAvg: 6, Frequency: 5}},
		DiagnosisSummary:        "onion correlates with bloating",
		Citations:               []domain.Citation{{URL: "https://example.com", Title: "ref", SourceType: "web", RelevanceScore: 0.9}},
	})
	require.NoError(t, err)
	assert.NotZero(t, result.ID)
	require.Len(t, result.Citations, 1)

	exists, err = s.ResultExists(ctx, run.ID, onion.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.GetResult(ctx, result.ID)
	require.NoError(t, err)
	require.Len(t, got.AssociatedSymptoms, 1)
	require.Len(t, got.Citations, 1)

	list, err := s.ListResultsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteResult(ctx, result.ID))
	_, err = s.GetResult(ctx, result.ID)
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestDiscountedIngredients_CreateAndList(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	garlic, err := s.GetOrCreateIngredient(ctx, "garlic")
	require.NoError(t, err)
	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusProcessing,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)

	_, err = s.CreateDiscountedIngredient(ctx, domain.DiscountedIngredient{
		RunID:                    run.ID,
		IngredientID:             garlic.ID,
		ConfoundedByIngredientID: &onion.ID,
		DiscardJustification:     "confounded by onion, consistently co-eaten",
		OriginalConfidenceScore:  0.6,
		OriginalConfidenceLevel:  domain.ConfidenceMedium,
		TimesEaten:               5,
		TimesFollowedBySymptoms:  5,
		ConditionalProbability:   0.9,
	})
	require.NoError(t, err)

	list, err := s.ListDiscountedForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].ConfoundedByIngredientID)
	assert.Equal(t, onion.ID, *list[0].ConfoundedByIngredientID)
}

func TestUsage_RecordAndSummarize(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.RecordUsage(ctx, domain.AIUsageLog{
		UserID:             &userID,
		OccurredAt:         time.Now(),
		ServiceType:        "llm",
		Model:              "gpt-5",
		InputTokens:        100,
		OutputTokens:       50,
		EstimatedCostCents: 1.5,
		RequestType:        "root_cause",
		Success:            true,
	})
	require.NoError(t, err)

	total, err := s.TotalCostForRequestType(ctx, "root_cause")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, total, 0.0001)

	summary, err := s.UsageSummary(ctx, 7)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, "llm", summary[0].ServiceType)

	logs, err := s.UsageLogsForUser(ctx, userID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestTasks_EnqueueClaimCompleteAndFail(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusProcessing,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.EnqueueTask(ctx, run.ID, onion.ID, testPayload, 3))
	// Re-enqueueing the same (run, ingredient) pair is a no-op per the
	// UNIQUE constraint, not a second task.
	require.NoError(t, s.EnqueueTask(ctx, run.ID, onion.ID, testPayload, 3))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	task, err := s.ClaimNextTask(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, onion.ID, task.IngredientID)
	assert.Equal(t, TaskStatusInProgress, task.Status)

	active, err := s.ActiveTaskCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	_, err = s.ClaimNextTask(ctx, 0)
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	require.NoError(t, s.HeartbeatTask(ctx, task.ID))
	require.NoError(t, s.CompleteTask(ctx, task.ID))
}

func TestTasks_ClaimNextTaskRespectsMaxConcurrentCap(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusProcessing,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	garlic, err := s.GetOrCreateIngredient(ctx, "garlic")
	require.NoError(t, err)

	require.NoError(t, s.EnqueueTask(ctx, run.ID, onion.ID, testPayload, 3))
	require.NoError(t, s.EnqueueTask(ctx, run.ID, garlic.ID, testPayload, 3))

	// First claim succeeds under a cap of 1 in_progress task.
	first, err := s.ClaimNextTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, first.Status)

	// A second claim is blocked by the cap even though a pending task
	// remains, proving MaxConcurrentSessions is actually enforced.
	_, err = s.ClaimNextTask(ctx, 1)
	assert.ErrorIs(t, err, ErrNoTasksAvailable)

	require.NoError(t, s.CompleteTask(ctx, first.ID))

	// With the first task completed, the cap has headroom again.
	second, err := s.ClaimNextTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, second.Status)
}

func TestTasks_FailTaskRetriesThenExhausts(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusProcessing,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueTask(ctx, run.ID, onion.ID, testPayload, 2))

	task, err := s.ClaimNextTask(ctx, 0)
	require.NoError(t, err)

	retryable, err := s.FailTask(ctx, task.ID, "timeout", 0)
	require.NoError(t, err)
	assert.True(t, retryable)

	reclaimed, err := s.ClaimNextTask(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.Attempts)

	retryable, err = s.FailTask(ctx, reclaimed.ID, "timeout again", 0)
	require.NoError(t, err)
	assert.False(t, retryable)
}

func TestTasks_ReclaimOrphanedTasks(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusProcessing,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.EnqueueTask(ctx, run.ID, onion.ID, testPayload, 3))

	task, err := s.ClaimNextTask(ctx, 0)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx,
		`UPDATE diagnosis_tasks SET last_heartbeat_at = now() - interval '1 hour' WHERE id = $1`, task.ID)
	require.NoError(t, err)

	n, err := s.ReclaimOrphanedTasks(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := s.ClaimNextTask(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, task.ID, reclaimed.ID)
}

func TestRuns_AlreadyAnalysedIngredientIDsAndDelete(t *testing.T) {
	s := New(newTestDB(t))
	ctx := context.Background()
	userID := uuid.New()

	onion, err := s.GetOrCreateIngredient(ctx, "onion")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, domain.DiagnosisRun{
		UserID: userID, RunTimestamp: time.Now().UTC(), Status: domain.RunStatusCompleted,
		DateRangeStart: time.Now().Add(-24 * time.Hour), DateRangeEnd: time.Now(),
	})
	require.NoError(t, err)
	_, err = s.CreateResult(ctx, domain.DiagnosisResult{RunID: run.ID, IngredientID: onion.ID, ConfidenceLevel: domain.ConfidenceHigh})
	require.NoError(t, err)

	seen, err := s.AlreadyAnalysedIngredientIDs(ctx, userID)
	require.NoError(t, err)
	assert.True(t, seen[onion.ID])

	require.NoError(t, s.DeleteRunsForUser(ctx, userID))
	_, err = s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
