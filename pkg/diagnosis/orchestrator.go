// Package diagnosis wires C2/C3/C6/C8/C9 together into the two pipeline
// halves described in §4.3-4.5: the run orchestrator that turns a date
// range into a scored, prefiltered candidate list and a task queue, and the
// per-ingredient worker that drains that queue.
package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/correlation"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/events"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

// defaultWindow is the analysis window used when the caller supplies no
// explicit date range (§4.3).
const defaultWindow = 90 * 24 * time.Hour

// maxAttemptsPerTask is the retry budget from §4.4: up to 2 additional
// attempts after the first.
const maxAttemptsPerTask = 3

// AnalyzeRequest is the input to Orchestrator.Analyze.
type AnalyzeRequest struct {
	UserID                uuid.UUID
	Start, End            time.Time
	MinMeals              int
	MinSymptomOccurrences int
	WebSearchEnabled      bool
	Async                 bool
}

// TaskPayload is the JSON body stored on each diagnosis_tasks row: the
// already-scored analytic record the worker needs, so it never has to
// recompute aggregation or confidence for an individual ingredient.
type TaskPayload struct {
	IngredientName     string                     `json:"ingredient_name"`
	State              domain.IngredientState     `json:"state"`
	TimesEaten         int                        `json:"times_eaten"`
	SymptomOccurrences int                        `json:"symptom_occurrences"`
	Immediate          int                        `json:"immediate"`
	Delayed            int                        `json:"delayed"`
	Cumulative         int                        `json:"cumulative"`
	AssociatedSymptoms []domain.AssociatedSymptom `json:"associated_symptoms"`
	ConfidenceScore    float64                    `json:"confidence_score"`
	ConfidenceLevel    domain.ConfidenceLevel     `json:"confidence_level"`
	WebSearchEnabled   bool                       `json:"web_search_enabled"`
}

// candidate pairs a scored ingredient with the aggregated statistics that
// produced the score, carried from Analyze's step 3 through to either
// runSync or the async task-enqueue loop.
type candidate struct {
	agg   correlation.AggregatedCorrelation
	score correlation.Score
}

// Orchestrator is C4.
type Orchestrator struct {
	store     *store.Store
	publisher *events.Publisher
	cfg       config.DiagnosisConfig
	executor  TaskExecutorEnqueuer
}

// TaskExecutorEnqueuer is the subset of *queue.WorkerPool's collaborator the
// orchestrator needs for sync mode — running a task inline instead of
// enqueuing it. Only the IngredientWorker implementation is wired at
// runtime; this is a narrow interface so this package doesn't import
// pkg/queue for its own sake.
type TaskExecutorEnqueuer interface {
	Execute(ctx context.Context, task store.Task) error
}

// NewOrchestrator builds C4 over its collaborators.
func NewOrchestrator(st *store.Store, pub *events.Publisher, cfg config.DiagnosisConfig, executor TaskExecutorEnqueuer) *Orchestrator {
	return &Orchestrator{store: st, publisher: pub, cfg: cfg, executor: executor}
}

// Analyze runs §4.3's full orchestration, returning the persisted run.
func (o *Orchestrator) Analyze(ctx context.Context, req AnalyzeRequest) (domain.DiagnosisRun, error) {
	start, end := req.Start, req.End
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-defaultWindow)
	}
	minMeals := valueOr(req.MinMeals, o.cfg.MinMeals)
	minSymptoms := valueOr(req.MinSymptomOccurrences, o.cfg.MinSymptomOccurrences)

	// Step 1: sufficiency check.
	sufficiency, err := correlation.CheckSufficiency(ctx, o.store.DB(), req.UserID, start, end, minMeals, minSymptoms)
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("check sufficiency: %w", err)
	}

	run := domain.DiagnosisRun{
		UserID:           req.UserID,
		RunTimestamp:     time.Now(),
		MealsAnalyzed:    sufficiency.MealCount,
		SymptomsAnalyzed: sufficiency.SymptomCount,
		DateRangeStart:   start,
		DateRangeEnd:     end,
		SufficientData:   sufficiency.Sufficient,
		WebSearchEnabled: req.WebSearchEnabled,
	}

	if !sufficiency.Sufficient {
		return o.persistTerminal(ctx, run, 0)
	}

	// Step 2: temporal query + aggregation.
	tags, err := correlation.TagCorrelations(ctx, o.store.DB(), req.UserID, start, end, minSymptoms)
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("temporal correlations: %w", err)
	}
	if len(tags) == 0 {
		return o.persistTerminal(ctx, run, 0)
	}
	consumption, err := correlation.IngredientConsumptionCounts(ctx, o.store.DB(), req.UserID, start, end)
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("ingredient consumption: %w", err)
	}
	aggregated := correlation.Aggregate(tags, consumption)

	// Step 3: score, drop insufficient_data, sort desc.
	var candidates []candidate
	for _, agg := range aggregated {
		score := correlation.ScoreCorrelation(agg, minMeals, minSymptoms)
		if score.Level == domain.ConfidenceInsufficientData {
			continue
		}
		candidates = append(candidates, candidate{agg: agg, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score.Confidence > candidates[j].score.Confidence })

	if len(candidates) == 0 {
		return o.persistTerminal(ctx, run, 0)
	}

	// Step 4: prefilter against history.
	analysed, err := o.store.AlreadyAnalysedIngredientIDs(ctx, req.UserID)
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("prefilter history: %w", err)
	}
	filtered := candidates[:0]
	for _, c := range candidates {
		if !analysed[c.agg.IngredientID] {
			filtered = append(filtered, c)
		}
	}
	candidates = filtered
	if len(candidates) == 0 {
		return o.persistTerminal(ctx, run, 0)
	}

	// Step 5: persist run row as pending.
	run.Status = domain.RunStatusPending
	run.TotalIngredients = len(candidates)
	run, err = o.store.CreateRun(ctx, run)
	if err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("persist run: %w", err)
	}

	if !req.Async {
		return o.runSync(ctx, run, candidates)
	}

	// Step 6: async mode — enqueue one task per candidate, schedule finaliser backstop.
	if err := o.store.MarkRunStarted(ctx, run.ID); err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("mark run started: %w", err)
	}
	run.Status = domain.RunStatusProcessing

	for _, c := range candidates {
		payload := TaskPayload{
			IngredientName:     c.agg.IngredientName,
			State:              c.agg.State,
			TimesEaten:         c.agg.TimesEaten,
			SymptomOccurrences: c.agg.SymptomOccurrences,
			Immediate:          c.agg.Immediate,
			Delayed:            c.agg.Delayed,
			Cumulative:         c.agg.Cumulative,
			AssociatedSymptoms: c.agg.AssociatedSymptoms,
			ConfidenceScore:    c.score.Confidence,
			ConfidenceLevel:    c.score.Level,
			WebSearchEnabled:   req.WebSearchEnabled,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return domain.DiagnosisRun{}, fmt.Errorf("marshal task payload for ingredient %d: %w", c.agg.IngredientID, err)
		}
		if err := o.store.EnqueueTask(ctx, run.ID, c.agg.IngredientID, raw, maxAttemptsPerTask); err != nil {
			return domain.DiagnosisRun{}, fmt.Errorf("enqueue task for ingredient %d: %w", c.agg.IngredientID, err)
		}
	}

	o.scheduleFinalizer(run.ID, len(candidates))
	return run, nil
}

// runSync is the legacy inline path (§4.3 step 6, "sync mode"): every
// candidate's LLM work runs before Analyze returns, using the same
// TaskExecutor the async worker pool would dispatch to.
func (o *Orchestrator) runSync(ctx context.Context, run domain.DiagnosisRun, candidates []candidate) (domain.DiagnosisRun, error) {
	if err := o.store.MarkRunStarted(ctx, run.ID); err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("mark run started: %w", err)
	}

	for _, c := range candidates {
		payload := TaskPayload{
			IngredientName:     c.agg.IngredientName,
			State:              c.agg.State,
			TimesEaten:         c.agg.TimesEaten,
			SymptomOccurrences: c.agg.SymptomOccurrences,
			Immediate:          c.agg.Immediate,
			Delayed:            c.agg.Delayed,
			Cumulative:         c.agg.Cumulative,
			AssociatedSymptoms: c.agg.AssociatedSymptoms,
			ConfidenceScore:    c.score.Confidence,
			ConfidenceLevel:    c.score.Level,
			WebSearchEnabled:   run.WebSearchEnabled,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return domain.DiagnosisRun{}, fmt.Errorf("marshal task payload for ingredient %d: %w", c.agg.IngredientID, err)
		}
		task := store.Task{RunID: run.ID, IngredientID: c.agg.IngredientID, Payload: raw}
		if err := o.executor.Execute(ctx, task); err != nil {
			slog.Error("sync ingredient analysis failed", "run_id", run.ID, "ingredient_id", c.agg.IngredientID, "error", err)
		}
	}

	if _, err := o.store.CompleteIfOutstanding(ctx, run.ID); err != nil {
		return domain.DiagnosisRun{}, fmt.Errorf("finalize run %d: %w", run.ID, err)
	}
	return o.store.GetRun(ctx, run.ID)
}

// scheduleFinalizer starts the §4.3 step 6 backstop: a delayed
// CompleteIfOutstanding call proportional to the candidate count, a safety
// net for a worker that crashed after its final commit but before its own
// terminal check ran, and for a run whose permanently failed tasks never
// incremented the completed counter — the primary completion path is the
// per-worker atomic increment in the ingredient worker.
func (o *Orchestrator) scheduleFinalizer(runID int64, total int) {
	delay := 30 * time.Second * time.Duration(total)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		alreadyTerminal, err := o.store.CompleteIfOutstanding(ctx, runID)
		if err != nil {
			slog.Error("finaliser backstop failed", "run_id", runID, "error", err)
			return
		}
		if alreadyTerminal {
			return
		}
		slog.Warn("finaliser backstop forced run completion", "run_id", runID)
		total, err := o.store.CountResultsForRun(ctx, runID)
		if err != nil {
			slog.Error("finaliser backstop: count results", "run_id", runID, "error", err)
			return
		}
		if err := o.publisher.PublishComplete(ctx, runID, total); err != nil {
			slog.Error("finaliser backstop: publish complete", "run_id", runID, "error", err)
		}
	})
}

// persistTerminal persists a completed-with-no-work run — the insufficient
// data, no-correlations, no-candidates-met-threshold, and
// all-candidates-already-analysed branches of §4.3 all collapse to this
// same terminal shape. Only SufficientData separates insufficient data from
// the rest; the other three branches produce identical rows.
func (o *Orchestrator) persistTerminal(ctx context.Context, run domain.DiagnosisRun, total int) (domain.DiagnosisRun, error) {
	now := time.Now()
	run.Status = domain.RunStatusCompleted
	run.TotalIngredients = total
	run.CompletedIngredients = total
	run.StartedAt = &now
	run.CompletedAt = &now
	return o.store.CreateRun(ctx, run)
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
