package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dietary/diagnosis-pipeline/pkg/config"
	"github.com/dietary/diagnosis-pipeline/pkg/correlation"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/events"
	"github.com/dietary/diagnosis-pipeline/pkg/llmoracle"
	"github.com/dietary/diagnosis-pipeline/pkg/store"
)

const (
	serviceTypeIngredient = "diagnosis_ingredient"
	requestTypeRun        = "diagnosis_run"

	// maxMealHistoryForContext bounds how many recent meals are sent to the
	// oracle in the plain-English adaptation call, from which it draws
	// alternative-meal suggestions.
	maxMealHistoryForContext = 20
)

const researchSystemPrompt = `You are a medical research assistant supporting a dietary symptom diagnosis tool.
Given statistics about how often a user ate an ingredient and how often symptoms followed, produce a technical,
citation-backed assessment of whether the ingredient is plausibly a gastrointestinal symptom trigger. Do not write
for the end user yet; this is internal research only.`

const classifyRootCauseSystemPrompt = `You are judging whether a statistically correlated ingredient is a true
symptom trigger or a confounder riding alongside a more plausible co-occurring ingredient. Use the co-occurrence
statistics provided: a partner ingredient eaten in nearly every meal containing the candidate, with a higher or
equal symptom correlation, is reason to discard the candidate as confounded.`

const adaptToPlainEnglishSystemPrompt = `You are writing a user-facing diagnosis summary for someone tracking their
own gastrointestinal symptoms. Translate the medical research into plain, empathetic, actionable language: what was
found, what to do about it, and what alternative meals or preparations might help. Reference specific past meals
from the history provided when suggesting alternatives.`

// IngredientWorker is C5: it implements queue.TaskExecutor, running the
// three-stage oracle pipeline (research, classify, adapt) for one
// (run, ingredient) task and persisting whichever of DiagnosisResult or
// DiscountedIngredient the classification settles on.
type IngredientWorker struct {
	store     *store.Store
	oracle    *llmoracle.Oracle
	publisher *events.Publisher
	usage     *UsageAccountant
	llm       config.LLMConfig
}

// NewIngredientWorker builds C5 over its collaborators.
func NewIngredientWorker(st *store.Store, oracle *llmoracle.Oracle, pub *events.Publisher, usage *UsageAccountant, llm config.LLMConfig) *IngredientWorker {
	return &IngredientWorker{store: st, oracle: oracle, publisher: pub, usage: usage, llm: llm}
}

// Execute implements queue.TaskExecutor. It is safe to call more than once
// for the same task: a result or discounted row already present for
// (run, ingredient) short-circuits immediately (§4.4's idempotency rule).
func (w *IngredientWorker) Execute(ctx context.Context, task store.Task) error {
	exists, err := w.store.ResultExists(ctx, task.RunID, task.IngredientID)
	if err != nil {
		return fmt.Errorf("check existing result: %w", err)
	}
	if !exists {
		err = w.store.DB().QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM discounted_ingredients WHERE run_id = $1 AND ingredient_id = $2)`,
			task.RunID, task.IngredientID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check existing discounted row: %w", err)
		}
	}
	if exists {
		return nil
	}

	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal task payload: %w", err)
	}

	run, err := w.store.GetRun(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", task.RunID, err)
	}
	requestID := strconv.FormatInt(task.RunID, 10)

	research, err := w.research(ctx, run, payload)
	if err != nil {
		return w.fail(ctx, run, payload, requestID, err)
	}

	classification, partner, err := w.classifyRootCause(ctx, run, task.IngredientID, payload, research)
	if err != nil {
		return w.fail(ctx, run, payload, requestID, err)
	}

	if !classification.RootCause {
		return w.persistDiscounted(ctx, run, task.IngredientID, payload, classification, partner)
	}

	result, err := w.adaptToPlainEnglish(ctx, run, task.IngredientID, payload, research)
	if err != nil {
		return w.fail(ctx, run, payload, requestID, err)
	}
	return w.persistResult(ctx, run, result)
}

// research is §4.5 step 1: a citation-backed technical assessment, with no
// user-facing framing yet.
func (w *IngredientWorker) research(ctx context.Context, run domain.DiagnosisRun, payload TaskPayload) (llmoracle.ResearchIngredientResult, error) {
	messages := []llmoracle.Message{{Role: "user", Content: researchPrompt(payload)}}
	result, raw, usage, err := llmoracle.Call[llmoracle.ResearchIngredientResult](ctx, w.oracle, messages, llmoracle.CallOptions{
		Model:            w.llm.Model,
		SystemPrompt:     researchSystemPrompt,
		MaxTokens:        2048,
		WebSearchEnabled: payload.WebSearchEnabled,
	})
	w.recordUsage(ctx, run, "research_ingredient", payload.WebSearchEnabled, usage, err)
	_ = raw
	return result, err
}

// classifyRootCause is §4.5 step 2: judges whether the ingredient is a true
// trigger or a confounder, using co-occurrence context computed fresh
// against the run's date range.
func (w *IngredientWorker) classifyRootCause(ctx context.Context, run domain.DiagnosisRun, ingredientID int64, payload TaskPayload, research llmoracle.ResearchIngredientResult) (llmoracle.ClassifyRootCauseResult, *correlation.Partner, error) {
	pairs, err := correlation.ComputePairs(ctx, w.store.DB(), run.UserID, run.DateRangeStart, run.DateRangeEnd)
	if err != nil {
		return llmoracle.ClassifyRootCauseResult{}, nil, fmt.Errorf("compute co-occurrence pairs: %w", err)
	}
	partners := correlation.PartnersFor(pairs, ingredientID)

	var topPartner *correlation.Partner
	if len(partners) > 0 {
		topPartner = &partners[0]
	}

	messages := []llmoracle.Message{{Role: "user", Content: classifyRootCausePrompt(payload, research, partners)}}
	result, raw, usage, err := llmoracle.Call[llmoracle.ClassifyRootCauseResult](ctx, w.oracle, messages, llmoracle.CallOptions{
		Model:        w.llm.Model,
		SystemPrompt: classifyRootCauseSystemPrompt,
		MaxTokens:    1024,
	})
	w.recordUsage(ctx, run, "classify_root_cause", payload.WebSearchEnabled, usage, err)
	_ = raw
	if err != nil {
		return llmoracle.ClassifyRootCauseResult{}, nil, err
	}

	if result.ConfoundedBy == nil {
		return result, nil, nil
	}
	for _, p := range partners {
		if strings.EqualFold(p.PartnerName, *result.ConfoundedBy) {
			partner := p
			return result, &partner, nil
		}
	}
	return result, topPartner, nil
}

// adaptToPlainEnglish is §4.5 step 3: translates the research into a
// user-facing summary, recommendations, and alternative meal picks, using
// the user's recent meal history as grounding for the alternatives.
func (w *IngredientWorker) adaptToPlainEnglish(ctx context.Context, run domain.DiagnosisRun, ingredientID int64, payload TaskPayload, research llmoracle.ResearchIngredientResult) (domain.DiagnosisResult, error) {
	history, err := w.store.ListRecentMeals(ctx, run.UserID, maxMealHistoryForContext)
	if err != nil {
		return domain.DiagnosisResult{}, fmt.Errorf("load meal history: %w", err)
	}

	messages := []llmoracle.Message{{Role: "user", Content: adaptToPlainEnglishPrompt(payload, research, history)}}
	adapted, raw, usage, err := llmoracle.Call[llmoracle.AdaptToPlainEnglishResult](ctx, w.oracle, messages, llmoracle.CallOptions{
		Model:        w.llm.Model,
		SystemPrompt: adaptToPlainEnglishSystemPrompt,
		MaxTokens:    2048,
	})
	w.recordUsage(ctx, run, "adapt_to_plain_english", false, usage, err)
	if err != nil {
		return domain.DiagnosisResult{}, err
	}

	result := domain.DiagnosisResult{
		RunID:                   run.ID,
		IngredientID:            ingredientID,
		IngredientName:          payload.IngredientName,
		ConfidenceScore:         payload.ConfidenceScore,
		ConfidenceLevel:         payload.ConfidenceLevel,
		ImmediateCorrelation:    payload.Immediate,
		DelayedCorrelation:      payload.Delayed,
		CumulativeCorrelation:   payload.Cumulative,
		TimesEaten:              payload.TimesEaten,
		TimesFollowedBySymptoms: payload.SymptomOccurrences,
		AssociatedSymptoms:      payload.AssociatedSymptoms,
		DiagnosisSummary:        adapted.DiagnosisSummary,
		RecommendationsSummary:  adapted.RecommendationsSummary,
		RawLLMText:              raw,
	}
	if adapted.ProcessingSuggestions != nil {
		result.ProcessingSuggestions = &domain.ProcessingSuggestions{
			Alternatives: adapted.ProcessingSuggestions.Alternatives,
		}
		if adapted.ProcessingSuggestions.CookedVsRaw != nil {
			result.ProcessingSuggestions.CookedVsRaw = *adapted.ProcessingSuggestions.CookedVsRaw
		}
	}
	for _, m := range adapted.AlternativeMeals {
		result.AlternativeMeals = append(result.AlternativeMeals, domain.AlternativeMeal{MealID: m.MealID, Name: m.Name, Reason: m.Reason})
	}
	citations := research.Citations
	if len(adapted.Citations) > 0 {
		citations = adapted.Citations
	}
	for _, c := range citations {
		result.Citations = append(result.Citations, domain.Citation{URL: c.URL, Title: c.Title, SourceType: c.SourceType, Snippet: c.Snippet, RelevanceScore: c.Relevance})
	}
	return result, nil
}

func (w *IngredientWorker) persistDiscounted(ctx context.Context, run domain.DiagnosisRun, ingredientID int64, payload TaskPayload, classification llmoracle.ClassifyRootCauseResult, partner *correlation.Partner) error {
	discounted := domain.DiscountedIngredient{
		RunID:                   run.ID,
		IngredientID:            ingredientID,
		IngredientName:          payload.IngredientName,
		DiscardJustification:    valueOfPtr(classification.DiscardJustification),
		OriginalConfidenceScore: payload.ConfidenceScore,
		OriginalConfidenceLevel: payload.ConfidenceLevel,
		TimesEaten:              payload.TimesEaten,
		TimesFollowedBySymptoms: payload.SymptomOccurrences,
		ImmediateCorrelation:    payload.Immediate,
		DelayedCorrelation:      payload.Delayed,
		CumulativeCorrelation:   payload.Cumulative,
		AssociatedSymptoms:      payload.AssociatedSymptoms,
		MedicalGroundingSummary: classification.MedicalReasoning,
	}
	if partner != nil {
		partnerID := partner.PartnerID
		discounted.ConfoundedByIngredientID = &partnerID
		discounted.ConfoundedByIngredientName = partner.PartnerName
		discounted.ConditionalProbability = partner.Conditional
		discounted.ReverseProbability = partner.Reverse
		discounted.Lift = partner.Lift
		discounted.CooccurrenceMealsCount = partner.MealsBoth
	}

	persisted, err := w.store.CreateDiscountedIngredient(ctx, discounted)
	if err != nil {
		return fmt.Errorf("persist discounted ingredient: %w", err)
	}
	if err := w.publisher.PublishDiscounted(ctx, run.ID, persisted); err != nil {
		slog.Warn("publish discounted event failed", "run_id", run.ID, "error", err)
	}
	return w.finishProgress(ctx, run, payload.IngredientName)
}

func (w *IngredientWorker) persistResult(ctx context.Context, run domain.DiagnosisRun, result domain.DiagnosisResult) error {
	persisted, err := w.store.CreateResult(ctx, result)
	if err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	if err := w.publisher.PublishResult(ctx, run.ID, persisted); err != nil {
		slog.Warn("publish result event failed", "run_id", run.ID, "error", err)
	}
	return w.finishProgress(ctx, run, persisted.IngredientName)
}

// finishProgress is §4.5 steps 6-7: the atomic completed-count increment,
// the progress event, and — the primary completion path, with the
// orchestrator's delayed CompleteIfOutstanding call purely as a backstop —
// the complete event when this update brings completed to total.
func (w *IngredientWorker) finishProgress(ctx context.Context, run domain.DiagnosisRun, ingredientName string) error {
	completed, total, justCompleted, err := w.store.IncrementCompletedAndMaybeComplete(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("increment run progress: %w", err)
	}
	if err := w.publisher.PublishProgress(ctx, run.ID, events.ProgressPayload{Completed: completed, Total: total, Ingredient: ingredientName}); err != nil {
		slog.Warn("publish progress event failed", "run_id", run.ID, "error", err)
	}
	if justCompleted {
		totalResults, err := w.store.CountResultsForRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("count results for completed run: %w", err)
		}
		if err := w.publisher.PublishComplete(ctx, run.ID, totalResults); err != nil {
			slog.Warn("publish complete event failed", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// fail is §4.5 step 5: log a failed usage row, publish an error event, and
// re-raise so the queue applies its retry/backoff policy.
func (w *IngredientWorker) fail(ctx context.Context, run domain.DiagnosisRun, payload TaskPayload, requestID string, cause error) error {
	if err := w.usage.Record(ctx, run.UserID, serviceTypeIngredient, w.llm.Model, llmoracle.Usage{}, requestID, requestTypeRun, payload.WebSearchEnabled, false, cause.Error()); err != nil {
		slog.Warn("record failed usage log failed", "run_id", run.ID, "error", err)
	}
	if err := w.publisher.PublishError(ctx, run.ID, fmt.Sprintf("Failed to analyse %s: %s", payload.IngredientName, cause)); err != nil {
		slog.Warn("publish error event failed", "run_id", run.ID, "error", err)
	}
	return cause
}

func (w *IngredientWorker) recordUsage(ctx context.Context, run domain.DiagnosisRun, requestType string, webSearchEnabled bool, usage llmoracle.Usage, callErr error) {
	if callErr != nil {
		return
	}
	requestID := strconv.FormatInt(run.ID, 10)
	if err := w.usage.Record(ctx, run.UserID, serviceTypeIngredient, w.llm.Model, usage, requestID, requestType, webSearchEnabled, true, ""); err != nil {
		slog.Warn("record usage failed", "run_id", run.ID, "error", err)
	}
}

func valueOfPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func researchPrompt(payload TaskPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ingredient: %s (prepared %s)\n", payload.IngredientName, payload.State)
	fmt.Fprintf(&sb, "Eaten %d times; symptoms followed %d of those times.\n", payload.TimesEaten, payload.SymptomOccurrences)
	fmt.Fprintf(&sb, "Timing breakdown: %d immediate, %d delayed, %d cumulative-window occurrences.\n", payload.Immediate, payload.Delayed, payload.Cumulative)
	fmt.Fprintf(&sb, "Statistical confidence: %.2f (%s).\n", payload.ConfidenceScore, payload.ConfidenceLevel)
	if len(payload.AssociatedSymptoms) > 0 {
		sb.WriteString("Associated symptoms:\n")
		for _, s := range payload.AssociatedSymptoms {
			fmt.Fprintf(&sb, "- %s: avg severity %.1f, seen %d times, avg lag %.1fh\n", s.Name, s.SeverityAvg, s.Frequency, s.AvgLagHours)
		}
	}
	sb.WriteString("\nProduce a medical assessment, trigger categories, risk level, and citations.")
	return sb.String()
}

func classifyRootCausePrompt(payload TaskPayload, research llmoracle.ResearchIngredientResult, partners []correlation.Partner) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Candidate ingredient: %s, risk level %s.\n", payload.IngredientName, research.RiskLevel)
	sb.WriteString("Medical assessment:\n")
	sb.WriteString(research.MedicalAssessment)
	sb.WriteString("\n\nCo-occurring ingredients in the same meals:\n")
	if len(partners) == 0 {
		sb.WriteString("(none meeting the co-occurrence threshold)\n")
	}
	for _, p := range partners {
		fmt.Fprintf(&sb, "- %s: P(partner|candidate)=%.2f, P(candidate|partner)=%.2f, lift=%.2f, shared meals=%d, high-cooccurrence=%t\n",
			p.PartnerName, p.Conditional, p.Reverse, p.Lift, p.MealsBoth, p.HighCooccurrence)
	}
	sb.WriteString("\nIs this candidate itself the root cause, or is it riding alongside a more plausible partner? Respond with root_cause, and if false, confounded_by and discard_justification.")
	return sb.String()
}

func adaptToPlainEnglishPrompt(payload TaskPayload, research llmoracle.ResearchIngredientResult, history []store.MealWithIngredients) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a user-facing diagnosis for %s based on this research:\n%s\n\n", payload.IngredientName, research.MedicalAssessment)
	sb.WriteString("Recent meals, for alternative-meal suggestions:\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "- meal %d: %s (%s)\n", m.Meal.ID, m.Meal.Name, m.Meal.OccurredAt.Format("2006-01-02"))
	}
	sb.WriteString("\nProduce diagnosis_summary, recommendations_summary, optional processing_suggestions, and alternative_meals drawn from the list above.")
	return sb.String()
}
