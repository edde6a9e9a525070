package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dietary/diagnosis-pipeline/pkg/correlation"
	"github.com/dietary/diagnosis-pipeline/pkg/diagnosis"
	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/events"
)

const defaultUsageSummaryWindowDays = 30

// analyzeHandler handles POST /api/v1/diagnosis/analyze.
func (s *Server) analyzeHandler(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
		if c.Request.ContentLength != 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("malformed request body: %s", err)})
			return
		}
	}

	analyzeReq := diagnosis.AnalyzeRequest{
		UserID:                userID,
		MinMeals:              req.MinMeals,
		MinSymptomOccurrences: req.MinSymptomOccurrences,
		WebSearchEnabled:      true,
		Async:                 true,
	}
	if req.DateRangeStart != nil {
		analyzeReq.Start = *req.DateRangeStart
	}
	if req.DateRangeEnd != nil {
		analyzeReq.End = *req.DateRangeEnd
	}
	if req.WebSearchEnabled != nil {
		analyzeReq.WebSearchEnabled = *req.WebSearchEnabled
	}
	if req.AsyncMode != nil {
		analyzeReq.Async = *req.AsyncMode
	}

	run, err := s.orchestrator.Analyze(c.Request.Context(), analyzeReq)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AnalyzeResponse{
		RunID:            run.ID,
		Status:           run.Status,
		SufficientData:   run.SufficientData,
		MealsAnalyzed:    run.MealsAnalyzed,
		SymptomsAnalyzed: run.SymptomsAnalyzed,
		TotalIngredients: run.TotalIngredients,
		Message:          analyzeMessage(run),
	})
}

// analyzeMessage builds the user-facing completion message for the
// terminal-with-no-work branches of §4.3. Insufficient data gets its own
// message; no correlations found, nothing met threshold, and everything
// already analysed under a prior run all persist the same row shape
// (sufficient data, total 0) and share one combined message.
func analyzeMessage(run domain.DiagnosisRun) string {
	switch {
	case !run.SufficientData:
		return fmt.Sprintf("Not enough data yet: %d meals and %d symptom reports logged so far.", run.MealsAnalyzed, run.SymptomsAnalyzed)
	case run.Status == domain.RunStatusCompleted && run.TotalIngredients == 0:
		return "No new ingredients met the correlation threshold, or every candidate was already analysed in a previous run."
	case run.Status == domain.RunStatusProcessing:
		return "Analysis started; subscribe to the stream endpoint for progress."
	default:
		return "Analysis complete."
	}
}

// loadOwnedRun fetches runID and verifies userID owns it, writing the
// appropriate 404/403 response and returning ok=false on failure.
func (s *Server) loadOwnedRun(c *gin.Context, runIDParam string, userID uuid.UUID) (domain.DiagnosisRun, bool) {
	runID, err := strconv.ParseInt(runIDParam, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed run id"})
		return domain.DiagnosisRun{}, false
	}
	run, err := s.store.GetRun(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return domain.DiagnosisRun{}, false
	}
	if run.UserID != userID {
		c.JSON(http.StatusForbidden, errorResponse{Error: "not authorised for this resource"})
		return domain.DiagnosisRun{}, false
	}
	return run, true
}

// statusHandler handles GET /api/v1/diagnosis/status/:run_id (§4.7).
func (s *Server) statusHandler(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	run, ok := s.loadOwnedRun(c, c.Param("run_id"), userID)
	if !ok {
		return
	}
	resultsCount, err := s.store.CountResultsForRun(c.Request.Context(), run.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		ID:           run.ID,
		Status:       run.Status,
		Total:        run.TotalIngredients,
		Completed:    run.CompletedIngredients,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		ErrorMessage: run.ErrorMessage,
		ResultsCount: resultsCount,
	})
}

// streamHandler handles GET /api/v1/diagnosis/stream/:run_id: the §4.6 SSE
// contract — authorise, snapshot, subscribe, forward verbatim, stop on
// complete/error or disconnect, always tear down the subscription.
func (s *Server) streamHandler(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	run, ok := s.loadOwnedRun(c, c.Param("run_id"), userID)
	if !ok {
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	if isTerminal(run.Status) {
		env := terminalEnvelope(run)
		if run.Status == domain.RunStatusCompleted {
			if n, err := s.store.CountResultsForRun(c.Request.Context(), run.ID); err == nil {
				env.Data = events.CompletePayload{RunID: run.ID, TotalResults: n}
			}
		}
		writeSSEEnvelope(c.Writer, env)
		flusher.Flush()
		return
	}

	writeSSEEnvelope(c.Writer, events.Envelope{Event: events.EventTypeProgress, Data: events.ProgressPayload{
		Completed: run.CompletedIngredients, Total: run.TotalIngredients,
	}})
	flusher.Flush()

	ctx := c.Request.Context()
	sub, unsubscribe, err := s.hub.Subscribe(ctx, events.RunChannel(run.ID))
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, open := <-sub:
			if !open {
				return
			}
			if _, err := c.Writer.Write(sseFrame(frame)); err != nil {
				return
			}
			flusher.Flush()
			if frameIsTerminal(frame) {
				return
			}
		}
	}
}

func isTerminal(status domain.RunStatus) bool {
	return status == domain.RunStatusCompleted || status == domain.RunStatusFailed
}

func terminalEnvelope(run domain.DiagnosisRun) events.Envelope {
	if run.Status == domain.RunStatusFailed {
		return events.Envelope{Event: events.EventTypeError, Data: events.ErrorPayload{Message: run.ErrorMessage}}
	}
	return events.Envelope{Event: events.EventTypeComplete, Data: events.CompletePayload{RunID: run.ID, TotalResults: run.CompletedIngredients}}
}

func writeSSEEnvelope(w gin.ResponseWriter, env events.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	w.Write(sseFrame(payload))
}

// sseFrame wraps a JSON envelope as one SSE frame: an event: line naming
// the envelope's type (omitted when the payload carries none), then the
// data: line and the terminating blank line.
func sseFrame(payload []byte) []byte {
	var out []byte
	var env struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(payload, &env) == nil && env.Event != "" {
		out = append(out, "event: "+env.Event+"\n"...)
	}
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

// frameIsTerminal reports whether a raw broker payload is a complete/error
// envelope, the stop condition in §4.6's contract.
func frameIsTerminal(payload []byte) bool {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	return env.Event == events.EventTypeComplete || env.Event == events.EventTypeError
}

// usageSummaryHandler handles GET /api/v1/diagnosis/usage-summary.
func (s *Server) usageSummaryHandler(c *gin.Context) {
	if _, ok := callerID(c); !ok {
		return
	}
	windowDays := defaultUsageSummaryWindowDays
	if raw := c.Query("window_days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "window_days must be a positive integer"})
			return
		}
		windowDays = parsed
	}
	rows, err := s.store.UsageSummary(c.Request.Context(), windowDays)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, UsageSummaryResponse{WindowDays: windowDays, Rows: rows})
}

// clustersHandler handles GET /api/v1/diagnosis/clusters.
func (s *Server) clustersHandler(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	end := time.Now()
	start := end.Add(-90 * 24 * time.Hour)
	if raw := c.Query("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed start"})
			return
		}
		start = parsed
	}
	if raw := c.Query("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed end"})
			return
		}
		end = parsed
	}

	clusters, err := correlation.SymptomClusters(c.Request.Context(), s.store.DB(), userID, start, end, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]ClusterView, 0, len(clusters))
	for _, cl := range clusters {
		views = append(views, ClusterView{Start: cl.Start, End: cl.End, Tags: cl.Tags, PeakSeverity: cl.PeakSeverity, EpisodeCount: cl.EpisodeCount})
	}
	c.JSON(http.StatusOK, ClustersResponse{Clusters: views})
}

// resetHandler handles POST /api/v1/diagnosis/reset: deletes all runs for
// the caller (cascades to results, discounted ingredients, tasks).
func (s *Server) resetHandler(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteRunsForUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ResetResponse{Message: "all runs deleted"})
}

// deleteResultHandler handles DELETE /api/v1/diagnosis/results/:result_id.
func (s *Server) deleteResultHandler(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	resultID, err := strconv.ParseInt(c.Param("result_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed result id"})
		return
	}
	result, err := s.store.GetResult(c.Request.Context(), resultID)
	if err != nil {
		respondError(c, err)
		return
	}
	run, err := s.store.GetRun(c.Request.Context(), result.RunID)
	if err != nil {
		respondError(c, err)
		return
	}
	if run.UserID != userID {
		c.JSON(http.StatusForbidden, errorResponse{Error: "not authorised for this resource"})
		return
	}
	if err := s.store.DeleteResult(c.Request.Context(), resultID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
