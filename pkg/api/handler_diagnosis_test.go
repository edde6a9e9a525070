package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dietary/diagnosis-pipeline/pkg/domain"
	"github.com/dietary/diagnosis-pipeline/pkg/events"
)

func TestAnalyzeMessage_InsufficientData(t *testing.T) {
	run := domain.DiagnosisRun{SufficientData: false, MealsAnalyzed: 2, SymptomsAnalyzed: 1}
	assert.Contains(t, analyzeMessage(run), "Not enough data")
}

func TestAnalyzeMessage_NoCandidates(t *testing.T) {
	run := domain.DiagnosisRun{SufficientData: true, Status: domain.RunStatusCompleted, TotalIngredients: 0}
	assert.Contains(t, analyzeMessage(run), "No new ingredients")
}

func TestAnalyzeMessage_Processing(t *testing.T) {
	run := domain.DiagnosisRun{SufficientData: true, Status: domain.RunStatusProcessing, TotalIngredients: 3}
	assert.Contains(t, analyzeMessage(run), "subscribe to the stream")
}

func TestAnalyzeMessage_Completed(t *testing.T) {
	run := domain.DiagnosisRun{SufficientData: true, Status: domain.RunStatusCompleted, TotalIngredients: 3}
	assert.Equal(t, "Analysis complete.", analyzeMessage(run))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(domain.RunStatusCompleted))
	assert.True(t, isTerminal(domain.RunStatusFailed))
	assert.False(t, isTerminal(domain.RunStatusProcessing))
	assert.False(t, isTerminal(domain.RunStatusPending))
}

func TestSSEFrame_WrapsWithDataPrefixAndBlankLine(t *testing.T) {
	got := sseFrame([]byte(`{"event":"progress"}`))
	assert.Equal(t, "event: progress\ndata: {\"event\":\"progress\"}\n\n", string(got))
}

func TestFrameIsTerminal(t *testing.T) {
	assert.True(t, frameIsTerminal([]byte(`{"event":"complete"}`)))
	assert.True(t, frameIsTerminal([]byte(`{"event":"error"}`)))
	assert.False(t, frameIsTerminal([]byte(`{"event":"progress"}`)))
	assert.False(t, frameIsTerminal([]byte(`not json`)))
}

func TestTerminalEnvelope_FailedRun(t *testing.T) {
	run := domain.DiagnosisRun{Status: domain.RunStatusFailed, ErrorMessage: "boom"}
	env := terminalEnvelope(run)
	assert.Equal(t, events.EventTypeError, env.Event)
}

func TestTerminalEnvelope_CompletedRun(t *testing.T) {
	run := domain.DiagnosisRun{Status: domain.RunStatusCompleted, ID: 7, CompletedIngredients: 4}
	env := terminalEnvelope(run)
	assert.Equal(t, events.EventTypeComplete, env.Event)
}
