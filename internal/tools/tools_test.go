package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruminate-ai/ruminate/internal/config"
	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
	"github.com/ruminate-ai/ruminate/internal/template"
)

// testConfig declares the flows the seed scenarios exercise.
const testConfig = `
server:
  default_flow: comprehensive_analysis
  database_path: ":memory:"

templates:
  decomposition:
    required_params: [topic, complexity]
    optional_params: [focus, domain_context]
    expected_output: json
    body: "Decompose {topic} at {complexity} complexity."
  evidence_collection:
    required_params: [topic, item]
    optional_params: [item_index, item_total]
    expected_output: json
    body: "Evidence for item {item_index}/{item_total} of {topic}: {item}"
  evaluation:
    required_params: [topic]
    body: "Evaluate the analysis of {topic}."
  generic:
    required_params: [topic]
    body: "Work on {topic}."
  comprehensive_summary:
    required_params: [topic]
    optional_params: [step_history, final_insights, average_quality]
    body: "Report on {topic}. History: {step_history} Insights: {final_insights} Quality: {average_quality}"
  analysis_quality:
    required_params: [step_name, step_result]
    optional_params: [quality_threshold, topic]
    body: "Judge quality of {step_name} (gate {quality_threshold}): {step_result}"
  analysis_format:
    required_params: [step_name, step_result]
    optional_params: [quality_threshold, topic]
    body: "Check format of {step_name}: {step_result}"
  fallback_generic:
    required_params: [template_name]
    optional_params: [step_name, topic]
    body: "Template {template_name} for step {step_name} is unavailable; continue on {topic}."

thinking_flows:
  comprehensive_analysis:
    name: Comprehensive Analysis
    steps:
      - name: decompose_problem
        template_name: decomposition
      - name: collect_evidence
        template_name: evidence_collection
        depends_on: [decompose_problem]
        for_each: decompose_problem.sub_questions
      - name: evaluate
        template_name: evaluation
        final: true

  gated:
    name: Gated
    steps:
      - name: step_a
        template_name: generic
        quality_threshold: 0.8
        retry_on_failure: true
      - name: step_b
        template_name: generic
        final: true

  conditional_flow:
    name: Conditional
    steps:
      - name: step_a
        template_name: generic
      - name: step_b
        template_name: generic
        conditional: "complexity == 'complex'"
      - name: step_c
        template_name: generic
        final: true
`

func testDeps(t *testing.T, sessionTimeout time.Duration) *Deps {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	provider, err := config.NewProvider(path, zerolog.Nop())
	require.NoError(t, err)
	snap := provider.Current()

	store, err := session.OpenStore(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if sessionTimeout == 0 {
		sessionTimeout = time.Hour
	}
	sessions, err := session.NewManager(store, session.ManagerConfig{
		MaxSessions:    snap.Server.MaxSessions,
		CacheSize:      snap.Server.SessionCacheSize,
		SessionTimeout: sessionTimeout,
	}, zerolog.Nop())
	require.NoError(t, err)

	templates, err := template.NewManager(snap.Templates, snap.Server.TemplateCacheSize)
	require.NoError(t, err)

	return &Deps{
		Config:    provider,
		Sessions:  sessions,
		Templates: templates,
		Engine:    flow.NewEngine(zerolog.Nop()),
		Log:       zerolog.Nop(),
	}
}

func callTool(t *testing.T, handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) string {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handle(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func asToolResult(t *testing.T, text string) ToolResult {
	t.Helper()
	var tr ToolResult
	require.NoError(t, json.Unmarshal([]byte(text), &tr), "not a ToolResult: %s", text)
	require.NotEmpty(t, tr.ToolName, "expected a success result, got: %s", text)
	return tr
}

func asEnvelope(t *testing.T, text string) ErrorEnvelope {
	t.Helper()
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal([]byte(text), &env))
	require.True(t, env.Error, "expected an error envelope, got: %s", text)
	return env
}

func startSession(t *testing.T, deps *Deps, flowType string, extra map[string]any) ToolResult {
	t.Helper()
	args := map[string]any{"topic": "How to improve team productivity?"}
	args["flow_type"] = flowType
	for k, v := range extra {
		args[k] = v
	}
	return asToolResult(t, callTool(t, NewStartThinkingTool(deps).Handle, args))
}

// --- Scenario 1: decomposition fan-out ---

func TestScenario_DecompositionFanOut(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", map[string]any{"complexity": "moderate"})
	require.Equal(t, "decompose_problem", start.Step)
	sid := start.SessionID

	// Feed the decomposition; expect the first fan-out iteration.
	res := asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": `{"sub_questions":[{"id":"1"},{"id":"2"},{"id":"3"}]}`,
	}))
	require.Equal(t, "collect_evidence", res.Step)
	assert.Equal(t, float64(1), res.Context["item_index"])
	assert.Equal(t, map[string]any{"id": "1"}, res.Context["item"])

	// Two more evidence results walk the remaining iterations.
	for i := 2; i <= 3; i++ {
		res = asToolResult(t, callTool(t, next.Handle, map[string]any{
			"session_id":  sid,
			"step_result": `{"findings":["f"]}`,
		}))
		require.Equal(t, "collect_evidence", res.Step)
		assert.Equal(t, float64(i), res.Context["item_index"])
	}

	// Final iteration result advances past the fan-out.
	res = asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": `{"findings":["f"]}`,
	}))
	require.Equal(t, "evaluate", res.Step)

	// Feeding the final step's result completes the flow.
	res = asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": "The evaluation stands.",
	}))
	require.Equal(t, flow.StepComplete, res.Step)

	// Close the session and verify the history.
	done := asToolResult(t, callTool(t, NewCompleteThinkingTool(deps).Handle, map[string]any{
		"session_id": sid,
	}))
	assert.Equal(t, flow.StepComplete, done.Step)
	assert.Equal(t, "completed", done.Context["session_status"])
	assert.Equal(t, float64(5), done.Context["completed_steps"])

	sess, err := deps.Sessions.Get(sid, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 5, sess.StepNumber)
	assert.Equal(t, 5, sess.CompletedCount())
	assert.Len(t, sess.StepResults["collect_evidence"], 3)
}

// --- Scenario 2: quality-gated retry ---

func TestScenario_QualityGatedRetry(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "gated", nil)
	sid := start.SessionID
	require.Equal(t, "step_a", start.Step)

	feedLow := func() ToolResult {
		return asToolResult(t, callTool(t, next.Handle, map[string]any{
			"session_id":       sid,
			"step_result":      "a weak attempt",
			"quality_feedback": map[string]any{"quality_score": 0.5},
		}))
	}

	res := feedLow()
	require.Equal(t, "step_a", res.Step)
	assert.Equal(t, float64(1), res.Metadata["retry_count"])
	assert.Equal(t, false, res.Metadata["quality_gate_passed"])

	res = feedLow()
	require.Equal(t, "step_a", res.Step)
	assert.Equal(t, float64(2), res.Metadata["retry_count"])

	// Third low score: retries exhausted, advance regardless.
	res = feedLow()
	require.Equal(t, "step_b", res.Step)

	// step_number counts one completed execution of step_a.
	sess, err := deps.Sessions.Get(sid, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.StepNumber)
	require.Len(t, sess.StepResults["step_a"], 1)
	assert.Equal(t, 2, sess.StepResults["step_a"][0].RetryCount)
}

func TestQualityGate_ExactThresholdPasses(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "gated", nil)
	res := asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":       start.SessionID,
		"step_result":      "exactly at the bar",
		"quality_feedback": map[string]any{"quality_score": 0.8},
	}))
	assert.Equal(t, "step_b", res.Step)
}

// --- Scenario 3: conditional skip ---

func TestScenario_ConditionalSkip(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "conditional_flow", map[string]any{"complexity": "simple"})
	sid := start.SessionID

	res := asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": "step a output",
	}))
	require.Equal(t, "step_c", res.Step)
	assert.Equal(t, []any{"step_b"}, res.Metadata["skipped_steps"])

	sess, err := deps.Sessions.Get(sid, false)
	require.NoError(t, err)
	assert.Equal(t, session.StepSkipped, sess.StepState("step_b"))
}

func TestScenario_ConditionalHolds(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "conditional_flow", map[string]any{"complexity": "complex"})
	res := asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  start.SessionID,
		"step_result": "step a output",
	}))
	assert.Equal(t, "step_b", res.Step)
}

// --- Scenario 4: for_each over an empty array ---

func TestScenario_ForEachEmptyArray(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	sid := start.SessionID

	res := asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": `{"sub_questions":[]}`,
	}))
	require.Equal(t, "evaluate", res.Step)

	sess, err := deps.Sessions.Get(sid, false)
	require.NoError(t, err)
	assert.Equal(t, session.StepSkipped, sess.StepState("collect_evidence"))
	assert.Equal(t, session.StatusActive, sess.Status)
}

// --- Scenario 5: malformed producer output ---

func TestScenario_ForEachMalformedOutput(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	sid := start.SessionID

	env := asEnvelope(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": "I could not produce JSON, here is prose instead.",
	}))
	assert.Equal(t, CodeForEachResolution, env.ErrorCode)
	assert.NotEmpty(t, env.RecoverySuggestions)

	// Session still active, cursor held on the producer, consumer failed.
	sess, err := deps.Sessions.Get(sid, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "decompose_problem", sess.Cursor.Step)
	assert.Equal(t, session.StepFailed, sess.StepState("collect_evidence"))

	// analyze_step still works on the held session.
	analysis := asToolResult(t, callTool(t, NewAnalyzeStepTool(deps).Handle, map[string]any{
		"session_id":    sid,
		"step_name":     "decompose_problem",
		"step_result":   "I could not produce JSON, here is prose instead.",
		"analysis_type": "format",
	}))
	assert.Equal(t, "analyze_decompose_problem", analysis.Step)

	// A corrected resubmission recovers the flow.
	res := asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": `{"sub_questions":[{"id":"1"}]}`,
	}))
	assert.Equal(t, "collect_evidence", res.Step)
}

// --- Scenario 6: session expiry ---

func TestScenario_SessionExpiry(t *testing.T) {
	deps := testDeps(t, time.Nanosecond)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	time.Sleep(time.Millisecond)

	env := asEnvelope(t, callTool(t, next.Handle, map[string]any{
		"session_id":  start.SessionID,
		"step_result": "too late",
	}))
	assert.Equal(t, CodeSessionExpired, env.ErrorCode)

	// A fresh session still starts fine.
	again := startSession(t, deps, "comprehensive_analysis", nil)
	assert.NotEmpty(t, again.SessionID)
	assert.NotEqual(t, start.SessionID, again.SessionID)
}

// --- Input validation and terminal behaviour ---

func TestStartThinking_Validation(t *testing.T) {
	deps := testDeps(t, 0)
	startTool := NewStartThinkingTool(deps)

	env := asEnvelope(t, callTool(t, startTool.Handle, map[string]any{"topic": ""}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)

	env = asEnvelope(t, callTool(t, startTool.Handle, map[string]any{
		"topic": "ok", "complexity": "extreme",
	}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)

	env = asEnvelope(t, callTool(t, startTool.Handle, map[string]any{
		"topic": "ok", "flow_type": "ghost",
	}))
	assert.Equal(t, CodeFlowNotFound, env.ErrorCode)

	// Exactly 1000 characters is accepted; 1001 is rejected.
	res := asToolResult(t, callTool(t, startTool.Handle, map[string]any{
		"topic": strings.Repeat("x", 1000),
	}))
	assert.NotEmpty(t, res.SessionID)

	env = asEnvelope(t, callTool(t, startTool.Handle, map[string]any{
		"topic": strings.Repeat("x", 1001),
	}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)
}

func TestNextStep_Validation(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	env := asEnvelope(t, callTool(t, next.Handle, map[string]any{"step_result": "x"}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)

	env = asEnvelope(t, callTool(t, next.Handle, map[string]any{
		"session_id": "s", "step_result": " ",
	}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)

	env = asEnvelope(t, callTool(t, next.Handle, map[string]any{
		"session_id": "unknown", "step_result": "x",
	}))
	assert.Equal(t, CodeSessionNotFound, env.ErrorCode)

	start := startSession(t, deps, "gated", nil)
	env = asEnvelope(t, callTool(t, next.Handle, map[string]any{
		"session_id":       start.SessionID,
		"step_result":      "x",
		"quality_feedback": map[string]any{"quality_score": 1.5},
	}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)
}

func TestTerminalSessionRejectsMutation(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)
	complete := NewCompleteThinkingTool(deps)

	start := startSession(t, deps, "gated", nil)
	sid := start.SessionID

	asToolResult(t, callTool(t, complete.Handle, map[string]any{"session_id": sid}))

	env := asEnvelope(t, callTool(t, next.Handle, map[string]any{
		"session_id": sid, "step_result": "more work",
	}))
	assert.Equal(t, CodeSessionTerminal, env.ErrorCode)

	env = asEnvelope(t, callTool(t, complete.Handle, map[string]any{"session_id": sid}))
	assert.Equal(t, CodeSessionTerminal, env.ErrorCode)
}

// --- Round-trip law: start then complete with no next_step ---

func TestStartThenCompleteImmediately(t *testing.T) {
	deps := testDeps(t, 0)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	done := asToolResult(t, callTool(t, NewCompleteThinkingTool(deps).Handle, map[string]any{
		"session_id":     start.SessionID,
		"final_insights": "stopped early",
	}))
	assert.Equal(t, flow.StepComplete, done.Step)

	sess, err := deps.Sessions.Get(start.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	require.Len(t, sess.StepResults, 1)
	require.Len(t, sess.StepResults["decompose_problem"], 1)
	assert.Equal(t, session.StepPending, sess.StepResults["decompose_problem"][0].Status)
	assert.Equal(t, "stopped early", sess.Context["final_insights"])
}

// --- analyze_step idempotence ---

func TestAnalyzeStep_Idempotent(t *testing.T) {
	deps := testDeps(t, 0)
	analyze := NewAnalyzeStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	args := map[string]any{
		"session_id":    start.SessionID,
		"step_name":     "decompose_problem",
		"step_result":   `{"sub_questions":[]}`,
		"analysis_type": "quality",
	}

	first := callTool(t, analyze.Handle, args)
	before, err := deps.Sessions.Get(start.SessionID, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, first, callTool(t, analyze.Handle, args))
	}

	after, err := deps.Sessions.Get(start.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.StepNumber, after.StepNumber)
	assert.Len(t, after.StepResults, len(before.StepResults))
}

func TestAnalyzeStep_Validation(t *testing.T) {
	deps := testDeps(t, 0)
	analyze := NewAnalyzeStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)

	env := asEnvelope(t, callTool(t, analyze.Handle, map[string]any{
		"session_id":    start.SessionID,
		"step_name":     "decompose_problem",
		"step_result":   "x",
		"analysis_type": "vibes",
	}))
	assert.Equal(t, CodeValidationError, env.ErrorCode)

	env = asEnvelope(t, callTool(t, analyze.Handle, map[string]any{
		"session_id":  start.SessionID,
		"step_name":   "ghost_step",
		"step_result": "x",
	}))
	assert.Equal(t, CodeStepNotFound, env.ErrorCode)
}

// --- complete_thinking mid fan-out is refused ---

func TestCompleteThinking_BlockedMidFanOut(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)
	complete := NewCompleteThinkingTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	sid := start.SessionID

	asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": `{"sub_questions":[{"id":"1"},{"id":"2"},{"id":"3"}]}`,
	}))
	// One of three iterations done.
	asToolResult(t, callTool(t, next.Handle, map[string]any{
		"session_id":  sid,
		"step_result": `{"findings":[]}`,
	}))

	res := asToolResult(t, callTool(t, complete.Handle, map[string]any{"session_id": sid}))
	assert.Equal(t, "collect_evidence", res.Step)
	assert.Equal(t, true, res.Context["completion_blocked"])

	sess, err := deps.Sessions.Get(sid, false)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
}

// --- invariant: step_number matches completed entries after every call ---

func TestInvariant_StepNumberTracksCompleted(t *testing.T) {
	deps := testDeps(t, 0)
	next := NewNextStepTool(deps)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	sid := start.SessionID

	check := func() {
		sess, err := deps.Sessions.Get(sid, false)
		require.NoError(t, err)
		assert.Equal(t, sess.CompletedCount(), sess.StepNumber)
	}

	check()
	callTool(t, next.Handle, map[string]any{
		"session_id": sid, "step_result": `{"sub_questions":[{"id":"1"},{"id":"2"}]}`,
	})
	check()
	callTool(t, next.Handle, map[string]any{
		"session_id": sid, "step_result": `{"findings":[]}`,
	})
	check()
	callTool(t, next.Handle, map[string]any{
		"session_id": sid, "step_result": `{"findings":[]}`,
	})
	check()
	callTool(t, next.Handle, map[string]any{
		"session_id": sid, "step_result": "evaluation text",
	})
	check()
}

// --- fallback template on missing step template ---

func TestMissingTemplateFallsBack(t *testing.T) {
	deps := testDeps(t, 0)

	// Swap in a template index without the decomposition template; the
	// start tool must degrade to the fallback rather than fail.
	snap := deps.Config.Current()
	reduced := map[string]template.Template{}
	for name, tmpl := range snap.Templates {
		if name != "decomposition" {
			reduced[name] = tmpl
		}
	}
	deps.Templates.Swap(reduced)

	start := startSession(t, deps, "comprehensive_analysis", nil)
	assert.Equal(t, "decompose_problem", start.Step)
	assert.Contains(t, start.PromptTemplate, "decomposition")
	assert.Equal(t, true, start.Metadata["template_fallback"])
}
