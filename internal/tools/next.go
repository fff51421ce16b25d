package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
)

// errStepVanished reports a session cursor pointing at a step the loaded
// flow no longer defines (config changed underneath a running session).
var errStepVanished = errors.New("session cursor step is not defined in the loaded flow")

// NextStepTool handles the next_step MCP tool. It is the workhorse of the
// engine: it records the host's result for the current step, applies the
// quality gate, advances the cursor, and returns the next prompt.
type NextStepTool struct {
	deps *Deps
}

// NewNextStepTool creates a NextStepTool.
func NewNextStepTool(deps *Deps) *NextStepTool {
	return &NextStepTool{deps: deps}
}

// Definition returns the MCP tool definition for registration.
func (t *NextStepTool) Definition() mcp.Tool {
	return mcp.NewTool("next_step",
		mcp.WithDescription(
			"Submit the result of the current step and receive the next step's "+
				"prompt. Optionally include quality_feedback with a quality_score "+
				"in [0,1]; on steps that allow retries, scores below the step's "+
				"threshold trigger a bounded retry of the same step.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier returned by start_thinking."),
		),
		mcp.WithString("step_result",
			mcp.Required(),
			mcp.Description("Your full result for the current step, as text. "+
				"Steps with a JSON contract expect a single JSON object."),
		),
		mcp.WithObject("quality_feedback",
			mcp.Description("Optional evaluation of the submitted result: "+
				"{quality_score: number in [0,1], feedback?: string, improvement_areas?: [string]}."),
		),
	)
}

// Handle processes the next_step tool call.
func (t *NextStepTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	stepResult := req.GetString("step_result", "")

	if sessionID == "" {
		return errorResult(CodeValidationError, "'session_id' is required", nil)
	}
	if strings.TrimSpace(stepResult) == "" {
		return errorResult(CodeValidationError, "'step_result' is required and must be non-empty", nil)
	}

	score, feedback, errResult := parseQualityFeedback(req)
	if errResult != nil {
		return errResult, nil
	}

	snap := t.deps.Config.Current()
	var (
		dec      flow.Decision
		def      *flow.Definition
		prevStep string
		finished bool
	)

	sess, err := t.deps.Sessions.MutateAlways(sessionID, func(sess *session.Session) error {
		def = snap.Flow(sess.FlowType)
		if def == nil {
			return fmt.Errorf("%w: flow %q", errFlowVanished, sess.FlowType)
		}
		if sess.Cursor.Step == flow.StepComplete {
			// The flow already ran to its final step; nothing to record.
			finished = true
			return nil
		}
		cur := def.Step(sess.Cursor.Step)
		if cur == nil {
			return fmt.Errorf("%w: step %q", errStepVanished, sess.Cursor.Step)
		}
		prevStep = cur.Name

		rec := t.recordResult(sess, cur, stepResult, score)

		var decErr error
		dec, decErr = t.deps.Engine.Next(def, sess, score)
		if decErr != nil {
			var fe *flow.ForEachError
			if errors.As(decErr, &fe) {
				// The fan-out consumer failed to resolve: record it failed,
				// hold the cursor, surface the error. The producer's own
				// result stays recorded so the host can correct and resubmit.
				recordSkipped(sess, dec.Skipped)
				t.recordFailed(sess, fe.StepName)
				sess.StepNumber = sess.CompletedCount()
			} else {
				// Do not advance past an undecidable state.
				rec.Status = session.StepRunning
				sess.StepNumber = sess.CompletedCount()
			}
			return decErr
		}

		switch dec.Kind {
		case flow.DecideRetry:
			rec.Status = session.StepRunning
			rec.RetryCount = dec.RetryCount
			sess.Cursor.Retry = dec.RetryCount
		case flow.DecideIterate:
			sess.Cursor.Iteration = dec.Iteration
			sess.Cursor.Retry = 0
		case flow.DecideAdvance:
			recordSkipped(sess, dec.Skipped)
			if dec.Step.ForEach != nil {
				clearFailedPlaceholder(sess, dec.Step.Name)
			}
			sess.Cursor = session.Cursor{
				Step:      dec.Step.Name,
				Iteration: dec.Iteration,
				Total:     dec.Total,
			}
		case flow.DecideComplete:
			recordSkipped(sess, dec.Skipped)
			sess.Cursor = session.Cursor{Step: flow.StepComplete}
		}
		sess.StepNumber = sess.CompletedCount()
		return nil
	})
	if err != nil {
		details := map[string]any{"session_id": sessionID}
		if errors.Is(err, errStepVanished) || errors.Is(err, errFlowVanished) {
			code := CodeStepNotFound
			if errors.Is(err, errFlowVanished) {
				code = CodeFlowNotFound
			}
			return errorResult(code, err.Error(), details)
		}
		return classifyError(err, details)
	}

	if finished {
		return t.completionResponse(sess, def, feedback)
	}
	if dec.Kind == flow.DecideComplete {
		return t.completionResponse(sess, def, feedback)
	}

	rendered, usedFallback, err := t.deps.renderStep(sess, dec.Step, stepParams(sess, dec))
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sess.ID, "step": dec.Step.Name})
	}

	md := decisionMetadata(sess, def, dec)
	md["previous_step"] = prevStep
	md["template_fallback"] = usedFallback
	if score != nil {
		md["quality_gate_passed"] = dec.Kind != flow.DecideRetry
	}

	respCtx := map[string]any{
		"session_id": sess.ID,
		"topic":      sess.Topic,
		"flow_type":  sess.FlowType,
	}
	if dec.Step.ForEach != nil {
		respCtx["item"] = dec.Item
		respCtx["item_index"] = dec.Iteration + 1
		respCtx["item_total"] = dec.Total
	}
	if feedback != nil {
		respCtx["quality_feedback"] = feedback
	}

	return jsonResult(ToolResult{
		ToolName:       "next_step",
		SessionID:      sess.ID,
		Step:           dec.Step.Name,
		PromptTemplate: rendered,
		Instructions:   instructionsFor(dec),
		Context:        respCtx,
		NextAction:     nextActionFor(dec),
		Metadata:       md,
	})
}

// errFlowVanished reports a session whose flow_type is gone from the
// loaded configuration.
var errFlowVanished = errors.New("session flow is not defined in the loaded configuration")

// recordResult upserts the step-result entry for the current cursor
// position, parses the structured output for JSON steps, and records the
// quality score. The entry is marked completed; the caller downgrades it
// again when the decision is a retry.
func (t *NextStepTool) recordResult(sess *session.Session, cur *flow.Step, raw string, score *float64) *session.StepResult {
	now := timeNow().UTC()

	iteration := -1
	var iterPtr *int
	if cur.ForEach != nil {
		i := sess.Cursor.Iteration
		iteration = i
		iterPtr = &i
	}

	rec := sess.Result(cur.Name, iteration)
	if rec == nil {
		rec = &session.StepResult{
			StepName:       cur.Name,
			StartedAt:      now,
			IterationIndex: iterPtr,
		}
		sess.StepResults[cur.Name] = append(sess.StepResults[cur.Name], rec)
	}
	rec.RawText = raw
	rec.FinishedAt = now
	rec.RetryCount = sess.Cursor.Retry
	rec.Status = session.StepCompleted
	if score != nil {
		rec.QualityScore = score
		sess.QualityScores[cur.Name] = *score
	}

	if cur.ExpectedOutput == flow.OutputJSON {
		out, err := flow.ExtractStructured(raw)
		if err != nil {
			t.deps.Log.Debug().Str("session_id", sess.ID).Str("step", cur.Name).Err(err).
				Msg("no structured output recovered from reply")
		} else if cur.ForEach != nil {
			arr, _ := sess.StepOutputs[cur.Name].([]any)
			for len(arr) < sess.Cursor.Total {
				arr = append(arr, nil)
			}
			arr[sess.Cursor.Iteration] = out
			sess.StepOutputs[cur.Name] = arr
		} else {
			sess.StepOutputs[cur.Name] = out
		}
	}
	return rec
}

// recordFailed upserts a failed entry for a step that could not start.
func (t *NextStepTool) recordFailed(sess *session.Session, stepName string) {
	now := timeNow().UTC()
	rec := sess.Result(stepName, -1)
	if rec == nil {
		rec = &session.StepResult{StepName: stepName, StartedAt: now}
		sess.StepResults[stepName] = append(sess.StepResults[stepName], rec)
	}
	rec.Status = session.StepFailed
	rec.FinishedAt = now
}

// completionResponse renders the completion report prompt for a session
// whose flow has run out of steps. The session stays active until
// complete_thinking closes it.
func (t *NextStepTool) completionResponse(sess *session.Session, def *flow.Definition, feedback map[string]any) (*mcp.CallToolResult, error) {
	params := baseParams(sess)
	params["step_history"] = stepHistory(sess, def)
	params["final_insights"] = ""
	params["average_quality"] = averageQuality(sess)

	rendered, err := t.deps.Templates.Get("comprehensive_summary", params)
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sess.ID})
	}

	respCtx := map[string]any{
		"session_id": sess.ID,
		"topic":      sess.Topic,
		"flow_type":  sess.FlowType,
	}
	if feedback != nil {
		respCtx["quality_feedback"] = feedback
	}

	return jsonResult(ToolResult{
		ToolName:       "next_step",
		SessionID:      sess.ID,
		Step:           flow.StepComplete,
		PromptTemplate: rendered,
		Instructions:   "All flow steps are done. Produce the final report, then call complete_thinking to close the session.",
		Context:        respCtx,
		NextAction:     "call complete_thinking to close the session",
		Metadata: map[string]any{
			"flow_type":       sess.FlowType,
			"step_number":     sess.StepNumber,
			"flow_progress":   fmt.Sprintf("%d/%d", sess.StepNumber, def.Len()),
			"average_quality": averageQuality(sess),
		},
	})
}

// parseQualityFeedback extracts and validates the optional
// quality_feedback object. The score must be a number in [0,1].
func parseQualityFeedback(req mcp.CallToolRequest) (*float64, map[string]any, *mcp.CallToolResult) {
	args := req.GetArguments()
	raw, ok := args["quality_feedback"]
	if !ok || raw == nil {
		return nil, nil, nil
	}
	feedback, ok := raw.(map[string]any)
	if !ok {
		res, _ := errorResult(CodeValidationError, "'quality_feedback' must be an object", nil)
		return nil, nil, res
	}

	v, ok := feedback["quality_score"]
	if !ok {
		return nil, feedback, nil
	}
	var score float64
	switch n := v.(type) {
	case float64:
		score = n
	case int:
		score = float64(n)
	default:
		res, _ := errorResult(CodeValidationError, "'quality_feedback.quality_score' must be a number", nil)
		return nil, nil, res
	}
	if score < 0 || score > 1 {
		res, _ := errorResult(CodeValidationError, "'quality_feedback.quality_score' must be in [0,1]",
			map[string]any{"quality_score": score})
		return nil, nil, res
	}
	return &score, feedback, nil
}
