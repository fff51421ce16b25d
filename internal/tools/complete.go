package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
)

// CompleteThinkingTool handles the complete_thinking MCP tool: it closes
// the session and returns the final report prompt over the full history.
type CompleteThinkingTool struct {
	deps *Deps
}

// NewCompleteThinkingTool creates a CompleteThinkingTool.
func NewCompleteThinkingTool(deps *Deps) *CompleteThinkingTool {
	return &CompleteThinkingTool{deps: deps}
}

// Definition returns the MCP tool definition for registration.
func (t *CompleteThinkingTool) Definition() mcp.Tool {
	return mcp.NewTool("complete_thinking",
		mcp.WithDescription(
			"Close a thinking session and receive the final report prompt built "+
				"from the full step history. Further tool calls on the session are "+
				"rejected afterwards.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier."),
		),
		mcp.WithString("final_insights",
			mcp.Description("Optional closing insights to fold into the report."),
		),
	)
}

// Handle processes the complete_thinking tool call.
func (t *CompleteThinkingTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	finalInsights := req.GetString("final_insights", "")

	if sessionID == "" {
		return errorResult(CodeValidationError, "'session_id' is required", nil)
	}

	snap := t.deps.Config.Current()
	var (
		def     *flow.Definition
		blocked *flow.Decision
	)

	sess, err := t.deps.Sessions.Mutate(sessionID, func(sess *session.Session) error {
		def = snap.Flow(sess.FlowType)

		// A fan-out in progress means the flow has verified remaining work;
		// completing now would silently drop iterations. Steer the host back
		// to next_step instead of closing the session.
		if def != nil {
			if cur := def.Step(sess.Cursor.Step); cur != nil && cur.ForEach != nil &&
				sess.Cursor.Total > 0 && sess.Cursor.Iteration < sess.Cursor.Total &&
				len(sess.StepResults[cur.Name]) > 0 {
				var item any
				if items, ferr := flow.ResolveForEach(*cur.ForEach, sess.StepOutputs[cur.ForEach.Step]); ferr == nil &&
					sess.Cursor.Iteration < len(items) {
					item = items[sess.Cursor.Iteration]
				}
				blocked = &flow.Decision{
					Kind:      flow.DecideIterate,
					Step:      cur,
					Iteration: sess.Cursor.Iteration,
					Total:     sess.Cursor.Total,
					Item:      item,
				}
				return nil
			}
		}

		if finalInsights != "" {
			sess.Context["final_insights"] = finalInsights
		}
		sess.Status = session.StatusCompleted
		sess.Cursor = session.Cursor{Step: flow.StepComplete}
		return nil
	})
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sessionID})
	}

	if blocked != nil {
		return t.blockedResponse(sess, *blocked)
	}

	params := baseParams(sess)
	params["final_insights"] = finalInsights
	params["average_quality"] = averageQuality(sess)
	if def != nil {
		params["step_history"] = stepHistory(sess, def)
	} else {
		params["step_history"] = ""
	}

	rendered, rerr := t.deps.Templates.Get("comprehensive_summary", params)
	if rerr != nil {
		return classifyError(rerr, map[string]any{"session_id": sess.ID})
	}

	completed := 0
	for _, entries := range sess.StepResults {
		for _, r := range entries {
			if r.Status == session.StepCompleted {
				completed++
			}
		}
	}

	return jsonResult(ToolResult{
		ToolName:       "complete_thinking",
		SessionID:      sess.ID,
		Step:           flow.StepComplete,
		PromptTemplate: rendered,
		Instructions:   "Produce the final comprehensive report from the prompt. The session is now closed.",
		Context: map[string]any{
			"session_id":      sess.ID,
			"topic":           sess.Topic,
			"flow_type":       sess.FlowType,
			"session_status":  string(sess.Status),
			"completed_steps": completed,
		},
		NextAction: "generate the final report; start_thinking begins a new session",
		Metadata: map[string]any{
			"session_status":  string(sess.Status),
			"step_number":     sess.StepNumber,
			"average_quality": averageQuality(sess),
			"final_insights":  finalInsights != "",
		},
	})
}

// blockedResponse refuses completion mid fan-out and points the host back
// at the unfinished iteration.
func (t *CompleteThinkingTool) blockedResponse(sess *session.Session, dec flow.Decision) (*mcp.CallToolResult, error) {
	rendered, _, err := t.deps.renderStep(sess, dec.Step, stepParams(sess, dec))
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sess.ID, "step": dec.Step.Name})
	}
	return jsonResult(ToolResult{
		ToolName:       "complete_thinking",
		SessionID:      sess.ID,
		Step:           dec.Step.Name,
		PromptTemplate: rendered,
		Instructions: fmt.Sprintf(
			"Completion refused: the %q fan-out has finished %d of %d iterations. "+
				"Finish the remaining iterations through next_step first.",
			dec.Step.Name, dec.Iteration, dec.Total),
		Context: map[string]any{
			"session_id":         sess.ID,
			"completion_blocked": true,
			"item_index":         dec.Iteration + 1,
			"item_total":         dec.Total,
		},
		NextAction: "submit the pending iteration result via next_step",
		Metadata: map[string]any{
			"completion_blocked": true,
			"iteration": map[string]any{
				"current": dec.Iteration + 1,
				"total":   dec.Total,
			},
		},
	})
}
