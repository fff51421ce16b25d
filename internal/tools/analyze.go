package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ruminate-ai/ruminate/internal/session"
)

// validAnalysisTypes maps analysis_type values to their template names.
var validAnalysisTypes = map[string]string{
	"quality":      "analysis_quality",
	"format":       "analysis_format",
	"completeness": "analysis_completeness",
	"bias":         "analysis_bias",
	"logic":        "analysis_logic",
}

// AnalyzeStepTool handles the analyze_step MCP tool. It is read-only with
// respect to the flow cursor: it renders an analysis prompt over a step
// result so the host can produce an evaluation, which typically comes back
// through next_step's quality_feedback.
type AnalyzeStepTool struct {
	deps *Deps
}

// NewAnalyzeStepTool creates an AnalyzeStepTool.
func NewAnalyzeStepTool(deps *Deps) *AnalyzeStepTool {
	return &AnalyzeStepTool{deps: deps}
}

// Definition returns the MCP tool definition for registration.
func (t *AnalyzeStepTool) Definition() mcp.Tool {
	return mcp.NewTool("analyze_step",
		mcp.WithDescription(
			"Get an analysis prompt for a step result without advancing the flow. "+
				"Use it to evaluate quality, format, completeness, bias or logic; "+
				"feed the resulting score back via next_step's quality_feedback.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier."),
		),
		mcp.WithString("step_name",
			mcp.Required(),
			mcp.Description("Name of the flow step whose result is being analyzed."),
		),
		mcp.WithString("step_result",
			mcp.Required(),
			mcp.Description("The step result text to analyze."),
		),
		mcp.WithString("analysis_type",
			mcp.Description("One of: quality, format, completeness, bias, logic. Default quality."),
		),
	)
}

// Handle processes the analyze_step tool call. Invoking it repeatedly with
// the same inputs returns equivalent prompts and leaves the session's flow
// state untouched.
func (t *AnalyzeStepTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	stepName := req.GetString("step_name", "")
	stepResult := req.GetString("step_result", "")
	analysisType := req.GetString("analysis_type", "quality")

	if sessionID == "" {
		return errorResult(CodeValidationError, "'session_id' is required", nil)
	}
	if stepName == "" {
		return errorResult(CodeValidationError, "'step_name' is required", nil)
	}
	if strings.TrimSpace(stepResult) == "" {
		return errorResult(CodeValidationError, "'step_result' is required and must be non-empty", nil)
	}
	templateName, ok := validAnalysisTypes[analysisType]
	if !ok {
		return errorResult(CodeValidationError, "'analysis_type' must be one of: quality, format, completeness, bias, logic",
			map[string]any{"analysis_type": analysisType})
	}

	sess, err := t.deps.Sessions.Get(sessionID, true)
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sessionID})
	}
	if sess.Status.Terminal() {
		return classifyError(session.ErrTerminal, map[string]any{"session_id": sessionID})
	}

	snap := t.deps.Config.Current()
	def := snap.Flow(sess.FlowType)
	if def == nil {
		return errorResult(CodeFlowNotFound, "session flow "+sess.FlowType+" is not defined in the loaded configuration",
			map[string]any{"flow_type": sess.FlowType})
	}
	step := def.Step(stepName)
	if step == nil {
		return errorResult(CodeStepNotFound, "step "+stepName+" is not defined in flow "+sess.FlowType,
			map[string]any{"step_name": stepName, "flow_type": sess.FlowType})
	}

	params := baseParams(sess)
	params["step_name"] = stepName
	params["step_result"] = stepResult
	params["quality_threshold"] = step.QualityThreshold

	rendered, err := t.deps.Templates.Get(templateName, params)
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sessionID, "template": templateName})
	}

	return jsonResult(ToolResult{
		ToolName:       "analyze_step",
		SessionID:      sess.ID,
		Step:           "analyze_" + stepName,
		PromptTemplate: rendered,
		Instructions: "Evaluate the step result using the prompt. Report a quality_score in [0,1] " +
			"and concrete improvement areas, then pass them to next_step as quality_feedback.",
		Context: map[string]any{
			"session_id":        sess.ID,
			"analyzed_step":     stepName,
			"analysis_type":     analysisType,
			"quality_threshold": step.QualityThreshold,
		},
		NextAction: "feed the evaluation back through next_step's quality_feedback",
		Metadata: map[string]any{
			"analysis_template": templateName,
			"quality_check":     true,
			"flow_cursor":       sess.Cursor.Step,
		},
	})
}
