package tools

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxTopicLen bounds the topic in characters (runes, not bytes).
const maxTopicLen = 1000

// validComplexities is the accepted complexity set.
var validComplexities = map[string]bool{
	"simple":   true,
	"moderate": true,
	"complex":  true,
}

// StartThinkingTool handles the start_thinking MCP tool: it creates a
// session and returns the first step's prompt.
type StartThinkingTool struct {
	deps *Deps
}

// NewStartThinkingTool creates a StartThinkingTool.
func NewStartThinkingTool(deps *Deps) *StartThinkingTool {
	return &StartThinkingTool{deps: deps}
}

// Definition returns the MCP tool definition for registration.
func (t *StartThinkingTool) Definition() mcp.Tool {
	return mcp.NewTool("start_thinking",
		mcp.WithDescription(
			"Begin a deep-thinking session on a topic. Returns the prompt for the "+
				"first step of the flow; execute it and feed your result back via "+
				"next_step. The server orchestrates the flow, you do the reasoning.",
		),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Main topic or question to analyze (1-1000 characters)."),
		),
		mcp.WithString("complexity",
			mcp.Description("Complexity level: simple, moderate or complex. Default moderate."),
		),
		mcp.WithString("focus",
			mcp.Description("Optional specific focus or angle for the analysis."),
		),
		mcp.WithString("flow_type",
			mcp.Description("Thinking flow to use. Defaults to the configured default flow."),
		),
	)
}

// Handle processes the start_thinking tool call.
func (t *StartThinkingTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic := strings.TrimSpace(req.GetString("topic", ""))
	complexity := req.GetString("complexity", "moderate")
	focus := req.GetString("focus", "")
	flowType := req.GetString("flow_type", "")

	if topic == "" {
		return errorResult(CodeValidationError, "'topic' is required and must be non-empty", nil)
	}
	if n := utf8.RuneCountInString(topic); n > maxTopicLen {
		return errorResult(CodeValidationError, "'topic' exceeds the 1000 character limit",
			map[string]any{"topic_length": n, "max_length": maxTopicLen})
	}
	if !validComplexities[complexity] {
		return errorResult(CodeValidationError, "'complexity' must be one of: simple, moderate, complex",
			map[string]any{"complexity": complexity})
	}

	snap := t.deps.Config.Current()
	if flowType == "" {
		flowType = snap.Server.DefaultFlow
	}
	def := snap.Flow(flowType)
	if def == nil {
		return errorResult(CodeFlowNotFound, "unknown flow_type "+flowType,
			map[string]any{"flow_type": flowType})
	}

	sessCtx := map[string]any{
		"topic":      topic,
		"complexity": complexity,
		"focus":      focus,
		"created_at": timeNow().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	sess, err := t.deps.Sessions.Create(topic, flowType, def.First().Name, sessCtx)
	if err != nil {
		return classifyError(err, map[string]any{"flow_type": flowType})
	}

	dec := t.deps.Engine.Entry(def)
	rendered, usedFallback, err := t.deps.renderStep(sess, dec.Step, stepParams(sess, dec))
	if err != nil {
		return classifyError(err, map[string]any{"session_id": sess.ID, "step": dec.Step.Name})
	}

	md := decisionMetadata(sess, def, dec)
	md["template_fallback"] = usedFallback
	return jsonResult(ToolResult{
		ToolName:       "start_thinking",
		SessionID:      sess.ID,
		Step:           dec.Step.Name,
		PromptTemplate: rendered,
		Instructions:   instructionsFor(dec),
		Context: map[string]any{
			"session_id": sess.ID,
			"topic":      topic,
			"complexity": complexity,
			"focus":      focus,
			"flow_type":  flowType,
		},
		NextAction: nextActionFor(dec),
		Metadata:   md,
	})
}
