// Package tools implements the four MCP tool handlers that make up the
// external contract: start_thinking, next_step, analyze_step and
// complete_thinking.
//
// Each tool is a struct receiving its dependencies at construction and
// exposing Definition/Handle in mcp-go's shape, one file per tool. Success
// responses marshal the ToolResult JSON object; failures marshal the error
// envelope. No untyped error ever crosses the MCP boundary.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
	"github.com/ruminate-ai/ruminate/internal/template"
)

// ToolResult is the exact response shape of every successful tool call.
type ToolResult struct {
	ToolName       string         `json:"tool_name"`
	SessionID      string         `json:"session_id"`
	Step           string         `json:"step"`
	PromptTemplate string         `json:"prompt_template"`
	Instructions   string         `json:"instructions"`
	Context        map[string]any `json:"context"`
	NextAction     string         `json:"next_action"`
	Metadata       map[string]any `json:"metadata"`
}

// ErrorEnvelope is the exact response shape of every failed tool call.
type ErrorEnvelope struct {
	Error               bool           `json:"error"`
	ErrorCode           string         `json:"error_code"`
	ErrorMessage        string         `json:"error_message"`
	Details             map[string]any `json:"details"`
	RecoverySuggestions []string       `json:"recovery_suggestions"`
}

// Error codes of the envelope contract.
const (
	CodeValidationError   = "ValidationError"
	CodeSessionNotFound   = "SessionNotFound"
	CodeSessionExpired    = "SessionExpired"
	CodeSessionTerminal   = "SessionTerminal"
	CodeTemplateNotFound  = "TemplateNotFound"
	CodeFlowNotFound      = "FlowNotFound"
	CodeStepNotFound      = "StepNotFound"
	CodeForEachResolution = "ForEachResolutionError"
	CodeStorageError      = "StorageError"
	CodeInternalError     = "InternalError"
)

// recoverySuggestions maps every error code to short, actionable guidance
// carried in the envelope.
var recoverySuggestions = map[string][]string{
	CodeValidationError: {
		"check the tool input against the documented schema",
		"fix the listed fields and retry the same call",
	},
	CodeSessionNotFound: {
		"verify the session id",
		"call start_thinking to begin a new session",
	},
	CodeSessionExpired: {
		"the session idled past its timeout and was expired",
		"call start_thinking to begin a new session on the same topic",
	},
	CodeSessionTerminal: {
		"this session is completed, failed or expired and cannot change",
		"call start_thinking to begin a new session",
	},
	CodeTemplateNotFound: {
		"check the template name against the loaded template index",
		"reload the configuration if templates were recently edited",
	},
	CodeFlowNotFound: {
		"check flow_type against the configured thinking_flows",
		"omit flow_type to use the default flow",
	},
	CodeStepNotFound: {
		"check step_name against the steps of the session's flow",
	},
	CodeForEachResolution: {
		"the producer step did not return a usable array for the fan-out",
		"re-run the producer step via next_step with output in the documented JSON shape",
		"use analyze_step with analysis_type=format to diagnose the producer output",
	},
	CodeStorageError: {
		"the session database write failed after a retry",
		"check the database path is writable and retry the call",
	},
	CodeInternalError: {
		"retry the call once",
		"restart the server if the error persists",
	},
}

// jsonResult marshals v into an MCP text content result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// errorResult builds the envelope for a code with optional details.
func errorResult(code, message string, details map[string]any) (*mcp.CallToolResult, error) {
	if details == nil {
		details = map[string]any{}
	}
	return jsonResult(ErrorEnvelope{
		Error:               true,
		ErrorCode:           code,
		ErrorMessage:        message,
		Details:             details,
		RecoverySuggestions: recoverySuggestions[code],
	})
}

// classifyError converts an internal error into its envelope. The session,
// template and flow packages surface typed errors; anything unrecognised is
// an internal failure.
func classifyError(err error, details map[string]any) (*mcp.CallToolResult, error) {
	if details == nil {
		details = map[string]any{}
	}

	var (
		tmplNotFound  *template.NotFoundError
		missingParams *template.MissingParamsError
		forEachErr    *flow.ForEachError
	)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return errorResult(CodeSessionNotFound, err.Error(), details)
	case errors.Is(err, session.ErrExpired):
		return errorResult(CodeSessionExpired, err.Error(), details)
	case errors.Is(err, session.ErrTerminal):
		return errorResult(CodeSessionTerminal, err.Error(), details)
	case errors.As(err, &tmplNotFound):
		details["template"] = tmplNotFound.Name
		return errorResult(CodeTemplateNotFound, err.Error(), details)
	case errors.As(err, &missingParams):
		details["template"] = missingParams.Template
		details["missing_params"] = missingParams.Missing
		return errorResult(CodeValidationError, err.Error(), details)
	case errors.As(err, &forEachErr):
		details["step"] = forEachErr.StepName
		details["reference"] = forEachErr.Ref.String()
		details["reason"] = forEachErr.Reason
		return errorResult(CodeForEachResolution, err.Error(), details)
	case errors.Is(err, session.ErrStorage):
		return errorResult(CodeStorageError, err.Error(), details)
	default:
		return errorResult(CodeInternalError, err.Error(), details)
	}
}
