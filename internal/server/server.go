// Package server wires all components and creates the MCP server instance.
//
// This is the composition root: it creates the concrete configuration
// provider, store, managers and engine, and injects them into the tool
// handlers. Nothing here makes flow decisions; it only wires.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ruminate-ai/ruminate/internal/config"
	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
	"github.com/ruminate-ai/ruminate/internal/template"
	"github.com/ruminate-ai/ruminate/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Options control server construction from the CLI boundary.
type Options struct {
	ConfigPath   string // "" loads the embedded defaults
	DatabasePath string // overrides the configured database_path when set
	Log          zerolog.Logger
}

// New creates the MCP server with all four tools registered, starts the
// expiry sweeper and the config watcher, and returns a cleanup function
// that closes the store. The cleanup is always non-nil.
func New(ctx context.Context, opts Options) (*server.MCPServer, func(), error) {
	provider, err := config.NewProvider(opts.ConfigPath, opts.Log)
	if err != nil {
		return nil, func() {}, err
	}
	snap := provider.Current()

	dbPath := snap.Server.DatabasePath
	if opts.DatabasePath != "" {
		dbPath = opts.DatabasePath
	}
	store, err := session.OpenStore(dbPath, opts.Log)
	if err != nil {
		return nil, func() {}, fmt.Errorf("opening session store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			opts.Log.Warn().Err(err).Msg("session store close")
		}
	}

	sessions, err := session.NewManager(store, session.ManagerConfig{
		MaxSessions:    snap.Server.MaxSessions,
		CacheSize:      snap.Server.SessionCacheSize,
		SessionTimeout: time.Duration(snap.Server.SessionTimeoutMinutes) * time.Minute,
		SweepInterval:  time.Minute,
	}, opts.Log)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("creating session manager: %w", err)
	}

	templates, err := template.NewManager(snap.Templates, snap.Server.TemplateCacheSize)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("creating template manager: %w", err)
	}

	deps := &tools.Deps{
		Config:    provider,
		Sessions:  sessions,
		Templates: templates,
		Engine:    flow.NewEngine(opts.Log),
		Log:       opts.Log,
	}

	s := server.NewMCPServer(
		"ruminate",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	startTool := tools.NewStartThinkingTool(deps)
	s.AddTool(startTool.Definition(), startTool.Handle)

	nextTool := tools.NewNextStepTool(deps)
	s.AddTool(nextTool.Definition(), nextTool.Handle)

	analyzeTool := tools.NewAnalyzeStepTool(deps)
	s.AddTool(analyzeTool.Definition(), analyzeTool.Handle)

	completeTool := tools.NewCompleteThinkingTool(deps)
	s.AddTool(completeTool.Definition(), completeTool.Handle)

	// Background work: the expiry sweep and the config file watcher. Both
	// stop with ctx; neither outlives a tool call in any other way.
	sessions.StartSweeper(ctx)
	if err := provider.Watch(ctx, func(newSnap *config.Snapshot) {
		templates.Swap(newSnap.Templates)
	}); err != nil {
		opts.Log.Warn().Err(err).Msg("config watcher unavailable, reload on file change disabled")
	}

	return s, cleanup, nil
}

// serverInstructions tells the host LLM how to drive the workflow.
func serverInstructions() string {
	return `You have access to ruminate, a deep-thinking orchestration server.

ruminate never reasons for you. Each tool call returns a prompt template
plus control metadata; YOU execute the prompt (including any web search),
then feed your result back. The server tracks the flow state machine:
step ordering, conditional branches, quality gates, for_each fan-out and
retries.

## Workflow

1. Call start_thinking with the topic (and optionally complexity, focus,
   flow_type). You receive the first step's prompt.
2. Execute the prompt. Steps with a JSON contract require a single JSON
   object as your reply - the server parses it, and later steps may fan
   out over arrays inside it.
3. Call next_step with your result as step_result. You receive the next
   prompt; repeat until the response's step is "__complete__".
4. Call complete_thinking to close the session and get the final report
   prompt.

## Quality gates

Use analyze_step at any point to get an evaluation prompt for a step
result (analysis_type: quality, format, completeness, bias, logic).
Score the result yourself, then pass {"quality_score": <0..1>} as
quality_feedback on the next next_step call. A score below the threshold
of a step that allows retries repeats the step with improvement
instructions, at most twice.

## Rules

- Always pass the exact session_id from start_thinking.
- Never fabricate a step result to skip work; the flow depends on real
  output, and for_each steps iterate over arrays you produced earlier.
- Sessions expire after inactivity; on SessionExpired start a new one.
- Error responses carry recovery_suggestions - follow them.`
}
