package tools

import (
	"github.com/rs/zerolog"

	"github.com/ruminate-ai/ruminate/internal/config"
	"github.com/ruminate-ai/ruminate/internal/flow"
	"github.com/ruminate-ai/ruminate/internal/session"
	"github.com/ruminate-ai/ruminate/internal/template"
)

// Deps is the dependency container handed to every tool: the configuration
// provider, the session manager, the template manager and the flow engine,
// created once at startup by the server package.
type Deps struct {
	Config    *config.Provider
	Sessions  *session.Manager
	Templates *template.Manager
	Engine    *flow.Engine
	Log       zerolog.Logger
}
