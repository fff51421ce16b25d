// ruminate: a deep-thinking MCP server.
//
// ruminate drives a multi-step reasoning workflow for a host LLM (Cursor,
// Claude Desktop, ...) over stdio. It exposes four tools - start_thinking,
// next_step, analyze_step, complete_thinking - that return prompt templates
// and orchestrate the flow state machine; the host does all reasoning.
//
// Usage:
//
//	ruminate serve              # start the MCP server (stdio transport)
//	ruminate validate           # check a configuration file and exit
//	ruminate version            # print the version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ruminate-ai/ruminate/internal/config"
	ruminateserver "github.com/ruminate-ai/ruminate/internal/server"
	"github.com/ruminate-ai/ruminate/internal/session"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

var (
	flagConfig   string
	flagDB       string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "ruminate",
		Short:         "Deep-thinking MCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the YAML configuration (default: embedded config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagDB, "db", "", "session database path (overrides database_path from config)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE:  runValidate,
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions and counts by status",
		RunE:  runSessions,
	}
	sessionsCmd.Flags().StringVar(&flagDB, "db", "", "session database path (overrides database_path from config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ruminate v%s\n", ruminateserver.Version)
		},
	}

	root.AddCommand(serveCmd, validateCmd, sessionsCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger configures zerolog on stderr. Stdout belongs to the MCP
// stdio transport and must stay clean.
func setupLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
		Level(level).
		With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	log.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	s, cleanup, err := ruminateserver.New(ctx, ruminateserver.Options{
		ConfigPath:   flagConfig,
		DatabasePath: flagDB,
		Log:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	logger.Info().Str("version", ruminateserver.Version).Msg("starting MCP server on stdio")
	return mcpserver.ServeStdio(s)
}

func runSessions(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	snap, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	dbPath := snap.Server.DatabasePath
	if flagDB != "" {
		dbPath = flagDB
	}

	store, err := session.OpenStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer store.Close()

	stats, err := store.SessionStats()
	if err != nil {
		return err
	}
	infos, err := store.ListSessions("", 50)
	if err != nil {
		return err
	}

	fmt.Printf("%d sessions", stats.Total)
	for status, n := range stats.ByStatus {
		fmt.Printf("  %s=%d", status, n)
	}
	fmt.Println()
	for _, info := range infos {
		fmt.Printf("%s  %-9s  %-24s  %s\n",
			info.ID, info.Status, info.FlowType, info.Topic)
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	snap, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	flows := make([]string, 0, len(snap.Flows))
	for name := range snap.Flows {
		flows = append(flows, name)
	}
	logger.Info().
		Strs("flows", flows).
		Int("templates", len(snap.Templates)).
		Str("default_flow", snap.Server.DefaultFlow).
		Msg("configuration is valid")
	return nil
}
