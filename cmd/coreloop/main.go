// Package main provides the coreloop CLI entry point: it wires the
// provider registry, key pools, rate pacer, cloud dispatcher, and
// (optionally) the local GGUF engine into one AgenticLoop and drives a
// single conversational turn from the command line.
//
// Tool execution and the concrete UI/IPC transport are out of this
// module's scope per §1 (ToolExecutor is the opaque external collaborator
// this binary stubs out); this entry point exists to demonstrate the
// wiring, not to ship a product surface.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/internal/config"
	ctxwindow "github.com/clawdbot/coreloop/internal/context"
	"github.com/clawdbot/coreloop/internal/dispatch"
	"github.com/clawdbot/coreloop/internal/localengine"
	"github.com/clawdbot/coreloop/internal/observability"
	"github.com/clawdbot/coreloop/internal/sessions"
	"github.com/clawdbot/coreloop/pkg/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// errLocalEngineUnbound is returned when config names a local model path
// but this binary carries no NativeModel binding to load it with (see
// DESIGN.md's NativeModel entry: no example repo in the retrieval pack
// binds llama.cpp, so this command can wire the orchestration layer but
// not a working local backend).
var errLocalEngineUnbound = fmt.Errorf("local_engine.model_path is set but coreloop was built without a NativeModel binding")

var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "coreloop",
		Short:   "Multi-provider LLM orchestration core",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "coreloop.yaml", "path to config file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConfigSchemaCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var system, session, sessionFile string
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run a single conversational turn and stream the response to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := args[0]
			return runTurn(cmd.Context(), system, session, sessionFile, message)
		},
	}
	cmd.Flags().StringVar(&system, "system", "You are a helpful assistant.", "system prompt")
	cmd.Flags().StringVar(&session, "session", "default", "session id scoping persisted history")
	cmd.Flags().StringVar(&sessionFile, "session-file", "coreloop-sessions.json", "file persisted chat history is loaded from and saved to")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the provider registry and key pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault()
			if err != nil {
				return err
			}
			registry := buildRegistry()
			keys := buildKeyPool(cfg)
			for _, id := range registry.All() {
				st := keys.Status(id)
				fmt.Printf("%-14s total=%d available=%d\n", id, st.Total, st.Available)
			}
			return nil
		},
	}
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-schema",
		Short: "Print the JSON Schema for coreloop.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("generate config schema: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	}
}

func loadConfigOrDefault() (*config.Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return &config.Config{}, nil
	}
	return config.Load(configPath)
}

func buildRegistry() *dispatch.ProviderRegistry {
	return dispatch.NewProviderRegistry()
}

func buildKeyPool(cfg *config.Config) *dispatch.KeyPool {
	pool := dispatch.NewKeyPool()
	for providerID, pcfg := range cfg.LLM.Providers {
		keys := pcfg.Keys
		if len(keys) == 0 && pcfg.APIKey != "" {
			keys = []string{pcfg.APIKey}
		}
		for _, k := range keys {
			_ = pool.Add(providerID, k)
		}
	}
	return pool
}

// stdoutToolExecutor stubs the opaque ToolExecutor collaborator: it logs
// the call and reports failure, since no concrete tool implementations are
// in scope for this module (§1 Out of scope).
type stdoutToolExecutor struct{ logger *observability.Logger }

func (s stdoutToolExecutor) Execute(ctx context.Context, name string, params json.RawMessage) (models.ToolResult, error) {
	return models.ToolResult{
		Tool:    name,
		Params:  params,
		Success: false,
		Error:   "tool execution is not implemented by this binary; wire a concrete ToolExecutor",
	}, nil
}

// localNativeBinding, when non-nil, supplies the NativeModel this binary
// loads GGUF models through. No retrieval-pack example binds llama.cpp
// (see DESIGN.md), so this stays nil in this tree; a deployment wiring a
// real binding sets it here instead of changing runTurn.
var localNativeBinding localengine.NativeModel

func runTurn(ctx context.Context, systemPrompt, sessionID, sessionFile, message string) error {
	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"})

	ctx = observability.AddRequestID(ctx, uuid.NewString())
	ctx = observability.AddSessionID(ctx, sessionID)
	logger = logger.WithContext(ctx)

	cfg, err := loadConfigOrDefault()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	registry := buildRegistry()
	keys := buildKeyPool(cfg)
	pacer := dispatch.NewRpmPacer()
	cloud := dispatch.NewCloudDispatcher(registry, keys, pacer, cfg.LLM, logger)

	var provider agent.LLMProvider = cloud
	if cfg.Session.LocalEngine.ModelPath != "" {
		if localNativeBinding == nil {
			return errLocalEngineUnbound
		}
		engine := localengine.NewEngine(localNativeBinding, nil, cfg.Session.LocalEngine.WrapperCachePath, agent.NopSink{}, nil)
		loadErr := engine.Initialize(ctx, localengine.LoadConfig{
			ModelPath:        cfg.Session.LocalEngine.ModelPath,
			RequestedContext: cfg.Session.LocalEngine.ContextSize,
			GPUMode:          localengine.GPUAuto,
			FlashAttention:   cfg.Session.LocalEngine.FlashAttention,
			WrapperCachePath: cfg.Session.LocalEngine.WrapperCachePath,
			SystemPrompt:     systemPrompt,
		})
		if loadErr != nil {
			return fmt.Errorf("local engine initialize: %w", loadErr)
		}
		provider = engine
	}

	store := sessions.NewStore()
	if cfg.Session.MaxHistoryTurns > 0 {
		store.SetMaxTurns(cfg.Session.MaxHistoryTurns)
	}
	if err := store.LoadFromFile(sessionFile); err != nil {
		logger.Warn(ctx, "failed to load persisted session history, starting fresh", "error", err, "path", sessionFile)
	}
	history := store.Get(sessionID)

	gate := agent.NewRequestGate()
	sink := agent.NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {})
	loopCfg := agent.DefaultLoopConfig()
	loop := agent.NewAgenticLoop(provider, stdoutToolExecutor{logger: logger}, gate, sink, loopCfg)
	loop.SetDefaultModel(cfg.LLM.DefaultProvider)
	loop.SetDefaultSystem(systemPrompt)

	runCtx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer cancel()

	userTurn := models.ChatTurn{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Text:      message,
		CreatedAt: time.Now(),
	}

	chunks, err := loop.Run(runCtx, history, userTurn, nil)
	if err != nil {
		return fmt.Errorf("start loop: %w", err)
	}

	var reply []models.Segment
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for chunk := range chunks {
		if chunk.Error != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", chunk.Error)
			return chunk.Error
		}
		if chunk.Text != "" {
			fmt.Fprint(w, chunk.Text)
			w.Flush()
			reply = append(reply, models.Segment{Kind: models.SegmentText, Text: chunk.Text})
		}
	}
	fmt.Fprintln(w)

	modelTurn := models.ChatTurn{ID: uuid.NewString(), Role: models.RoleModel, Segments: reply, CreatedAt: time.Now()}
	store.Append(sessionID, userTurn, modelTurn)
	if err := store.SaveToFile(sessionFile); err != nil {
		logger.Warn(ctx, "failed to persist session history", "error", err, "path", sessionFile)
	}

	window := ctxwindow.NewWindowForModel(cfg.LLM.DefaultProvider)
	window.SetUsed(ctxwindow.EstimateTokensForMessages(historyTexts(store.Get(sessionID))))
	logger.Info(ctx, "context window status", "window", window.Info().String())
	return nil
}

// historyTexts flattens a session's turns into the plain-text contents the
// context window estimator sizes against.
func historyTexts(history []models.ChatTurn) []string {
	texts := make([]string, 0, len(history))
	for _, turn := range history {
		texts = append(texts, turn.CombinedText())
	}
	return texts
}
