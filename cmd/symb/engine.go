package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/agentloop"
	"github.com/xonecas/symb/internal/config"
	"github.com/xonecas/symb/internal/contextmgr"
	"github.com/xonecas/symb/internal/event"
	"github.com/xonecas/symb/internal/message"
	"github.com/xonecas/symb/internal/planmgr"
	"github.com/xonecas/symb/internal/policy"
	"github.com/xonecas/symb/internal/provideradapter"
	"github.com/xonecas/symb/internal/sessionstore"
	"github.com/xonecas/symb/internal/subagentexec"
	"github.com/xonecas/symb/internal/termparser"
	"github.com/xonecas/symb/internal/toolset"
)

// runCoreEngine drives the headless agentic loop (Component H) from a plain
// stdin/stdout REPL. Every turn runs through the same Bridge, tool registry,
// context manager, and sub-agent executor; it prints events as text instead
// of rendering them. resumeHistory, when non-nil, seeds the bridge's
// conversation so a resumed or continued session replays prior turns before
// accepting new input.
func runCoreEngine(sessionID string, resumeHistory message.History) {
	workspace, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		if p := filepath.Join(dataDir, "config.toml"); fileExists(p) {
			configPath = p
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: loading config: %v\n", err)
		os.Exit(1)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: loading credentials: %v\n", err)
		os.Exit(1)
	}

	providerName := cfg.DefaultProvider
	if providerName == "" {
		providerName = "anthropic"
	}
	pcfg := cfg.Providers[providerName]
	model := pcfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	apiKey := creds.GetAPIKey(providerName)
	prov := provideradapter.NewAnthropicProvider(apiKey, pcfg.Endpoint, model, http.DefaultClient)

	if sessionID == "" {
		sessionID = newSessionID()
	}
	sessionDir, err := config.EnsureDataDir()
	var archive *sessionstore.Archive
	if err == nil {
		archive = sessionstore.New(filepath.Join(sessionDir, "sessions", sessionID+".json"), sessionID, sessionstore.Metadata{
			WorkspacePath: workspace,
			Model:         model,
			Provider:      providerName,
		})
	}

	planMgr := planmgr.NewManager()
	tools := toolset.NewRegistry(workspace, planMgr)
	ctxMgr := contextmgr.NewManagerEnabled(model)
	if cfg.Context.Disabled {
		ctxMgr.SetEnabled(false)
	}
	ctxMgr.SetTrimLimits(cfg.Context.MaxToolResponseTokens, cfg.Context.ProtectedRecentTurns)

	toolPolicy := policy.NewToolPolicy(policy.Allow)
	toolPolicy.Set("delete_path", policy.Ask)
	toolPolicy.Set("run_pty_cmd", policy.Ask)
	approvals := policy.NewPendingApprovals()

	// One reader owns stdin; the REPL loop and the approval prompt inside
	// printEvents take turns on this channel (the REPL is blocked inside
	// ProcessTurn whenever an approval is pending).
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	bus := event.NewBus()
	go printEvents(bus, approvals, lines)

	subExec := &subagentexec.Executor{Provider: prov, Model: model, Tools: tools, Bus: bus, Workspace: workspace}
	runner := func(ctx context.Context, defID, task, contextSummary string, depth int) (agentloop.SubAgentOutcome, error) {
		res, err := subExec.Run(ctx, coderAgentDef(defID), subagentexec.Context{
			OriginalRequest:     task,
			ConversationSummary: contextSummary,
			Depth:               depth,
		}, newSessionID())
		if err != nil {
			return agentloop.SubAgentOutcome{}, err
		}
		return agentloop.SubAgentOutcome{Success: res.Success, Response: res.Response, FilesModified: res.FilesModified}, nil
	}

	bridge := agentloop.New(agentloop.Config{
		Provider:   prov,
		Model:      model,
		Tools:      tools,
		ContextMgr: ctxMgr,
		PlanMgr:    planMgr,
		ToolPolicy: toolPolicy,
		LoopDetect: policy.NewLoopDetector(),
		Approvals:  approvals,
		Bus:        bus,
		Archive:    archive,
		SubAgent:      runner,
		Workspace:     workspace,
		AgentMode:     agentloop.AgentMode(cfg.Agent.Mode),
		MaxIterations: cfg.Agent.MaxIterations,
	})
	if len(resumeHistory) > 0 {
		bridge.History = resumeHistory
	}

	fmt.Printf("symb engine — session %s, workspace %s, model %s\n", sessionID, workspace, model)
	fmt.Println("Type a message and press enter; Ctrl-D to quit.")

	ctx := context.Background()
	for line := range lines {
		if line == "" {
			continue
		}
		if _, err := bridge.ProcessTurn(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println()
	}
	if archive != nil {
		_ = archive.Finalize()
	}
}

// coderAgentDef builds the bundled sub-agent definition matching defID; the
// coder agent gets the broader file/patch tool set and diff post-processing
// (Component G), every other name falls back to a read-only reviewer.
func coderAgentDef(defID string) subagentexec.Definition {
	if defID == "coder" {
		return subagentexec.Definition{
			ID:              "coder",
			Name:            "coder",
			SystemPrompt:    "You are a focused coding sub-agent. Make the requested change and respond with a unified diff only.",
			AllowedTools:    []string{"read_file", "write_file", "apply_patch", "list_directory"},
			MaxIterations:   8,
			TimeoutSecs:     120,
			IdleTimeoutSecs: 30,
		}
	}
	return subagentexec.Definition{
		ID:              defID,
		Name:            defID,
		SystemPrompt:    "You are a read-only reviewing sub-agent. Answer the task without modifying files.",
		AllowedTools:    []string{"read_file", "list_directory"},
		MaxIterations:   5,
		TimeoutSecs:     60,
		IdleTimeoutSecs: 20,
	}
}

func printEvents(bus *event.Bus, approvals *policy.PendingApprovals, lines <-chan string) {
	sub := bus.Subscribe(64)
	for e := range sub {
		switch e.Kind {
		case event.KindTextDelta:
			fmt.Print(e.Text)
		case event.KindToolRequest:
			fmt.Printf("\n[tool] %s %s\n", e.ToolName, e.ToolArgs)
			if approvals != nil && approvals.IsPending(e.RequestID) {
				promptApproval(approvals, e.RequestID, lines)
			}
		case event.KindToolResult:
			status := "ok"
			if !e.ToolOK {
				status = "error"
			}
			fmt.Printf("[tool result: %s] %s\n", status, truncate(termparser.StripSGR(e.ToolText), 200))
		case event.KindSubAgentStarted:
			fmt.Printf("\n[sub-agent %s started]\n", e.ToolName)
		case event.KindSubAgentCompleted:
			fmt.Println("[sub-agent completed]")
		case event.KindSubAgentError:
			log.Warn().Err(e.Err).Msg("sub-agent error")
		case event.KindContextWarning:
			fmt.Println("\n[context: approaching window limit]")
		case event.KindContextPruned:
			fmt.Println("\n[context: pruned older turns]")
		case event.KindError:
			fmt.Fprintf(os.Stderr, "\n[error] %v\n", e.Err)
		}
	}
}

// promptApproval reads one line from the shared stdin channel and resolves
// the pending HITL request: y = allow once, a = always allow, n = deny,
// x = deny and abort the turn.
func promptApproval(approvals *policy.PendingApprovals, requestID string, lines <-chan string) {
	fmt.Print("[approve? y=once a=always n=deny x=abort] ")
	line, ok := <-lines
	if !ok {
		approvals.Resolve(requestID, policy.Deny2)
		return
	}
	switch line {
	case "y", "Y":
		approvals.Resolve(requestID, policy.AllowOnce)
	case "a", "A":
		approvals.Resolve(requestID, policy.AlwaysAllow)
	case "x", "X":
		approvals.Resolve(requestID, policy.DenyAndAbort)
	default:
		approvals.Resolve(requestID, policy.Deny2)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
