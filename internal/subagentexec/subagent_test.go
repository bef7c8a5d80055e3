package subagentexec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xonecas/symb/internal/planmgr"
	"github.com/xonecas/symb/internal/providerapi"
	"github.com/xonecas/symb/internal/toolset"
)

// scriptedProvider replays one chunk sequence per Stream call, in order,
// repeating the last sequence once exhausted. A sequence entry whose chunk
// carries a Delay stalls that long before being sent, for idle-timeout
// tests.
type scriptedChunk struct {
	providerapi.Chunk
	Delay time.Duration
}

type scriptedProvider struct {
	sequences [][]scriptedChunk
	calls     int
}

func (p *scriptedProvider) Stream(ctx context.Context, req providerapi.Request) (<-chan providerapi.Chunk, error) {
	idx := p.calls
	p.calls++
	var seq []scriptedChunk
	switch {
	case idx < len(p.sequences):
		seq = p.sequences[idx]
	case len(p.sequences) > 0:
		seq = p.sequences[len(p.sequences)-1]
	}
	ch := make(chan providerapi.Chunk)
	go func() {
		defer close(ch)
		for _, c := range seq {
			if c.Delay > 0 {
				select {
				case <-time.After(c.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c.Chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Completion(ctx context.Context, req providerapi.Request) (*providerapi.Response, error) {
	return &providerapi.Response{}, nil
}
func (p *scriptedProvider) SupportsTemperature(model string) bool     { return true }
func (p *scriptedProvider) SupportsReasoningReplay(model string) bool { return false }

func textChunk(s string) scriptedChunk {
	return scriptedChunk{Chunk: providerapi.Chunk{Kind: providerapi.ChunkText, Text: s}}
}

// TestSingleTurnNoTool covers a plain sub-agent run with no tool calls.
func TestSingleTurnNoTool(t *testing.T) {
	prov := &scriptedProvider{sequences: [][]scriptedChunk{{textChunk("done")}}}
	exec := &Executor{Provider: prov, Model: "mock"}

	def := Definition{ID: "reviewer", Name: "reviewer", AllowedTools: nil}
	res, err := exec.Run(context.Background(), def, Context{OriginalRequest: "review x"}, "req1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Response != "done" {
		t.Errorf("unexpected result: %+v", res)
	}
}

// TestToolCallTracksFilesModified covers file-modification tracking for
// a write-effect tool.
func TestToolCallTracksFilesModified(t *testing.T) {
	dir := t.TempDir()
	reg := toolset.NewRegistry(dir, planmgr.NewManager())

	args, _ := json.Marshal(map[string]string{"path": "out.txt", "content": "hi"})
	prov := &scriptedProvider{sequences: [][]scriptedChunk{
		{{Chunk: providerapi.Chunk{Kind: providerapi.ChunkToolCall, ToolCallID: "tc1", ToolCallName: "write_file", ToolCallArgs: args}}},
		{textChunk("wrote it")},
	}}
	exec := &Executor{Provider: prov, Model: "mock", Tools: reg, Workspace: dir}

	def := Definition{ID: "writer", Name: "writer", AllowedTools: []string{"write_file"}}
	res, err := exec.Run(context.Background(), def, Context{OriginalRequest: "write a file"}, "req2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "out.txt" {
		t.Errorf("expected files_modified=[out.txt], got %v", res.FilesModified)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("expected out.txt to exist: %v", err)
	}
}

// TestIdleTimeout stalls the stream past the idle window after one chunk
// and expects a failed result, not an error.
func TestIdleTimeout(t *testing.T) {
	prov := &scriptedProvider{sequences: [][]scriptedChunk{
		{
			textChunk("partial"),
			{Chunk: providerapi.Chunk{Kind: providerapi.ChunkText, Text: " more"}, Delay: 3 * time.Second},
		},
	}}
	exec := &Executor{Provider: prov, Model: "mock"}

	def := Definition{ID: "reviewer", Name: "reviewer", IdleTimeoutSecs: 2}

	start := time.Now()
	res, err := exec.Run(context.Background(), def, Context{OriginalRequest: "review x"}, "req3")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run should never return an error, got: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure on idle timeout, got: %+v", res)
	}
	want := "Error: Sub-agent idle timeout"
	if len(res.Response) < len(want) || res.Response[:len(want)] != want {
		// the error surfaces wrapped ("Error: %v" of the idle timeout error)
		t.Errorf("expected response to start with %q, got %q", want, res.Response)
	}
	if elapsed >= 3*time.Second {
		t.Errorf("expected the idle timeout (2s) to fire before the 3s stall, took %v", elapsed)
	}
}

// TestMaxDepthExceeded covers the max sub-agent recursion depth guard.
func TestMaxDepthExceeded(t *testing.T) {
	exec := &Executor{Provider: &scriptedProvider{}, Model: "mock"}
	def := Definition{ID: "coder", Name: "coder"}
	res, err := exec.Run(context.Background(), def, Context{Depth: MaxAgentDepth}, "req4")
	if err != nil {
		t.Fatalf("Run should never return an error, got: %v", err)
	}
	if res.Success {
		t.Error("expected failure past max depth")
	}
}

// TestCoderPostProcessingAppliesDiff checks that the coder sub-agent's
// final text is parsed as a unified diff and applied to the workspace.
func TestCoderPostProcessingAppliesDiff(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "greeting.txt")
	if err := os.WriteFile(target, []byte("hello\nworld\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	diff := "*** Update File: greeting.txt\n" +
		"@@\n" +
		" hello\n" +
		"-world\n" +
		"+there\n"

	prov := &scriptedProvider{sequences: [][]scriptedChunk{{textChunk(diff)}}}
	exec := &Executor{Provider: prov, Model: "mock", Workspace: dir}

	def := Definition{ID: coderAgentID, Name: "coder"}
	res, err := exec.Run(context.Background(), def, Context{OriginalRequest: "say there instead"}, "req5")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(res.FilesModified) != 1 || res.FilesModified[0] != "greeting.txt" {
		t.Errorf("expected files_modified=[greeting.txt], got %v", res.FilesModified)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello\nthere\n" {
		t.Errorf("unexpected file content: %q", data)
	}
}
