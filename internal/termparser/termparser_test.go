package termparser

import (
	"bytes"
	"testing"
)

func TestPromptBoundaries(t *testing.T) {
	p := New()

	res := p.Parse([]byte("\x1b]133;A\x07$ \x1b]133;B\x07"))
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(res.Events), res.Events)
	}
	if res.Events[0].Kind != EventPromptStart {
		t.Errorf("expected PromptStart, got %v", res.Events[0].Kind)
	}
	if res.Events[1].Kind != EventPromptEnd {
		t.Errorf("expected PromptEnd, got %v", res.Events[1].Kind)
	}
	if string(res.Output) != "" {
		t.Errorf("prompt text should be filtered, got %q", res.Output)
	}
}

func TestCommandStartWithInlineArg(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b]133;C;ls -la\x07"))
	if len(res.Events) != 1 || res.Events[0].Kind != EventCommandStart {
		t.Fatalf("expected single CommandStart, got %+v", res.Events)
	}
	if res.Events[0].Command != "ls -la" {
		t.Errorf("expected command %q, got %q", "ls -la", res.Events[0].Command)
	}
}

func TestCommandEndDefaultsToZero(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b]133;D\x07"))
	if len(res.Events) != 1 || res.Events[0].Kind != EventCommandEnd {
		t.Fatalf("expected CommandEnd, got %+v", res.Events)
	}
	if res.Events[0].ExitCode != 0 {
		t.Errorf("expected default exit code 0, got %d", res.Events[0].ExitCode)
	}
}

func TestCommandEndWithExplicitCode(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b]133;D;1\x07"))
	if res.Events[0].ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", res.Events[0].ExitCode)
	}
}

func TestOutputPassthroughOutsidePrompt(t *testing.T) {
	p := New()
	res := p.Parse([]byte("hello\nworld\n"))
	if len(res.Events) != 0 {
		t.Fatalf("expected no events, got %+v", res.Events)
	}
	if string(res.Output) != "hello\nworld\n" {
		t.Errorf("expected passthrough, got %q", res.Output)
	}
}

func TestDirectoryChangedDedup(t *testing.T) {
	p := New()
	seq := []byte("\x1b]7;file://host/home/user\x07")
	res := p.Parse(seq)
	if len(res.Events) != 1 || res.Events[0].Kind != EventDirectoryChanged {
		t.Fatalf("expected DirectoryChanged, got %+v", res.Events)
	}
	if res.Events[0].Path != "/home/user" {
		t.Errorf("expected /home/user, got %q", res.Events[0].Path)
	}

	// Same directory again must not re-emit.
	res2 := p.Parse(seq)
	if len(res2.Events) != 0 {
		t.Errorf("expected dedup of repeated directory, got %+v", res2.Events)
	}
}

func TestDirectoryURLDecoding(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b]7;file://host/home/user/My%20Project\x07"))
	if res.Events[0].Path != "/home/user/My Project" {
		t.Errorf("expected decoded space, got %q", res.Events[0].Path)
	}
}

func TestVirtualEnvChangedFormats(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b]1337;VirtualEnv=myenv\x07"))
	if len(res.Events) != 1 || res.Events[0].VEnvName != "myenv" {
		t.Fatalf("expected VirtualEnvChanged(myenv), got %+v", res.Events)
	}

	p2 := New()
	res2 := p2.Parse([]byte("\x1b]1337;otherenv\x07"))
	if res2.Events[0].VEnvName != "otherenv" {
		t.Errorf("expected bare-name form to work, got %+v", res2.Events)
	}
}

func TestAlternateScreenDedup(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b[?1049h"))
	if len(res.Events) != 1 || res.Events[0].Kind != EventAlternateScreenEnabled {
		t.Fatalf("expected AlternateScreenEnabled, got %+v", res.Events)
	}
	if !p.InAlternateScreen() {
		t.Error("expected alternate screen to be active")
	}

	// Entering again via a different mode number must not re-emit.
	res2 := p.Parse([]byte("\x1b[?47h"))
	if len(res2.Events) != 0 {
		t.Errorf("expected no duplicate enable event, got %+v", res2.Events)
	}

	res3 := p.Parse([]byte("\x1b[?1049l"))
	if len(res3.Events) != 1 || res3.Events[0].Kind != EventAlternateScreenDisabled {
		t.Fatalf("expected AlternateScreenDisabled, got %+v", res3.Events)
	}
}

func TestSynchronizedOutputEmitsEveryTime(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b[?2026h\x1b[?2026h"))
	if len(res.Events) != 2 {
		t.Fatalf("expected no dedup for synchronized output, got %d events", len(res.Events))
	}
	for _, ev := range res.Events {
		if ev.Kind != EventSynchronizedOutputEnabled {
			t.Errorf("expected SynchronizedOutputEnabled, got %v", ev.Kind)
		}
	}
}

func TestAlternateScreenForcesRawOutputForEntireCall(t *testing.T) {
	p := New()
	raw := []byte("before\x1b[?1049hafter")
	res := p.Parse(raw)
	if !bytes.Equal(res.Output, raw) {
		t.Errorf("expected entire call raw once alt-screen activates, got %q", res.Output)
	}
}

func TestSplitSequenceAcrossCalls(t *testing.T) {
	p := New()
	res1 := p.Parse([]byte("\x1b]133"))
	if len(res1.Events) != 0 {
		t.Fatalf("expected no events from partial sequence, got %+v", res1.Events)
	}
	res2 := p.Parse([]byte(";A\x07"))
	if len(res2.Events) != 1 || res2.Events[0].Kind != EventPromptStart {
		t.Fatalf("expected PromptStart after reassembly, got %+v", res2.Events)
	}
}

func TestMalformedOSCDroppedSilently(t *testing.T) {
	p := New()
	res := p.Parse([]byte("\x1b]9999;garbage\x07visible"))
	if len(res.Events) != 0 {
		t.Errorf("expected unknown OSC command to be dropped, got %+v", res.Events)
	}
	if string(res.Output) != "visible" {
		t.Errorf("expected trailing text to still pass through, got %q", res.Output)
	}
}
