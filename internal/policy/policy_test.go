package policy

import "testing"

func TestToolPolicyDecide(t *testing.T) {
	p := NewToolPolicy(Ask)
	if got := p.Decide("read_file"); got != Ask {
		t.Errorf("unlisted tool should get the default, got %v", got)
	}

	p.Set("delete_path", Deny)
	if got := p.Decide("delete_path"); got != Deny {
		t.Errorf("explicit decision should win, got %v", got)
	}

	p.UpgradeToAllow("delete_path")
	if got := p.Decide("delete_path"); got != Allow {
		t.Errorf("always_allow upgrade should stick, got %v", got)
	}
	if got := p.Decide("read_file"); got != Ask {
		t.Errorf("upgrade must not leak to other tools, got %v", got)
	}
}

func TestPendingApprovalsResolve(t *testing.T) {
	p := NewPendingApprovals()
	r := p.Register("req-1")

	if !p.Resolve("req-1", AllowOnce) {
		t.Fatal("Resolve should find the registered request")
	}
	if got := <-r; got != AllowOnce {
		t.Errorf("responder received %v, want %v", got, AllowOnce)
	}

	if p.Resolve("req-1", Deny2) {
		t.Error("a resolved request must not be resolvable twice")
	}
	if p.Resolve("nonexistent", Deny2) {
		t.Error("an unknown request id must report false")
	}
}

func TestPendingApprovalsForget(t *testing.T) {
	p := NewPendingApprovals()
	p.Register("req-1")
	p.Forget("req-1")
	if p.Resolve("req-1", AllowOnce) {
		t.Error("a forgotten request must not be resolvable")
	}
}

func TestLoopDetectorEscalates(t *testing.T) {
	d := NewLoopDetector()

	want := []LoopVerdict{Permit, Permit, Warn, Warn, Block, Block}
	for i, expect := range want {
		if got := d.Check("read_file", `{"path":"x"}`); got != expect {
			t.Fatalf("call %d: verdict %v, want %v", i+1, got, expect)
		}
	}
}

func TestLoopDetectorRunBrokenByDifferentCall(t *testing.T) {
	d := NewLoopDetector()
	d.Check("read_file", `{"path":"x"}`)
	d.Check("read_file", `{"path":"x"}`)
	// Different arguments break the consecutive run.
	if got := d.Check("read_file", `{"path":"y"}`); got != Permit {
		t.Fatalf("different args should reset the run, got %v", got)
	}
	if got := d.Check("read_file", `{"path":"x"}`); got != Permit {
		t.Errorf("run must restart after a break, got %v", got)
	}
}

func TestLoopDetectorReset(t *testing.T) {
	d := NewLoopDetector()
	for i := 0; i < 4; i++ {
		d.Check("ls", "{}")
	}
	d.Reset()
	if got := d.Check("ls", "{}"); got != Permit {
		t.Errorf("Reset should clear history, got %v", got)
	}
}
