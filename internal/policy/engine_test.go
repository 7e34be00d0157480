package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

func writePolicy(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test policy: %v", err)
	}
	return path
}

func newEngine(t *testing.T, cfg *Config) *OPAEngine {
	t.Helper()
	engine, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create OPA engine: %v", err)
	}
	return engine
}

func TestOPAEngine_BuiltinPolicy(t *testing.T) {
	engine := newEngine(t, DefaultConfig())
	if !engine.IsEnabled() {
		t.Fatal("Engine should be enabled with the built-in policy")
	}
	if engine.Version() == "" {
		t.Error("Expected a policy version")
	}

	tests := []struct {
		name     string
		input    *AdmissionInput
		expected bool
		reason   string
	}{
		{
			name:     "plain_request",
			input:    &AdmissionInput{ProductName: "wireless earbuds", AnalysisType: "comprehensive"},
			expected: true,
		},
		{
			name:     "defaulted_type",
			input:    &AdmissionInput{ProductName: "standing desk"},
			expected: true,
		},
		{
			name:     "name_too_long",
			input:    &AdmissionInput{ProductName: strings.Repeat("x", 201), AnalysisType: "quick"},
			expected: false,
			reason:   "product name exceeds 200 characters",
		},
		{
			name:     "name_at_limit",
			input:    &AdmissionInput{ProductName: strings.Repeat("x", 200), AnalysisType: "quick"},
			expected: true,
		},
		{
			name:     "unknown_type",
			input:    &AdmissionInput{ProductName: "kettle", AnalysisType: "exhaustive"},
			expected: false,
			reason:   `unknown analysis type "exhaustive"`,
		},
		{
			name: "review_count_over_limit",
			input: &AdmissionInput{
				ProductName:  "kettle",
				AnalysisType: "detailed",
				Params:       state.Params{ReviewCount: 150},
			},
			expected: false,
			reason:   "review_count 150 exceeds 100",
		},
		{
			name: "review_count_at_limit",
			input: &AdmissionInput{
				ProductName: "kettle",
				Params:      state.Params{ReviewCount: 100},
			},
			expected: true,
		},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(ctx, tt.input)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if decision.Allow != tt.expected {
				t.Errorf("Expected allow=%v, got allow=%v, reason=%s", tt.expected, decision.Allow, decision.Reason)
			}
			if tt.reason != "" && decision.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, decision.Reason)
			}
			if decision.PolicyVersion != engine.Version() {
				t.Errorf("Expected policy version %s, got %s", engine.Version(), decision.PolicyVersion)
			}
		})
	}
}

func TestOPAEngine_MultipleDenyReasons(t *testing.T) {
	engine := newEngine(t, DefaultConfig())
	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{
		ProductName:  strings.Repeat("y", 300),
		AnalysisType: "bogus",
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allow {
		t.Fatal("Expected deny")
	}
	want := `product name exceeds 200 characters; unknown analysis type "bogus"`
	if decision.Reason != want {
		t.Errorf("Expected reason %q, got %q", want, decision.Reason)
	}
}

func TestOPAEngine_DryRunMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDryRun
	engine := newEngine(t, cfg)

	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{ProductName: "kettle", AnalysisType: "bogus"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allow {
		t.Error("Expected dry-run mode to allow request")
	}
	if !strings.HasPrefix(decision.Reason, "DRY-RUN: would have been denied") {
		t.Errorf("Expected dry-run reason prefix, got: %s", decision.Reason)
	}
	if decision.AuditTags["would_deny"] != "true" {
		t.Errorf("Expected would_deny audit tag, got %v", decision.AuditTags)
	}
}

func TestOPAEngine_OffMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeOff
	cfg.FailClosed = true
	engine := newEngine(t, cfg)

	if engine.IsEnabled() {
		t.Error("Engine should be disabled in off mode")
	}
	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{AnalysisType: "bogus"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !decision.Allow {
		t.Error("Off mode must admit everything")
	}
}

func TestOPAEngine_CustomPolicyAndReload(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "admission.rego", `package analyst.admission

import rego.v1

default decision := {"allow": false, "reason": "not on the allow list"}

decision := {"allow": true, "reason": "listed"} if {
	input.product_name == "kettle"
}
`)
	cfg := DefaultConfig()
	cfg.Path = dir
	engine := newEngine(t, cfg)
	ctx := context.Background()

	decision, err := engine.Evaluate(ctx, &AdmissionInput{ProductName: "kettle"})
	if err != nil || !decision.Allow {
		t.Fatalf("Expected kettle to be allowed, got %+v (err=%v)", decision, err)
	}
	decision, _ = engine.Evaluate(ctx, &AdmissionInput{ProductName: "toaster"})
	if decision.Allow {
		t.Fatal("Expected toaster to be denied")
	}
	if decision.AuditTags["source"] != dir {
		t.Errorf("Expected source %s, got %s", dir, decision.AuditTags["source"])
	}
	first := engine.Version()

	writePolicy(t, dir, "admission.rego", `package analyst.admission

default decision = true
`)
	if err := engine.LoadPolicies(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if engine.Version() == first {
		t.Error("Expected version to change after reload")
	}
	// the cached deny must not survive the reload
	decision, _ = engine.Evaluate(ctx, &AdmissionInput{ProductName: "toaster"})
	if !decision.Allow || decision.Reason != "allowed by policy" {
		t.Errorf("Expected boolean allow after reload, got %+v", decision)
	}

	// a broken reload keeps the last good policy
	writePolicy(t, dir, "admission.rego", "package analyst.admission\n\ndecision := {")
	if err := engine.LoadPolicies(); err == nil {
		t.Fatal("Expected compile error")
	}
	decision, _ = engine.Evaluate(ctx, &AdmissionInput{ProductName: "toaster"})
	if !decision.Allow {
		t.Error("Expected previous policy to stay active")
	}
}

func TestOPAEngine_SingleFilePath(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "deny.rego", `package analyst.admission

default decision := {"allow": false, "reason": "closed for maintenance"}
`)
	cfg := DefaultConfig()
	cfg.Path = path
	engine := newEngine(t, cfg)

	decision, err := engine.Evaluate(context.Background(), &AdmissionInput{ProductName: "kettle"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allow || decision.Reason != "closed for maintenance" {
		t.Errorf("Unexpected decision %+v", decision)
	}
}

func TestOPAEngine_LoadFailures(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "broken.rego", "package analyst.admission\n\ndecision := {")

	t.Run("fail_closed_rejects_startup", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = dir
		cfg.FailClosed = true
		if _, err := NewOPAEngine(cfg, zaptest.NewLogger(t)); err == nil {
			t.Fatal("Expected error in fail-closed mode")
		}
	})

	t.Run("fail_open_admits", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = dir
		engine := newEngine(t, cfg)
		if engine.IsEnabled() {
			t.Error("Engine should report no compiled policy")
		}
		decision, err := engine.Evaluate(context.Background(), &AdmissionInput{AnalysisType: "bogus"})
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if !decision.Allow {
			t.Error("Fail-open engine should admit")
		}
	})

	t.Run("missing_path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = filepath.Join(dir, "absent")
		cfg.FailClosed = true
		if _, err := NewOPAEngine(cfg, zaptest.NewLogger(t)); err == nil {
			t.Fatal("Expected error for missing policy path")
		}
	})

	t.Run("empty_dir_uses_builtin", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Path = t.TempDir()
		engine := newEngine(t, cfg)
		decision, _ := engine.Evaluate(context.Background(), &AdmissionInput{AnalysisType: "bogus"})
		if decision.Allow {
			t.Error("Built-in policy should deny unknown types")
		}
	})
}

func TestOPAEngine_DecisionCache(t *testing.T) {
	engine := newEngine(t, DefaultConfig())
	input := &AdmissionInput{ProductName: "kettle", AnalysisType: "quick", ClientIP: "10.0.0.1"}

	for i := 0; i < 3; i++ {
		if _, err := engine.Evaluate(context.Background(), input); err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
	}
	hits, misses := engine.cache.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("Expected 2 hits and 1 miss, got %d/%d", hits, misses)
	}

	// cached decisions are copies
	d, _ := engine.Evaluate(context.Background(), input)
	d.Allow = false
	d, _ = engine.Evaluate(context.Background(), input)
	if !d.Allow {
		t.Error("Mutating a returned decision must not affect the cache")
	}
}

func TestDecisionCacheEviction(t *testing.T) {
	c := newDecisionCache(2, 0)
	c.Set("a", &Decision{Allow: true})
	c.Set("b", &Decision{Allow: true})
	c.Get("a")
	if n := c.Set("c", &Decision{Allow: true}); n != 2 {
		t.Fatalf("Expected size 2, got %d", n)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("Expected least recently used entry to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("Expected recently used entry to survive")
	}
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"":        ModeEnforce,
		"off":     ModeOff,
		"DRY-RUN": ModeDryRun,
		"dry_run": ModeDryRun,
		"enforce": ModeEnforce,
	}
	for in, want := range tests {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("audit"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func BenchmarkOPAEngine_Evaluate(b *testing.B) {
	engine, err := NewOPAEngine(DefaultConfig(), nil)
	if err != nil {
		b.Fatalf("Failed to create OPA engine: %v", err)
	}
	ctx := context.Background()
	inputs := []*AdmissionInput{
		{ProductName: "kettle", AnalysisType: "quick"},
		{ProductName: "standing desk", AnalysisType: "comprehensive"},
		{ProductName: "earbuds", AnalysisType: "bogus"},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Evaluate(ctx, inputs[i%len(inputs)]); err != nil {
			b.Fatal(err)
		}
	}
}
