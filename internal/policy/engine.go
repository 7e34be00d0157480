package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

// DecisionQuery is the rego rule every admission policy must define
const DecisionQuery = "data.analyst.admission.decision"

const builtinSource = "builtin"

//go:embed default.rego
var defaultPolicy string

// Engine decides whether an analysis request is admitted
type Engine interface {
	Evaluate(ctx context.Context, input *AdmissionInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Mode() Mode
}

// AdmissionInput is the document a policy sees as `input`.
// Params are the request params as submitted, before clamping.
type AdmissionInput struct {
	ProductName  string       `json:"product_name"`
	AnalysisType string       `json:"analysis_type"`
	Params       state.Params `json:"params"`
	ClientIP     string       `json:"client_ip,omitempty"`
	Subject      string       `json:"subject,omitempty"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}

type compiledPolicy struct {
	query   rego.PreparedEvalQuery
	source  string
	version string
	modules int
}

// OPAEngine implements Engine with a prepared rego query. LoadPolicies may be
// called at any time to swap in a new policy set.
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	compiled atomic.Pointer[compiledPolicy]
	loadMu   sync.Mutex
	cache    *decisionCache
}

// NewOPAEngine creates an engine and loads its policies. In fail-open mode a
// load error leaves the engine admitting everything.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config: config,
		logger: logger,
		cache:  newDecisionCache(config.CacheSize, config.CacheTTL),
	}
	if config.Mode == ModeOff {
		return engine, nil
	}
	if err := engine.LoadPolicies(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, running in fail-open mode", zap.Error(err))
	}
	return engine, nil
}

// LoadPolicies compiles the configured policy set. On failure the previously
// loaded policies stay active.
func (e *OPAEngine) LoadPolicies() error {
	if e.config.Mode == ModeOff {
		return nil
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	source := e.config.Path
	policies, err := e.readPolicies()
	if err != nil {
		RecordError("load", e.config.Mode)
		return err
	}
	if len(policies) == 0 {
		e.logger.Warn("No policy files found, using built-in admission policy", zap.String("path", e.config.Path))
		source = builtinSource
		policies = map[string]string{"builtin/admission": defaultPolicy}
	}

	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		RecordError("compile", e.config.Mode)
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(policies)
	e.compiled.Store(&compiledPolicy{
		query:   prepared,
		source:  source,
		version: version,
		modules: len(policies),
	})
	e.cache.Purge()
	RecordCacheSize(0)
	RecordPolicyLoad(source, version, len(policies), float64(time.Now().Unix()))

	e.logger.Info("Admission policies loaded",
		zap.String("source", source),
		zap.Int("policy_count", len(policies)),
		zap.String("version", version),
	)
	return nil
}

// readPolicies returns module name to content. Path may be a single file or a
// directory walked recursively.
func (e *OPAEngine) readPolicies() (map[string]string, error) {
	policies := make(map[string]string)
	if e.config.Path == "" {
		return policies, nil
	}
	info, err := os.Stat(e.config.Path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	if !info.IsDir() {
		content, err := os.ReadFile(e.config.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", e.config.Path, err)
		}
		policies[strings.TrimSuffix(filepath.Base(e.config.Path), ".rego")] = string(content)
		return policies, nil
	}

	err = filepath.WalkDir(e.config.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(rel, ".rego")] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	return policies, nil
}

// Evaluate evaluates the admission policy for one request
func (e *OPAEngine) Evaluate(ctx context.Context, input *AdmissionInput) (*Decision, error) {
	start := time.Now()
	mode := e.config.Mode

	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"mode": string(mode),
		},
	}

	compiled := e.compiled.Load()
	if mode == ModeOff || compiled == nil {
		if mode == ModeOff {
			defaultDecision.Allow = true
		}
		return defaultDecision, nil
	}
	if input == nil {
		input = &AdmissionInput{}
	}

	key, err := cacheKey(input)
	if err == nil {
		if d, ok := e.cache.Get(key); ok {
			RecordCacheLookup(true)
			RecordEvaluationDuration(mode, true, time.Since(start).Seconds())
			return d, nil
		}
		RecordCacheLookup(false)
	}

	inputMap, err := inputToMap(input)
	if err != nil {
		e.logger.Error("Failed to convert admission input", zap.Error(err))
		RecordError("input_conversion", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := compiled.query.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		RecordError("policy_evaluation", mode)
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := parseResults(results)
	decision.PolicyVersion = compiled.version
	decision.AuditTags = map[string]string{
		"mode":   string(mode),
		"source": compiled.source,
	}
	if !decision.Allow {
		RecordDenyReason(decision.Reason)
	}
	decision = e.applyMode(decision, input)

	RecordEvaluation(decision.Allow, mode)
	RecordEvaluationDuration(mode, false, time.Since(start).Seconds())
	e.logger.Debug("Admission policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.String("product_name", input.ProductName),
		zap.Duration("duration", time.Since(start)),
	)

	if key != "" {
		RecordCacheSize(e.cache.Set(key, decision))
	}
	return decision, nil
}

// IsEnabled reports whether a compiled policy is being evaluated
func (e *OPAEngine) IsEnabled() bool {
	return e.config.Mode != ModeOff && e.compiled.Load() != nil
}

// Mode returns the configured enforcement mode for the engine
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// Version returns the hash of the loaded policy set, empty when none is loaded
func (e *OPAEngine) Version() string {
	if c := e.compiled.Load(); c != nil {
		return c.version
	}
	return ""
}

// applyMode turns a deny into an allow in dry-run mode
func (e *OPAEngine) applyMode(decision *Decision, input *AdmissionInput) *Decision {
	if e.config.Mode != ModeDryRun || decision.Allow {
		return decision
	}
	original := decision.Reason
	decision.Allow = true
	decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", original)
	decision.AuditTags["would_deny"] = "true"
	RecordDryRunDivergence()
	e.logger.Info("Dry-run policy evaluation",
		zap.Bool("would_allow", false),
		zap.String("original_reason", original),
		zap.String("product_name", input.ProductName),
		zap.String("client_ip", input.ClientIP),
	)
	return decision
}

func inputToMap(input *AdmissionInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseResults accepts either {"allow": bool, "reason": string} or a bare bool
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{
		Allow:  false,
		Reason: "no matching policy rules",
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = v
		if v {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func cacheKey(input *AdmissionInput) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64()), nil
}

// policyVersion hashes module names and contents in sorted order
func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap    int
	ttl    time.Duration
	mu     sync.Mutex
	list   *list.List // MRU at front
	m      map[string]*list.Element
	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) Get(key string) (*Decision, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			d := ce.decision
			return &d, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

// Set stores a copy of d and returns the resulting size
func (c *decisionCache) Set(key string, d *Decision) int {
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: *d}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return c.list.Len()
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			delete(c.m, lru.Value.(cacheEntry).key)
			c.list.Remove(lru)
		}
	}
	return c.list.Len()
}

func (c *decisionCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

// Stats returns cumulative cache hit/miss counts
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
