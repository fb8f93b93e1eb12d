// Package types holds the data model shared by every component of the
// reasoning-orchestration core: messages, provider/model configuration,
// usage accounting, and the small value types that cross package
// boundaries without pulling in their owning package's dependencies.
package types

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Role is one of the three message roles the engine ever produces or consumes.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one element of a multimodal message. Text-only messages
// never need this; it exists so cache-key normalisation (see internal/cache)
// has something concrete to walk.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a single turn in a conversation. Content is either a plain
// string or a slice of ContentPart; Parts is nil for plain-text messages.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	// CacheControl marks this message as a prompt-caching boundary for the
	// messages-with-cache-control provider variant. Nil means "no marker".
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl mirrors Anthropic's ephemeral cache-control marker; it is the
// only shape the engine ever emits.
type CacheControl struct {
	Type string `json:"type"`
}

// IsMultimodal reports whether the message carries structured parts instead
// of a plain string.
func (m Message) IsMultimodal() bool { return len(m.Parts) > 0 }

// Text returns the message's plain-text content, concatenating multimodal
// text parts when Content is empty.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var b strings.Builder
	for i, p := range m.Parts {
		if p.Text == "" {
			continue
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// ProviderCapabilities is a flag set describing what an adapter can do.
// The engine never probes a provider at runtime; capabilities are declared
// once in ProviderConfig and drive every dispatch decision in C7/C8.
type ProviderCapabilities struct {
	SupportsResponses bool
	SupportsStreaming bool
	SupportsVision    bool
	SupportsThinking  bool
	SupportsCaching   bool
}

var envPlaceholder = regexp.MustCompile(`\$\{[^}]+\}|\$[A-Z_][A-Z0-9_]*`)

// ProviderConfig describes one backend: where it lives, how to authenticate,
// and what it can do. It is immutable after Validate succeeds.
type ProviderConfig struct {
	ID             string
	BaseURL        string
	APIKey         string
	Timeout        float64 // seconds
	MaxRetries     int
	Capabilities   ProviderCapabilities
}

// Validate returns every violation found, not just the first — configuration
// errors are collected in a batch rather than raised one field at a time.
func (c ProviderConfig) Validate() []error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, fmt.Errorf("provider %q: id is required", c.ID))
	}
	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("provider %q: base_url %q is not a valid http(s) URL", c.ID, c.BaseURL))
		}
	}
	if c.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider %q: api_key must not be empty", c.ID))
	} else if envPlaceholder.MatchString(c.APIKey) {
		errs = append(errs, fmt.Errorf("provider %q: api_key contains an unresolved placeholder %q", c.ID, c.APIKey))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("provider %q: timeout must be > 0, got %v", c.ID, c.Timeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("provider %q: max_retries must be >= 0, got %d", c.ID, c.MaxRetries))
	}
	return errs
}

// Level is the reasoning mode a ModelConfig runs under.
type Level string

const (
	LevelDeepThink  Level = "deepthink"
	LevelUltraThink Level = "ultrathink"
)

// Stage names a sub-step of an engine run. Each may route to a distinct
// underlying model via ModelConfig.StageModels.
type Stage string

const (
	StageInitial      Stage = "initial"
	StageVerification Stage = "verification"
	StageCorrection   Stage = "correction"
	StageImprovement  Stage = "improvement"
	StageSummary      Stage = "summary"
	StagePlanning     Stage = "planning"
	StageAgentConfig  Stage = "agent_config"
	StageSynthesis    Stage = "synthesis"
)

// ModelConfig is a logical model entry: which provider it resolves to, and
// every knob the DeepThink/UltraThink engines read.
type ModelConfig struct {
	ID                   string
	DisplayName          string
	ProviderID           string
	UnderlyingModel      string
	Level                Level
	MaxIterations        int
	RequiredVerifications int
	MaxErrors            int
	NumAgents            int // UltraThink only; 0 means "not set"
	ParallelRunAgents    int
	StageModels          map[Stage]string
	RPM                  float64 // 0 means "not set"
}

// Validate returns every violation found in a single pass, mirroring
// ProviderConfig.Validate's batched-error shape.
func (m ModelConfig) Validate(providers map[string]ProviderConfig) []error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, fmt.Errorf("model config: id is required"))
	}
	if _, ok := providers[m.ProviderID]; !ok {
		errs = append(errs, fmt.Errorf("model %q: provider_id %q does not resolve to a configured provider", m.ID, m.ProviderID))
	}
	if m.Level != LevelDeepThink && m.Level != LevelUltraThink {
		errs = append(errs, fmt.Errorf("model %q: level %q is not one of {deepthink, ultrathink}", m.ID, m.Level))
	}
	if m.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("model %q: max_iterations must be > 0, got %d", m.ID, m.MaxIterations))
	}
	if m.RequiredVerifications <= 0 {
		errs = append(errs, fmt.Errorf("model %q: required_verifications must be > 0, got %d", m.ID, m.RequiredVerifications))
	}
	if m.RequiredVerifications > m.MaxIterations {
		errs = append(errs, fmt.Errorf("model %q: required_verifications (%d) must not exceed max_iterations (%d)", m.ID, m.RequiredVerifications, m.MaxIterations))
	}
	if m.MaxErrors <= 0 {
		errs = append(errs, fmt.Errorf("model %q: max_errors must be > 0, got %d", m.ID, m.MaxErrors))
	}
	if m.Level == LevelUltraThink {
		if m.NumAgents <= 0 {
			errs = append(errs, fmt.Errorf("model %q: num_agents must be > 0 for ultrathink, got %d", m.ID, m.NumAgents))
		}
		if m.ParallelRunAgents <= 0 {
			errs = append(errs, fmt.Errorf("model %q: parallel_run_agents must be > 0 for ultrathink, got %d", m.ID, m.ParallelRunAgents))
		}
	}
	return errs
}

// StageModel resolves the underlying model name for a stage, falling back
// to the config's default underlying model when no override is set.
func (m ModelConfig) StageModel(stage Stage) string {
	if model, ok := m.StageModels[stage]; ok && model != "" {
		return model
	}
	return m.UnderlyingModel
}

// UsageStats tracks token counts across one or more LLM calls.
//
// Token counting assumption (mirrors every major provider's accounting):
// cached_tokens is a subset of input_tokens, reasoning_tokens is a subset
// of output_tokens — both are already included in their parent count.
type UsageStats struct {
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	ReasoningTokens int64

	// Anomalous is set by Validate when the subset invariants above are
	// violated. The meter warns and continues; callers may surface this flag
	// rather than silently trusting the counts.
	Anomalous bool
}

// TotalTokens is input + output, following the provider convention of not
// double-counting cached/reasoning tokens since they're subsets.
func (u UsageStats) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

// UncachedInput is the billable (non-cached) portion of input tokens.
func (u UsageStats) UncachedInput() int64 { return u.InputTokens - u.CachedTokens }

// RegularOutput is the billable (non-reasoning) portion of output tokens.
func (u UsageStats) RegularOutput() int64 { return u.OutputTokens - u.ReasoningTokens }

// Validate checks the subset invariants, returning whether it found a
// violation. It never returns an error — these anomalies are warnings.
func (u *UsageStats) Validate() bool {
	u.Anomalous = u.CachedTokens > u.InputTokens || u.ReasoningTokens > u.OutputTokens
	return u.Anomalous
}

// Add accumulates another UsageStats into this one in place.
func (u *UsageStats) Add(other UsageStats) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedTokens += other.CachedTokens
	u.ReasoningTokens += other.ReasoningTokens
}

// PricingEntry is USD-per-token pricing for one (provider, underlying_model).
type PricingEntry struct {
	Prompt       float64 `json:"prompt"`
	Completion   float64 `json:"completion"`
	CachedPrompt float64 `json:"cached_prompt"`
	Reasoning    float64 `json:"reasoning"`
}

// CallResult is the normalised shape every provider adapter returns,
// regardless of wire variant.
type CallResult struct {
	Text       string
	ResponseID string // only set by the responses variant
	Usage      UsageStats
	Raw        any
}

// AgentResult is one DeepThink worker's full output, as owned by the
// UltraThink run that spawned it. Never shared across runs.
type AgentResult struct {
	AgentID          string
	FinalSolution    string
	Reasoning        string
	Iterations       int
	Verifications    []VerificationLog
	TokenUsage       UsageStats
	VerificationsMet bool
	EstimatedCostUSD float64
	Metadata         map[string]any
}

// UltraThinkResult is the full payload of one plan/fan-out/synthesize run,
// returned with every agent's result intact for traceability.
type UltraThinkResult struct {
	Summary                string
	Plan                   string
	AgentResults           []AgentResult
	Synthesis              string
	SynthesisVerified      bool
	SynthesisVerifications []VerificationLog
	TokenUsage             UsageStats
	EstimatedCostUSD       float64
}

// VerificationLog is one judge (or arithmetic-check) pass recorded during a
// DeepThink run.
type VerificationLog struct {
	Verdict    string
	Confidence float64
	Reasons    []string
	Issues     []string
	Pass       bool
}
