// Package contextmgr implements token budgeting, threshold-driven
// alerts, history pruning, and tool-output truncation for the agentic
// loop.
package contextmgr

// AlertLevel classifies token utilization.
type AlertLevel int

const (
	Normal AlertLevel = iota
	Warning
	Alert
	Critical
)

func (l AlertLevel) String() string {
	switch l {
	case Warning:
		return "warning"
	case Alert:
		return "alert"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// BudgetConfig is the static configuration for one model's token budget.
type BudgetConfig struct {
	MaxContextTokens    int
	ReservedSystem      int
	ReservedResponse    int
	WarningThreshold    float64 // e.g. 0.70
	AlertThreshold      float64 // e.g. 0.80
}

// Available returns the token budget left for conversation content after
// reserving system preamble and response headroom.
func (c BudgetConfig) Available() int {
	avail := c.MaxContextTokens - c.ReservedSystem - c.ReservedResponse
	if avail < 0 {
		return 0
	}
	return avail
}

// DefaultBudgetConfig returns sane defaults, scaled by model name when a
// known context window applies; unknown models fall back to a conservative
// 128k window, without needing a live per-provider catalog.
func DefaultBudgetConfig(model string) BudgetConfig {
	maxCtx := contextWindowForModel(model)
	return BudgetConfig{
		MaxContextTokens: maxCtx,
		ReservedSystem:   maxCtx / 20, // 5%
		ReservedResponse: 4096,
		WarningThreshold: 0.70,
		AlertThreshold:   0.80,
	}
}

var modelContextWindows = map[string]int{
	"claude-opus-4":       200_000,
	"claude-sonnet-4":     200_000,
	"claude-3-5-sonnet":   200_000,
	"claude-3-5-haiku":    200_000,
	"gpt-4o":              128_000,
	"gpt-4.1":             1_047_576,
	"o3":                  200_000,
	"gemini-2.5-pro":      1_048_576,
}

func contextWindowForModel(model string) int {
	if w, ok := modelContextWindows[model]; ok {
		return w
	}
	return 128_000
}

// DetailedStats partitions observed tokens into category buckets.
type DetailedStats struct {
	SystemTokens    int
	UserTokens      int
	AssistantTokens int
	ToolTokens      int
}

// Total sums all buckets.
func (s DetailedStats) Total() int {
	return s.SystemTokens + s.UserTokens + s.AssistantTokens + s.ToolTokens
}

// BudgetState is the mutable, shared read-mostly token accounting object.
type BudgetState struct {
	Config        BudgetConfig
	DetailedStats DetailedStats
}

// Utilization returns total tokens used over the available budget, in [0, +inf).
func (s BudgetState) Utilization() float64 {
	avail := s.Config.Available()
	if avail <= 0 {
		return 1.0
	}
	return float64(s.DetailedStats.Total()) / float64(avail)
}

// AlertLevelFor classifies a given utilization against this state's config.
func (s BudgetState) AlertLevelFor(utilization float64) AlertLevel {
	switch {
	case utilization >= 1.0:
		return Critical
	case utilization >= s.Config.AlertThreshold:
		return Alert
	case utilization >= s.Config.WarningThreshold:
		return Warning
	default:
		return Normal
	}
}

// AlertLevel classifies the state's current utilization.
func (s BudgetState) AlertLevel() AlertLevel {
	return s.AlertLevelFor(s.Utilization())
}

// EstimateTokens estimates token count via character_count/4 — the
// heuristic fallback used when a provider does not report usage.
func EstimateTokens(text string) int {
	return len(text) / 4
}
