package contextmgr

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/symb/internal/event"
	"github.com/xonecas/symb/internal/message"
)

// TrimConfig configures pruning and truncation behavior.
type TrimConfig struct {
	Enabled                bool
	TargetUtilization      float64 // e.g. 0.7
	AggressiveOnCritical   bool
	MaxToolResponseTokens  int
	ProtectedRecentTurns   int
	DetailedTracking       bool
}

// DefaultTrimConfig returns the stock trim settings: disabled, 70%
// target, 25k tool-response cap, two protected recent turns.
func DefaultTrimConfig() TrimConfig {
	return TrimConfig{
		Enabled:               false,
		TargetUtilization:     0.7,
		AggressiveOnCritical:  true,
		MaxToolResponseTokens: 25_000,
		ProtectedRecentTurns:  2,
		DetailedTracking:      true,
	}
}

// WarningInfo describes a Warning/Alert/Critical level utilization without
// necessarily triggering a prune.
type WarningInfo struct {
	Utilization float64
	TotalTokens int
	MaxTokens   int
}

// PrunedInfo describes a completed pruning pass.
type PrunedInfo struct {
	MessagesRemoved   int
	TokensFreed       int
	UtilizationBefore float64
	UtilizationAfter  float64
}

// EnforcementResult is the outcome of EnforceContextWindow.
type EnforcementResult struct {
	Messages    message.History
	WarningInfo *WarningInfo
	PrunedInfo  *PrunedInfo
}

// Manager coordinates token budgeting, pruning, and truncation for one
// bridge. The token-budget store and pruner state
// are shared read-mostly objects; mutation happens only under mu.
type Manager struct {
	mu     sync.RWMutex
	budget BudgetState
	trim   TrimConfig
	pruner pruner
	enabled bool

	bus event.Sink // optional, best-effort
}

// NewManager creates a Manager for the given model with management
// disabled by default; call SetEnabled(true) or use NewManagerEnabled to
// turn it on.
func NewManager(model string) *Manager {
	trim := DefaultTrimConfig()
	return &Manager{
		budget: BudgetState{Config: DefaultBudgetConfig(model)},
		trim:   trim,
		pruner: pruner{protectedRecentTurns: trim.ProtectedRecentTurns, detailedTracking: trim.DetailedTracking},
	}
}

// NewManagerEnabled creates a Manager with context management turned on.
func NewManagerEnabled(model string) *Manager {
	m := NewManager(model)
	m.enabled = true
	m.trim.Enabled = true
	return m
}

// SetSink wires a best-effort event sink for ContextWarning/ContextPruned
// notifications.
func (m *Manager) SetSink(s event.Sink) { m.bus = s }

// SetEnabled toggles both token budgeting and trimming.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	m.trim.Enabled = enabled
}

// SetTrimLimits overrides the tool-response cap and the protected history
// tail. Zero values keep the current setting.
func (m *Manager) SetTrimLimits(maxToolResponseTokens, protectedRecentTurns int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxToolResponseTokens > 0 {
		m.trim.MaxToolResponseTokens = maxToolResponseTokens
	}
	if protectedRecentTurns > 0 {
		m.trim.ProtectedRecentTurns = protectedRecentTurns
		m.pruner.protectedRecentTurns = protectedRecentTurns
	}
}

// IsEnabled reports whether context management is active.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// UpdateFromMessages recomputes bucketed token stats from the given history.
func (m *Manager) UpdateFromMessages(history message.History) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateFromMessagesLocked(history)
}

func (m *Manager) updateFromMessagesLocked(history message.History) {
	var stats DetailedStats
	for _, msg := range history {
		tokens := estimateMessageTokens(msg)
		switch {
		case isToolResultMessage(msg):
			stats.ToolTokens += tokens
		case msg.Role == message.RoleUser:
			stats.UserTokens += tokens
		case msg.Role == message.RoleAssistant:
			stats.AssistantTokens += tokens
		}
	}
	m.budget.DetailedStats = stats
}

// EnforceContextWindow returns the (possibly pruned) messages plus any
// warning/prune descriptors.
func (m *Manager) EnforceContextWindow(history message.History) EnforcementResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled || !m.trim.Enabled {
		return EnforcementResult{Messages: history}
	}

	utilizationBefore := m.budget.Utilization()
	level := m.budget.AlertLevelFor(utilizationBefore)
	stats := m.budget.DetailedStats

	var warning *WarningInfo
	if level >= Warning {
		warning = &WarningInfo{Utilization: utilizationBefore, TotalTokens: stats.Total(), MaxTokens: m.budget.Config.MaxContextTokens}
	}

	if level < Alert {
		return EnforcementResult{Messages: history, WarningInfo: warning}
	}

	target := m.trim.TargetUtilization
	aggressive := level == Critical && m.trim.AggressiveOnCritical
	if aggressive {
		target *= 0.8
	}
	targetTokens := int(float64(m.budget.Config.Available()) * target)

	m.pruner.aggressive = aggressive
	result := m.pruner.prune(history, targetTokens)
	if !result.Pruned {
		return EnforcementResult{Messages: history, WarningInfo: warning}
	}

	kept := make(message.History, 0, len(result.KeptIndices))
	for _, i := range result.KeptIndices {
		kept = append(kept, history[i])
	}
	m.updateFromMessagesLocked(kept)
	utilizationAfter := m.budget.Utilization()

	pruned := &PrunedInfo{
		MessagesRemoved:   len(result.PrunedIndices),
		TokensFreed:       result.PrunedTokens,
		UtilizationBefore: utilizationBefore,
		UtilizationAfter:  utilizationAfter,
	}

	log.Info().
		Int("messages_removed", pruned.MessagesRemoved).
		Int("tokens_freed", pruned.TokensFreed).
		Float64("utilization_before", utilizationBefore).
		Float64("utilization_after", utilizationAfter).
		Msg("context pruned")

	if m.bus != nil {
		m.bus.Publish(event.Event{Kind: event.KindContextPruned})
	}

	return EnforcementResult{Messages: kept, PrunedInfo: pruned}
}

// Summary reports the current context state for diagnostics.
type Summary struct {
	TotalTokens     int
	MaxTokens       int
	AvailableTokens int
	Utilization     float64
	AlertLevel      AlertLevel
	Stats           DetailedStats
	WarningThreshold float64
	AlertThreshold   float64
}

// GetSummary returns a Summary snapshot.
func (m *Manager) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Summary{
		TotalTokens:      m.budget.DetailedStats.Total(),
		MaxTokens:        m.budget.Config.MaxContextTokens,
		AvailableTokens:  m.budget.Config.Available(),
		Utilization:      m.budget.Utilization(),
		AlertLevel:       m.budget.AlertLevel(),
		Stats:            m.budget.DetailedStats,
		WarningThreshold: m.budget.Config.WarningThreshold,
		AlertThreshold:   m.budget.Config.AlertThreshold,
	}
}
