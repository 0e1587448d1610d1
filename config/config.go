// Package config loads and saves the session policy configuration: API
// credentials, model tier selection, approval flags, budget ceilings and
// external capability-server registrations. The core consumes these values;
// editing them is a concern of the settings collaborator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ModelTier names one of the three supported model tiers.
type ModelTier string

const (
	// TierFast trades quality for latency and cost.
	TierFast ModelTier = "fast"
	// TierBalanced is the default tier.
	TierBalanced ModelTier = "balanced"
	// TierPowerful is the most capable and most expensive tier.
	TierPowerful ModelTier = "powerful"
)

const (
	// DefaultMaxBudgetPerSession is the currency ceiling applied when the
	// settings file does not specify one.
	DefaultMaxBudgetPerSession = 5.0
	// DefaultMaxTurns is the per-query turn ceiling default.
	DefaultMaxTurns = 25
)

// Pricing is the per-million-token price for a tier, in currency units.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var tierPricing = map[ModelTier]Pricing{
	TierFast:     {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	TierBalanced: {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	TierPowerful: {InputPerMTok: 15.00, OutputPerMTok: 75.00},
}

// Cost converts token usage into currency units under this price table.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// PricingFor returns the price table for a tier, defaulting to balanced for
// unknown tiers.
func PricingFor(tier ModelTier) Pricing {
	if p, ok := tierPricing[tier]; ok {
		return p
	}
	return tierPricing[TierBalanced]
}

// McpServerConfig registers one external capability server. Each enabled
// entry contributes tool names the executor may be asked to dispatch;
// malformed or disabled entries are excluded from the available tool set,
// never a fatal configuration error.
type McpServerConfig struct {
	ID      string            `json:"id"`
	Name    string            `json:"name,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Valid reports whether the entry can be launched at all.
func (c McpServerConfig) Valid() bool {
	return c.ID != "" && c.Command != ""
}

// Settings is the externally edited session configuration.
type Settings struct {
	APIKey                 string            `json:"apiKey,omitempty"`
	Model                  ModelTier         `json:"model"`
	AutoApproveVaultReads  bool              `json:"autoApproveVaultReads"`
	AutoApproveVaultWrites bool              `json:"autoApproveVaultWrites"`
	RequireBashApproval    bool              `json:"requireBashApproval"`
	AlwaysAllowedTools     []string          `json:"alwaysAllowedTools,omitempty"`
	MaxBudgetPerSession    float64           `json:"maxBudgetPerSession"`
	MaxTurns               int               `json:"maxTurns"`
	McpServers             []McpServerConfig `json:"mcpServers,omitempty"`
}

// DefaultSettings returns the baseline configuration: balanced tier, all
// approvals required, default ceilings.
func DefaultSettings() *Settings {
	return &Settings{
		Model:               TierBalanced,
		RequireBashApproval: true,
		MaxBudgetPerSession: DefaultMaxBudgetPerSession,
		MaxTurns:            DefaultMaxTurns,
	}
}

// Normalize repairs out-of-range values in place: unknown tiers fall back to
// balanced, non-positive ceilings fall back to defaults.
func (s *Settings) Normalize() {
	if _, ok := tierPricing[s.Model]; !ok {
		s.Model = TierBalanced
	}
	if s.MaxBudgetPerSession <= 0 {
		s.MaxBudgetPerSession = DefaultMaxBudgetPerSession
	}
	if s.MaxTurns <= 0 {
		s.MaxTurns = DefaultMaxTurns
	}
}

// EnabledServers returns the launchable capability-server entries.
func (s *Settings) EnabledServers() []McpServerConfig {
	var out []McpServerConfig
	for _, srv := range s.McpServers {
		if srv.Enabled && srv.Valid() {
			out = append(out, srv)
		}
	}
	return out
}

// Load reads settings from path. A missing file yields defaults, not an
// error; a malformed file is an error.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s.Normalize()
	return s, nil
}

// Save writes settings to path atomically (write-temp-then-rename).
func Save(path string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
