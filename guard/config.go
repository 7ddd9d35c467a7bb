package guard

import (
	"github.com/railguard/railguard/internal/queue"
)

// SelfCheckConfig configures the LLM self-check rail.
type SelfCheckConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Model   string `yaml:"model" json:"model"`
	Prompt  string `yaml:"prompt" json:"prompt"`
}

// RailsConfig declares the rails for one stage (input or output).
type RailsConfig struct {
	Mode           RailMode        `yaml:"mode" json:"mode"`
	BlockedTerms   []string        `yaml:"blocked_terms" json:"blocked_terms"`
	InjectionCheck bool            `yaml:"injection_check" json:"injection_check"`
	InjectionExtra []string        `yaml:"injection_extra" json:"injection_extra"`
	PIIEnabled     bool            `yaml:"pii_enabled" json:"pii_enabled"`
	PIIAction      PIIAction       `yaml:"pii_action" json:"pii_action"`
	PIITypes       []PIIType       `yaml:"pii_types" json:"pii_types"`
	SelfCheck      SelfCheckConfig `yaml:"self_check" json:"self_check"`
}

// StreamConfig declares the envelope the engine expects around streamed
// completions. Prefix and Suffix are stripped once; Stop sequences truncate.
type StreamConfig struct {
	Prefix string   `yaml:"prefix" json:"prefix"`
	Suffix string   `yaml:"suffix" json:"suffix"`
	Stop   []string `yaml:"stop" json:"stop"`
}

// Config configures an Engine.
type Config struct {
	Queue  queue.Config `yaml:"queue" json:"queue"`
	Input  RailsConfig  `yaml:"input" json:"input"`
	Output RailsConfig  `yaml:"output" json:"output"`
	Stream StreamConfig `yaml:"stream" json:"stream"`
}

// DefaultConfig returns an engine configuration with injection checking on
// input, PII masking on output, and a bounded reject-on-full queue.
func DefaultConfig() Config {
	q := queue.DefaultConfig()
	q.Name = "generation"
	q.RejectOnFull = true
	return Config{
		Queue: q,
		Input: RailsConfig{
			Mode:           RailModeFailFast,
			InjectionCheck: true,
		},
		Output: RailsConfig{
			Mode:       RailModeCollectAll,
			PIIEnabled: true,
			PIIAction:  PIIActionMask,
		},
	}
}
