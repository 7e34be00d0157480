package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RetryFile is the hot-reloaded retry policy inside the config directory
const RetryFile = "retry.yaml"

// DecodeRetry converts a parsed retry.yaml into a RetryConfig layered over base.
// Keys absent from the file keep their base value.
func DecodeRetry(raw map[string]interface{}, base RetryConfig) (RetryConfig, error) {
	if section, ok := raw["retry"].(map[string]interface{}); ok {
		raw = section
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return base, fmt.Errorf("encode retry config: %w", err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("decode retry config: %w", err)
	}
	return out, out.Validate()
}

// Validate rejects retry settings that would stall or spin the engine
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		return fmt.Errorf("max_attempts must be between 1 and 10, got %d", r.MaxAttempts)
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 || r.StageTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %v", r.Multiplier)
	}
	return nil
}

// RetryValidator adapts DecodeRetry for ConfigManager.RegisterValidator
func RetryValidator(base RetryConfig) func(map[string]interface{}) error {
	return func(raw map[string]interface{}) error {
		_, err := DecodeRetry(raw, base)
		return err
	}
}
