package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator checks individual values and reports every problem in a config,
// where Config.Validate stops at the first.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateURL requires an absolute http(s) URL. Empty is allowed.
func (v *Validator) ValidateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", field, raw)
	}
	return nil
}

// ValidateCredentialMode validates the credential mode
func (v *Validator) ValidateCredentialMode(mode string) error {
	switch mode {
	case CredentialStatic, CredentialClientCredentials:
		return nil
	}
	return fmt.Errorf("invalid credential mode: %s (must be one of: %s, %s)", mode, CredentialStatic, CredentialClientCredentials)
}

// ValidateSchedule parses a sweep schedule in cron syntax or @every form.
func (v *Validator) ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.Agent.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errs = append(errs, fmt.Errorf("agent profile %d (%s): %w", i, profile.ID, err))
			}
		}
		if err := v.ValidateURL("base_url", profile.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("agent profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateModel(cfg.Agent.Model); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errs = append(errs, err)
	}
	if cfg.Agent.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("agent max_turns must be >= 0"))
	}

	if err := v.ValidateCredentialMode(cfg.Credential.Mode); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateURL("credential.token_url", cfg.Credential.TokenURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.Credential.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("credential max_attempts must be >= 0"))
	}

	if err := v.ValidateURL("gateway.url", cfg.Gateway.URL); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule(cfg.Session.SweepSchedule); err != nil {
		errs = append(errs, err)
	}
	if cfg.Relay.Capacity < 0 {
		errs = append(errs, fmt.Errorf("relay capacity must be >= 0"))
	}
	if cfg.Orchestrator.CredentialSkew < 0 {
		errs = append(errs, fmt.Errorf("orchestrator credential_skew must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
