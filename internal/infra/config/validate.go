package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDaemon(cfg, ve)
	validateButlers(cfg, ve)
	validateApproval(cfg, ve)
	validateTriage(cfg, ve)
	validateMessenger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDaemon(cfg *Config, ve *ValidationError) {
	if cfg.Daemon.Addr == "" {
		ve.Add("daemon.addr must not be empty")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Daemon.Addr); err != nil {
		ve.Add("daemon.addr %q is not a valid host:port", cfg.Daemon.Addr)
	}
	if cfg.Daemon.DataDir == "" {
		ve.Add("daemon.data_dir must not be empty")
	}
}

var validRiskTiers = map[string]bool{"low": true, "medium": true, "high": true}

func validateButlers(cfg *Config, ve *ValidationError) {
	if len(cfg.Butlers) == 0 {
		ve.Add("butlers must have at least one entry")
		return
	}

	seen := make(map[string]bool)
	for i, b := range cfg.Butlers {
		if b.Name == "" {
			ve.Add("butlers[%d].name must not be empty", i)
			continue
		}
		if seen[b.Name] {
			ve.Add("butlers[%d]: duplicate butler name %q", i, b.Name)
		}
		seen[b.Name] = true

		if len(b.Modules) == 0 {
			ve.Add("butlers[%d] (%s): modules must have at least one entry", i, b.Name)
		}
		if b.Scheduler.TickIntervalSeconds <= 0 {
			ve.Add("butlers[%d] (%s): scheduler.tick_interval_seconds must be > 0", i, b.Name)
		}
		if b.LivenessTTLSeconds <= 0 {
			ve.Add("butlers[%d] (%s): liveness_ttl_seconds must be > 0", i, b.Name)
		}
	}
}

func validateApproval(cfg *Config, ve *ValidationError) {
	for name, gated := range cfg.Approval.GatedTools {
		if !validRiskTiers[gated.RiskTier] {
			ve.Add("approval.gated_tools[%s].risk_tier %q is invalid (want: low, medium, high)", name, gated.RiskTier)
		}
		if gated.ExpiryHours <= 0 {
			ve.Add("approval.gated_tools[%s].expiry_hours must be > 0", name)
		}
	}

	validPrecedence := map[string]bool{"owner": true, "standing_rule": true, "default": true}
	for i, p := range cfg.Approval.RulePrecedence {
		if !validPrecedence[p] {
			ve.Add("approval.rule_precedence[%d] %q is invalid (want: owner, standing_rule, default)", i, p)
		}
	}
}

func validateTriage(cfg *Config, ve *ValidationError) {
	if !cfg.Triage.Enabled {
		return
	}
	if cfg.Triage.ThreadAffinityTTLDays <= 0 {
		ve.Add("triage.thread_affinity_ttl_days must be > 0 when triage is enabled")
	}
}

func validateMessenger(cfg *Config, ve *ValidationError) {
	if cfg.Messenger.Telegram != nil && cfg.Messenger.Telegram.Token == "" {
		ve.Add("messenger.telegram.token is required when telegram is configured (set via ALFREDAI_TELEGRAM_TOKEN)")
	}
	if cfg.Messenger.Slack != nil && cfg.Messenger.Slack.BotToken == "" {
		ve.Add("messenger.slack.bot_token is required when slack is configured (set via ALFREDAI_SLACK_BOT_TOKEN)")
	}
	if cfg.Messenger.Discord != nil && cfg.Messenger.Discord.BotToken == "" {
		ve.Add("messenger.discord.bot_token is required when discord is configured (set via ALFREDAI_DISCORD_BOT_TOKEN)")
	}
	if cfg.Messenger.Email != nil {
		e := cfg.Messenger.Email
		if e.From == "" {
			ve.Add("messenger.email.from is required when email is configured")
		}
		if e.SMTPHost == "" {
			ve.Add("messenger.email.smtp_host is required when email is configured")
		}
		if e.SMTPPort <= 0 {
			ve.Add("messenger.email.smtp_port must be > 0 when email is configured")
		}
	}
}
