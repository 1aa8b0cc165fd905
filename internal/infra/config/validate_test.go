package config

import (
	"strings"
	"testing"
)

func assertContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Errorf("expected %q to contain %q", haystack, needle)
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidateDaemonAddrEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Daemon.Addr = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "daemon.addr must not be empty")
}

func TestValidateDaemonAddrMalformed(t *testing.T) {
	cfg := Defaults()
	cfg.Daemon.Addr = "not-a-host-port"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "is not a valid host:port")
}

func TestValidateDaemonDataDirEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Daemon.DataDir = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "daemon.data_dir must not be empty")
}

func TestValidateButlersEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Butlers = nil
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "butlers must have at least one entry")
}

func TestValidateButlersDuplicateName(t *testing.T) {
	cfg := Defaults()
	cfg.Butlers = []ButlerConfig{
		{Name: "general", Modules: []string{"general"}, Scheduler: SchedulerConfig{TickIntervalSeconds: 30}, LivenessTTLSeconds: 60},
		{Name: "general", Modules: []string{"general"}, Scheduler: SchedulerConfig{TickIntervalSeconds: 30}, LivenessTTLSeconds: 60},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "duplicate butler name")
}

func TestValidateButlersEmptyModules(t *testing.T) {
	cfg := Defaults()
	cfg.Butlers = []ButlerConfig{
		{Name: "general", Scheduler: SchedulerConfig{TickIntervalSeconds: 30}, LivenessTTLSeconds: 60},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "modules must have at least one entry")
}

func TestValidateButlersTickIntervalZero(t *testing.T) {
	cfg := Defaults()
	cfg.Butlers = []ButlerConfig{
		{Name: "general", Modules: []string{"general"}, LivenessTTLSeconds: 60},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "scheduler.tick_interval_seconds must be > 0")
}

func TestValidateButlersLivenessTTLZero(t *testing.T) {
	cfg := Defaults()
	cfg.Butlers = []ButlerConfig{
		{Name: "general", Modules: []string{"general"}, Scheduler: SchedulerConfig{TickIntervalSeconds: 30}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "liveness_ttl_seconds must be > 0")
}

func TestValidateApprovalGatedToolInvalidRiskTier(t *testing.T) {
	cfg := Defaults()
	cfg.Approval.GatedTools = map[string]GatedToolConfig{
		"risky_tool": {RiskTier: "extreme", ExpiryHours: 1},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "risk_tier")
}

func TestValidateApprovalGatedToolExpiryZero(t *testing.T) {
	cfg := Defaults()
	cfg.Approval.GatedTools = map[string]GatedToolConfig{
		"risky_tool": {RiskTier: "high", ExpiryHours: 0},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "expiry_hours must be > 0")
}

func TestValidateApprovalRulePrecedenceInvalid(t *testing.T) {
	cfg := Defaults()
	cfg.Approval.RulePrecedence = []string{"whimsy"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "rule_precedence[0]")
}

func TestValidateTriageThreadAffinityTTLZero(t *testing.T) {
	cfg := Defaults()
	cfg.Triage.Enabled = true
	cfg.Triage.ThreadAffinityTTLDays = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "thread_affinity_ttl_days must be > 0")
}

func TestValidateTriageDisabledSkipsCheck(t *testing.T) {
	cfg := Defaults()
	cfg.Triage.Enabled = false
	cfg.Triage.ThreadAffinityTTLDays = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled triage should skip validation: %v", err)
	}
}

func TestValidateMessengerTelegramMissingToken(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Telegram = &TelegramProviderConfig{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "messenger.telegram.token is required")
}

func TestValidateMessengerSlackMissingToken(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Slack = &SlackProviderConfig{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "messenger.slack.bot_token is required")
}

func TestValidateMessengerDiscordMissingToken(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Discord = &DiscordProviderConfig{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "messenger.discord.bot_token is required")
}

func TestValidateMessengerEmailIncomplete(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Email = &EmailProviderConfig{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "messenger.email.from is required")
	assertContains(t, err.Error(), "messenger.email.smtp_host is required")
	assertContains(t, err.Error(), "messenger.email.smtp_port must be > 0")
}

func TestValidateMessengerEmailComplete(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Email = &EmailProviderConfig{
		From:     "switchboard@example.com",
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		SMTPUser: "switchboard",
		SMTPPass: "hunter2",
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("complete email config should validate: %v", err)
	}
}

func TestValidationErrorHasErrors(t *testing.T) {
	ve := &ValidationError{}
	if ve.HasErrors() {
		t.Error("empty ValidationError should report no errors")
	}
	ve.Add("something went wrong: %s", "detail")
	if !ve.HasErrors() {
		t.Error("ValidationError with an Add call should report errors")
	}
	assertContains(t, ve.Error(), "something went wrong: detail")
}
