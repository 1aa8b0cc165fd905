package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration: one Switchboard process,
// a fleet of butlers each with its own scheduler tick, and the shared
// approval/triage/messenger policy all butlers run under.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Butlers   []ButlerConfig  `yaml:"butlers"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Triage    TriageConfig    `yaml:"triage"`
	Messenger MessengerConfig `yaml:"messenger"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// DaemonConfig holds the Switchboard HTTP server and data-directory
// settings. Each butler's SQLite file lives under DataDir.
type DaemonConfig struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
}

// ButlerConfig declares one domain-specialist butler: the modules it owns
// (used for §4 module-based routing and MCP tool registration), its own
// scheduler tick interval, its liveness TTL for the registry sweep, and
// which callers are trusted to invoke its route_execute without going
// through the Switchboard.
type ButlerConfig struct {
	Name                string          `yaml:"name"`
	Modules             []string        `yaml:"modules"`
	Scheduler           SchedulerConfig `yaml:"scheduler"`
	LivenessTTLSeconds  int             `yaml:"liveness_ttl_seconds"`
	TrustedRouteCallers []string        `yaml:"trusted_route_callers,omitempty"`
}

// SchedulerConfig holds one butler's cron-tick interval.
type SchedulerConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
}

// ApprovalConfig holds the gate's tool risk tiers and rule precedence.
type ApprovalConfig struct {
	GatedTools     map[string]GatedToolConfig `yaml:"gated_tools"`
	RulePrecedence []string                   `yaml:"rule_precedence"`
}

// GatedToolConfig names a tool's risk tier and how long a parked action
// stays pending before the approval sweep expires it.
type GatedToolConfig struct {
	RiskTier    string `yaml:"risk_tier"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

// TriageConfig controls the Switchboard's thread-affinity routing feature.
type TriageConfig struct {
	Enabled               bool `yaml:"enabled"`
	ThreadAffinityTTLDays int  `yaml:"thread_affinity_ttl_days"`
}

// MessengerConfig holds the messenger butler's provider credentials. Each
// field is nil unless that provider is configured, matching the
// optional-channel shape connectors are adapted from.
type MessengerConfig struct {
	Telegram *TelegramProviderConfig `yaml:"telegram,omitempty"`
	Email    *EmailProviderConfig    `yaml:"email,omitempty"`
	Slack    *SlackProviderConfig    `yaml:"slack,omitempty"`
	Discord  *DiscordProviderConfig  `yaml:"discord,omitempty"`
}

type TelegramProviderConfig struct {
	Token string `yaml:"token"`
}

type EmailProviderConfig struct {
	From     string `yaml:"from"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	SMTPUser string `yaml:"smtp_user"`
	SMTPPass string `yaml:"smtp_pass"`
}

type SlackProviderConfig struct {
	BotToken string `yaml:"bot_token"`
}

type DiscordProviderConfig struct {
	BotToken string `yaml:"bot_token"`
}

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.switchboard/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".switchboard", "data")
}

// Defaults returns a Config with the fleet's standard eight butlers, each
// ticking every 30s, no gated tools, and triage disabled.
func Defaults() *Config {
	dataDir := defaultDataDir()
	defaultScheduler := SchedulerConfig{TickIntervalSeconds: 30}
	butlerNames := []string{"finance", "health", "relationships", "education", "email", "calendar", "messenger", "general"}
	butlers := make([]ButlerConfig, 0, len(butlerNames))
	for _, name := range butlerNames {
		butlers = append(butlers, ButlerConfig{
			Name:               name,
			Modules:            []string{name},
			Scheduler:          defaultScheduler,
			LivenessTTLSeconds: 60,
		})
	}

	return &Config{
		Daemon: DaemonConfig{
			Addr:    ":8080",
			DataDir: dataDir,
		},
		Butlers: butlers,
		Approval: ApprovalConfig{
			GatedTools:     map[string]GatedToolConfig{},
			RulePrecedence: []string{"owner", "standing_rule", "default"},
		},
		Triage: TriageConfig{
			Enabled:               false,
			ThreadAffinityTTLDays: 7,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file at path, processes its includes:, applies
// ALFREDAI_*-prefixed environment overrides, optionally decrypts
// enc:-prefixed secret fields, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	hasIncludes := len(cfg.Includes) > 0
	if hasIncludes {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("ALFREDAI_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps ALFREDAI_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALFREDAI_DAEMON_ADDR"); v != "" {
		cfg.Daemon.Addr = v
	}
	if v := os.Getenv("ALFREDAI_DAEMON_DATA_DIR"); v != "" {
		cfg.Daemon.DataDir = v
	}

	if v := os.Getenv("ALFREDAI_TRIAGE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Triage.Enabled = b
		}
	}
	if v := os.Getenv("ALFREDAI_TRIAGE_THREAD_AFFINITY_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Triage.ThreadAffinityTTLDays = n
		}
	}

	if v := os.Getenv("ALFREDAI_TELEGRAM_TOKEN"); v != "" {
		if cfg.Messenger.Telegram == nil {
			cfg.Messenger.Telegram = &TelegramProviderConfig{}
		}
		cfg.Messenger.Telegram.Token = v
	}
	if v := os.Getenv("ALFREDAI_SLACK_BOT_TOKEN"); v != "" {
		if cfg.Messenger.Slack == nil {
			cfg.Messenger.Slack = &SlackProviderConfig{}
		}
		cfg.Messenger.Slack.BotToken = v
	}
	if v := os.Getenv("ALFREDAI_DISCORD_BOT_TOKEN"); v != "" {
		if cfg.Messenger.Discord == nil {
			cfg.Messenger.Discord = &DiscordProviderConfig{}
		}
		cfg.Messenger.Discord.BotToken = v
	}
	if v := os.Getenv("ALFREDAI_EMAIL_SMTP_USER"); v != "" {
		if cfg.Messenger.Email == nil {
			cfg.Messenger.Email = &EmailProviderConfig{}
		}
		cfg.Messenger.Email.SMTPUser = v
	}
	if v := os.Getenv("ALFREDAI_EMAIL_SMTP_PASS"); v != "" {
		if cfg.Messenger.Email == nil {
			cfg.Messenger.Email = &EmailProviderConfig{}
		}
		cfg.Messenger.Email.SMTPPass = v
	}

	if v := os.Getenv("ALFREDAI_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ALFREDAI_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ALFREDAI_TRACER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
		}
	}
	if v := os.Getenv("ALFREDAI_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}

	for i := range cfg.Butlers {
		envName := strings.ToUpper(strings.ReplaceAll(cfg.Butlers[i].Name, "-", "_"))
		if v := os.Getenv("ALFREDAI_BUTLER_" + envName + "_TICK_INTERVAL_SECONDS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Butlers[i].Scheduler.TickIntervalSeconds = n
			}
		}
		if v := os.Getenv("ALFREDAI_BUTLER_" + envName + "_LIVENESS_TTL_SECONDS"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Butlers[i].LivenessTTLSeconds = n
			}
		}
	}
}

// decryptSecrets decrypts enc:-prefixed messenger provider credentials
// using the passphrase supplied via ALFREDAI_CONFIG_KEY.
func decryptSecrets(cfg *Config, passphrase string) error {
	var fields []*string
	if cfg.Messenger.Telegram != nil {
		fields = append(fields, &cfg.Messenger.Telegram.Token)
	}
	if cfg.Messenger.Slack != nil {
		fields = append(fields, &cfg.Messenger.Slack.BotToken)
	}
	if cfg.Messenger.Discord != nil {
		fields = append(fields, &cfg.Messenger.Discord.BotToken)
	}
	if cfg.Messenger.Email != nil {
		fields = append(fields, &cfg.Messenger.Email.SMTPUser, &cfg.Messenger.Email.SMTPPass)
	}

	for _, fp := range fields {
		if strings.HasPrefix(*fp, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("messenger secret: %w", err)
			}
			*fp = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
