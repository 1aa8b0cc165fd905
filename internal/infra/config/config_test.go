package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Daemon.Addr != ":8080" {
		t.Errorf("Daemon.Addr = %q, want %q", cfg.Daemon.Addr, ":8080")
	}
	if len(cfg.Butlers) != 8 {
		t.Errorf("len(Butlers) = %d, want 8", len(cfg.Butlers))
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Defaults() should validate cleanly: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Butlers) != 8 {
		t.Errorf("expected defaults, got %d butlers", len(cfg.Butlers))
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
daemon:
  addr: ":9090"
  data_dir: "/tmp/switchboard-data"
butlers:
  - name: "general"
    modules: ["general"]
    scheduler:
      tick_interval_seconds: 15
    liveness_ttl_seconds: 60
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.Addr != ":9090" {
		t.Errorf("Daemon.Addr = %q, want %q", cfg.Daemon.Addr, ":9090")
	}
	if len(cfg.Butlers) != 1 || cfg.Butlers[0].Name != "general" {
		t.Errorf("Butlers mismatch: %+v", cfg.Butlers)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ALFREDAI_DAEMON_ADDR", ":7070")
	t.Setenv("ALFREDAI_LOGGER_LEVEL", "debug")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Daemon.Addr != ":7070" {
		t.Errorf("Daemon.Addr = %q, want %q", cfg.Daemon.Addr, ":7070")
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
}

func TestApplyEnvOverridesTracerEnabled(t *testing.T) {
	t.Setenv("ALFREDAI_TRACER_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled should be true")
	}
}

func TestApplyEnvOverridesTriage(t *testing.T) {
	t.Setenv("ALFREDAI_TRIAGE_ENABLED", "true")
	t.Setenv("ALFREDAI_TRIAGE_THREAD_AFFINITY_TTL_DAYS", "14")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if !cfg.Triage.Enabled {
		t.Error("Triage.Enabled should be true")
	}
	if cfg.Triage.ThreadAffinityTTLDays != 14 {
		t.Errorf("Triage.ThreadAffinityTTLDays = %d, want 14", cfg.Triage.ThreadAffinityTTLDays)
	}
}

func TestApplyEnvOverridesTelegramToken(t *testing.T) {
	t.Setenv("ALFREDAI_TELEGRAM_TOKEN", "tg-token-123")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Messenger.Telegram == nil || cfg.Messenger.Telegram.Token != "tg-token-123" {
		t.Errorf("expected Messenger.Telegram.Token = %q", "tg-token-123")
	}
}

func TestApplyEnvOverridesButlerScheduler(t *testing.T) {
	t.Setenv("ALFREDAI_BUTLER_GENERAL_TICK_INTERVAL_SECONDS", "5")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	for _, b := range cfg.Butlers {
		if b.Name == "general" {
			if b.Scheduler.TickIntervalSeconds != 5 {
				t.Errorf("general butler tick_interval_seconds = %d, want 5", b.Scheduler.TickIntervalSeconds)
			}
			return
		}
	}
	t.Fatal("general butler not found in defaults")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	passphrase := "test-passphrase-123"
	plaintext := "sk-abcdef123456"

	encrypted, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}

	if decrypted != plaintext {
		t.Errorf("got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptValue(encrypted, "wrong-pass")
	if err == nil {
		t.Error("expected error with wrong passphrase")
	}
}

func TestDecryptSecretsEnabled(t *testing.T) {
	passphrase := "test-config-key"
	plainToken := "tg-secret123456"

	encrypted, err := EncryptValue(plainToken, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	cfg := Defaults()
	cfg.Messenger.Telegram = &TelegramProviderConfig{Token: "enc:" + encrypted}

	if err := decryptSecrets(cfg, passphrase); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Messenger.Telegram.Token != plainToken {
		t.Errorf("Token = %q, want %q", cfg.Messenger.Telegram.Token, plainToken)
	}
}

func TestDecryptSecretsNoEncPrefix(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Telegram = &TelegramProviderConfig{Token: "tg-plain-token"}

	if err := decryptSecrets(cfg, "any-passphrase"); err != nil {
		t.Fatalf("decryptSecrets: %v", err)
	}

	if cfg.Messenger.Telegram.Token != "tg-plain-token" {
		t.Errorf("Token should remain unchanged")
	}
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Messenger.Telegram = &TelegramProviderConfig{Token: "enc:notvalidhex"}

	err := decryptSecrets(cfg, "passphrase")
	if err == nil {
		t.Error("expected error for invalid ciphertext")
	}
}

func TestDecryptValueInvalidFormat(t *testing.T) {
	_, err := DecryptValue("nocolon", "passphrase")
	if err == nil {
		t.Error("expected error for invalid format")
	}
}

func TestDecryptValueInvalidSalt(t *testing.T) {
	_, err := DecryptValue("notvalidhex:aabbcc", "passphrase")
	if err == nil {
		t.Error("expected error for invalid salt hex")
	}
}

func TestDecryptValueInvalidCiphertext(t *testing.T) {
	// Valid salt hex but invalid ciphertext hex
	_, err := DecryptValue("aabbccddee112233aabbccddee112233:notvalidhex", "passphrase")
	if err == nil {
		t.Error("expected error for invalid ciphertext hex")
	}
}

func TestDecryptValueTooShort(t *testing.T) {
	// Valid hex but too short for nonce+ciphertext
	_, err := DecryptValue("aabbccddee112233aabbccddee112233:aabb", "passphrase")
	if err == nil {
		t.Error("expected error for ciphertext too short")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  addr: \":8080\"\n"), 0666); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for insecure permissions")
	}
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	plainToken := "tg-loadtest"

	encrypted, err := EncryptValue(plainToken, passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
messenger:
  telegram:
    token: "enc:` + encrypted + `"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ALFREDAI_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Messenger.Telegram.Token != plainToken {
		t.Errorf("Token = %q, want %q", cfg.Messenger.Telegram.Token, plainToken)
	}
}

func TestEncryptDecryptValueRoundTrip(t *testing.T) {
	passphrase := "test-pass"
	encrypted, err := EncryptValue("my-secret", passphrase)
	if err != nil {
		t.Fatalf("EncryptValue: %v", err)
	}

	decrypted, err := DecryptValue(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptValue: %v", err)
	}
	if decrypted != "my-secret" {
		t.Errorf("decrypted = %q, want %q", decrypted, "my-secret")
	}
}

func TestValidatePermissionsOK(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("test"), 0600)
	if err := validatePermissions(path); err != nil {
		t.Errorf("validatePermissions: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("invalid: [yaml: bad"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()

	// 0600 should pass
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("test"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(good); err != nil {
		t.Errorf("0600 should pass: %v", err)
	}

	// 0644 should pass
	readable := filepath.Join(dir, "readable.yaml")
	if err := os.WriteFile(readable, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(readable); err != nil {
		t.Errorf("0644 should pass: %v", err)
	}

	// 0666 should fail (world-writable)
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("test"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := validatePermissions(bad); err == nil {
		t.Error("0666 should fail")
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	// Call validatePermissions on a non-existent file to trigger the os.Stat error path.
	err := validatePermissions("/tmp/nonexistent-file-for-stat-test-xyz.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadReadError(t *testing.T) {
	// Create a file that exists but cannot be read (no read permissions).
	// This triggers the "read config" error path (not IsNotExist).
	dir := t.TempDir()
	path := filepath.Join(dir, "unreadable.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  addr: \":8080\"\n"), 0000); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for unreadable file")
	}
}

func TestLoadDecryptSecretsError(t *testing.T) {
	// Create a config with an encrypted token that uses an invalid format,
	// then set ALFREDAI_CONFIG_KEY to trigger decryptSecrets with a failing decrypt.
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
messenger:
  telegram:
    token: "enc:invalid-not-hex"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ALFREDAI_CONFIG_KEY", "some-passphrase")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error from decrypt secrets")
	}
}
