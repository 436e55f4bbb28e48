package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ROBOT_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("ROBOT_CONFIG_FILE", "")
	t.Setenv("ROBOT_BACKEND_URL", "wss://backend.example/ws")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("ROBOT_DEVICE_ID", "bench-01")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Device.ID != "bench-01" {
		t.Fatalf("device id = %q", cfg.Device.ID)
	}
	if cfg.Capture.SilenceStop != 1500*time.Millisecond || cfg.Capture.Grace != 2*time.Second || cfg.Capture.MaxLength != 30*time.Second {
		t.Fatalf("unexpected capture timings: %+v", cfg.Capture)
	}
	if cfg.Capture.EnergyThreshold != 0.02 {
		t.Fatalf("energy threshold = %v", cfg.Capture.EnergyThreshold)
	}
	if cfg.Search.Timeout != 8*time.Second || cfg.Search.SampleInterval != 100*time.Millisecond {
		t.Fatalf("unexpected search timings: %+v", cfg.Search)
	}
	if !cfg.Interaction.ContinuousListening || cfg.Interaction.Window != time.Minute {
		t.Fatalf("unexpected interaction defaults: %+v", cfg.Interaction)
	}
	if cfg.Body.HeartbeatInterval != time.Second {
		t.Fatalf("heartbeat = %v", cfg.Body.HeartbeatInterval)
	}
	if cfg.Audio.Codec != "opus" {
		t.Fatalf("codec = %q", cfg.Audio.Codec)
	}
	if filepath.Base(cfg.Speech.RulesPath) != "pronunciation.rules" {
		t.Fatalf("rules path = %q", cfg.Speech.RulesPath)
	}
}

func TestLoadRequiresBackendURL(t *testing.T) {
	isolate(t)
	t.Setenv("ROBOT_BACKEND_URL", "")

	if _, err := Load(""); err == nil {
		t.Fatal("expected missing backend url to fail")
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("ROBOT_BACKEND_URL", "")
	t.Setenv("ROBOT_LISTEN_WINDOW_MS", "45000")

	path := filepath.Join(t.TempDir(), "robot.yaml")
	body := `
device:
  id: desk-bot
backend:
  url: wss://file.example/ws
capture:
  silence_stop: 900ms
interaction:
  continuous_listening: false
  window: 20s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.ID != "desk-bot" || cfg.Backend.URL != "wss://file.example/ws" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Device, cfg.Backend)
	}
	if cfg.Capture.SilenceStop != 900*time.Millisecond {
		t.Fatalf("silence stop = %v", cfg.Capture.SilenceStop)
	}
	if cfg.Interaction.ContinuousListening {
		t.Fatal("continuous listening should be off")
	}
	if cfg.Interaction.Window != 45*time.Second {
		t.Fatalf("environment should override file, window = %v", cfg.Interaction.Window)
	}
	// Untouched keys keep their defaults.
	if cfg.Capture.Grace != 2*time.Second {
		t.Fatalf("grace = %v", cfg.Capture.Grace)
	}
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	envPath := filepath.Join(t.TempDir(), "robot.env")
	if err := os.WriteFile(envPath, []byte("ROBOT_TEST_DOTENV_VAD_MS=1200\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("ROBOT_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("ROBOT_TEST_DOTENV_VAD_MS") })

	if _, err := Load(""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("ROBOT_TEST_DOTENV_VAD_MS"); got != "1200" {
		t.Fatalf("dotenv value = %q", got)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("device: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Backend.URL = "wss://x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.Audio.Codec = "mp3"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected codec error")
	}

	cfg = Default()
	cfg.Backend.URL = "wss://x"
	cfg.Search.MatchThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected threshold error")
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("ROBOT_X_INT", "ten")
	t.Setenv("ROBOT_X_MS", "-5")
	t.Setenv("ROBOT_X_BOOL", "maybe")

	if got := envOrDefaultInt("ROBOT_X_INT", 7); got != 7 {
		t.Fatalf("int fallback = %d", got)
	}
	if got := envOrDefaultMS("ROBOT_X_MS", time.Second); got != time.Second {
		t.Fatalf("ms fallback = %v", got)
	}
	if got := envOrDefaultBool("ROBOT_X_BOOL", true); !got {
		t.Fatal("bool fallback lost")
	}
}
