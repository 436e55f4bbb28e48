package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the control core.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Backend     BackendConfig     `yaml:"backend"`
	Body        BodyConfig        `yaml:"body"`
	Audio       AudioConfig       `yaml:"audio"`
	Camera      CameraConfig      `yaml:"camera"`
	Vision      VisionConfig      `yaml:"vision"`
	Speech      SpeechConfig      `yaml:"speech"`
	Capture     CaptureConfig     `yaml:"capture"`
	Search      SearchConfig      `yaml:"search"`
	Interaction InteractionConfig `yaml:"interaction"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type DeviceConfig struct {
	ID               string `yaml:"id"`
	BatteryPath      string `yaml:"battery_path"`
	BatteryThreshold int    `yaml:"battery_threshold"`
}

type BackendConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type BodyConfig struct {
	URL               string        `yaml:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
}

type AudioConfig struct {
	FFmpegCommand string `yaml:"ffmpeg_command"`
	InputFormat   string `yaml:"input_format"`
	InputDevice   string `yaml:"input_device"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	Codec         string `yaml:"codec"`
}

type CameraConfig struct {
	Device    string `yaml:"device"`
	Format    string `yaml:"format"`
	FrameRate int    `yaml:"frame_rate"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
}

type VisionConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SpeechConfig struct {
	Command   string `yaml:"command"`
	RulesPath string `yaml:"rules_path"`
}

type CaptureConfig struct {
	ChunkSize       int           `yaml:"chunk_size"`
	EnergyThreshold float64       `yaml:"energy_threshold"`
	SilenceStop     time.Duration `yaml:"silence_stop"`
	Grace           time.Duration `yaml:"grace"`
	MaxLength       time.Duration `yaml:"max_length"`
}

type SearchConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	MatchThreshold float64       `yaml:"match_threshold"`
	StepDuration   time.Duration `yaml:"step_duration"`
}

type InteractionConfig struct {
	ContinuousListening bool          `yaml:"continuous_listening"`
	Window              time.Duration `yaml:"window"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	PlaybackWaitMax     time.Duration `yaml:"playback_wait_max"`
	ThinkingTimeout     time.Duration `yaml:"thinking_timeout"`
	CaptureTimeout      time.Duration `yaml:"capture_timeout"`
	ErrorAutoClear      time.Duration `yaml:"error_auto_clear"`
	BatteryPoll         time.Duration `yaml:"battery_poll"`
	NoFaceNotice        string        `yaml:"no_face_notice"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			BatteryPath:      "/sys/class/power_supply/BAT0/capacity",
			BatteryThreshold: 20,
		},
		Backend: BackendConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			AuthTimeout:    10 * time.Second,
			PingInterval:   20 * time.Second,
		},
		Body: BodyConfig{
			HeartbeatInterval: time.Second,
			AckTimeout:        3 * time.Second,
			TelemetryInterval: 10 * time.Second,
		},
		Audio: AudioConfig{
			FFmpegCommand: "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
			SampleRate:    16000,
			Channels:      1,
			Codec:         "opus",
		},
		Camera: CameraConfig{
			Device:    "/dev/video0",
			Format:    "v4l2",
			FrameRate: 10,
			Width:     640,
			Height:    480,
		},
		Vision: VisionConfig{
			BaseURL: "http://127.0.0.1:8090",
			Timeout: 2 * time.Second,
		},
		Speech: SpeechConfig{
			Command: "espeak-ng",
		},
		Capture: CaptureConfig{
			ChunkSize:       4096,
			EnergyThreshold: 0.02,
			SilenceStop:     1500 * time.Millisecond,
			Grace:           2 * time.Second,
			MaxLength:       30 * time.Second,
		},
		Search: SearchConfig{
			SampleInterval: 100 * time.Millisecond,
			Timeout:        8 * time.Second,
			MatchThreshold: 0.70,
			StepDuration:   1200 * time.Millisecond,
		},
		Interaction: InteractionConfig{
			ContinuousListening: true,
			Window:              60 * time.Second,
			SettleDelay:         700 * time.Millisecond,
			PlaybackWaitMax:     60 * time.Second,
			ThinkingTimeout:     30 * time.Second,
			CaptureTimeout:      10 * time.Second,
			ErrorAutoClear:      2 * time.Second,
			BatteryPoll:         time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load resolves configuration. Precedence, lowest first: defaults, the YAML
// file (path, or ROBOT_CONFIG_FILE), a .env file (ROBOT_ENV_FILE), then the
// process environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(envOrDefault("ROBOT_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path = firstNonEmpty(path, os.Getenv("ROBOT_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := resolveDefaults(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the core cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("backend url is required (ROBOT_BACKEND_URL)")
	}
	if c.Search.MatchThreshold <= 0 || c.Search.MatchThreshold > 1 {
		return fmt.Errorf("match threshold %.2f is outside (0,1]", c.Search.MatchThreshold)
	}
	switch c.Audio.Codec {
	case "opus", "pcm":
	default:
		return fmt.Errorf("unsupported audio codec %q", c.Audio.Codec)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Device.ID = envOrDefault("ROBOT_DEVICE_ID", cfg.Device.ID)
	cfg.Device.BatteryPath = envOrDefault("ROBOT_BATTERY_PATH", cfg.Device.BatteryPath)
	cfg.Device.BatteryThreshold = envOrDefaultInt("ROBOT_BATTERY_THRESHOLD", cfg.Device.BatteryThreshold)

	cfg.Backend.URL = envOrDefault("ROBOT_BACKEND_URL", cfg.Backend.URL)
	cfg.Backend.APIKey = firstNonEmpty(os.Getenv("ROBOT_API_KEY"), os.Getenv("ROBOT_BACKEND_API_KEY"), cfg.Backend.APIKey)
	cfg.Backend.InitialBackoff = envOrDefaultMS("ROBOT_BACKOFF_INITIAL_MS", cfg.Backend.InitialBackoff)
	cfg.Backend.MaxBackoff = envOrDefaultMS("ROBOT_BACKOFF_MAX_MS", cfg.Backend.MaxBackoff)
	cfg.Backend.AuthTimeout = envOrDefaultMS("ROBOT_AUTH_TIMEOUT_MS", cfg.Backend.AuthTimeout)
	cfg.Backend.PingInterval = envOrDefaultMS("ROBOT_PING_INTERVAL_MS", cfg.Backend.PingInterval)

	cfg.Body.URL = envOrDefault("ROBOT_BODY_URL", cfg.Body.URL)
	cfg.Body.HeartbeatInterval = envOrDefaultMS("ROBOT_HEARTBEAT_MS", cfg.Body.HeartbeatInterval)
	cfg.Body.AckTimeout = envOrDefaultMS("ROBOT_HEARTBEAT_TIMEOUT_MS", cfg.Body.AckTimeout)
	cfg.Body.TelemetryInterval = envOrDefaultMS("ROBOT_TELEMETRY_MS", cfg.Body.TelemetryInterval)

	cfg.Audio.FFmpegCommand = envOrDefault("ROBOT_FFMPEG_COMMAND", cfg.Audio.FFmpegCommand)
	cfg.Audio.InputFormat = envOrDefault("ROBOT_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(os.Getenv("ROBOT_AUDIO_INPUT_DEVICE"), os.Getenv("PULSE_SOURCE"), cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("ROBOT_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("ROBOT_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.Codec = strings.ToLower(envOrDefault("ROBOT_AUDIO_CODEC", cfg.Audio.Codec))

	cfg.Camera.Device = envOrDefault("ROBOT_CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Camera.Format = envOrDefault("ROBOT_CAMERA_FORMAT", cfg.Camera.Format)
	cfg.Camera.FrameRate = envOrDefaultInt("ROBOT_CAMERA_FPS", cfg.Camera.FrameRate)

	cfg.Vision.BaseURL = envOrDefault("ROBOT_VISION_URL", cfg.Vision.BaseURL)
	cfg.Vision.Timeout = envOrDefaultMS("ROBOT_VISION_TIMEOUT_MS", cfg.Vision.Timeout)

	cfg.Speech.Command = envOrDefault("ROBOT_TTS_COMMAND", cfg.Speech.Command)
	cfg.Speech.RulesPath = envOrDefault("ROBOT_RULES_FILE", cfg.Speech.RulesPath)

	cfg.Capture.ChunkSize = envOrDefaultInt("ROBOT_AUDIO_CHUNK_SIZE", cfg.Capture.ChunkSize)
	cfg.Capture.EnergyThreshold = envOrDefaultFloat("ROBOT_VAD_THRESHOLD", cfg.Capture.EnergyThreshold)
	cfg.Capture.SilenceStop = envOrDefaultMS("ROBOT_VAD_SILENCE_MS", cfg.Capture.SilenceStop)
	cfg.Capture.Grace = envOrDefaultMS("ROBOT_VAD_GRACE_MS", cfg.Capture.Grace)
	cfg.Capture.MaxLength = envOrDefaultMS("ROBOT_MAX_UTTERANCE_MS", cfg.Capture.MaxLength)

	cfg.Search.SampleInterval = envOrDefaultMS("ROBOT_FACE_SAMPLE_MS", cfg.Search.SampleInterval)
	cfg.Search.Timeout = envOrDefaultMS("ROBOT_FACE_TIMEOUT_MS", cfg.Search.Timeout)
	cfg.Search.MatchThreshold = envOrDefaultFloat("ROBOT_FACE_THRESHOLD", cfg.Search.MatchThreshold)

	cfg.Interaction.ContinuousListening = envOrDefaultBool("ROBOT_CONTINUOUS_LISTENING", cfg.Interaction.ContinuousListening)
	cfg.Interaction.Window = envOrDefaultMS("ROBOT_LISTEN_WINDOW_MS", cfg.Interaction.Window)
	cfg.Interaction.SettleDelay = envOrDefaultMS("ROBOT_SETTLE_DELAY_MS", cfg.Interaction.SettleDelay)
	cfg.Interaction.ThinkingTimeout = envOrDefaultMS("ROBOT_THINKING_TIMEOUT_MS", cfg.Interaction.ThinkingTimeout)
	cfg.Interaction.ErrorAutoClear = envOrDefaultMS("ROBOT_ERROR_CLEAR_MS", cfg.Interaction.ErrorAutoClear)

	cfg.Log.Level = envOrDefault("ROBOT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("ROBOT_LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Addr = envOrDefault("ROBOT_METRICS_ADDR", cfg.Metrics.Addr)
}

func resolveDefaults(cfg *Config) error {
	if cfg.Device.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "robot"
		}
		cfg.Device.ID = host
	}
	if cfg.Speech.RulesPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.New("could not determine home directory")
		}
		cfg.Speech.RulesPath = firstExisting(
			filepath.Join(home, ".config", "robotcore", "pronunciation.rules"),
			"/etc/robotcore/pronunciation.rules",
		)
	}

	defaults := Default()
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = defaults.Audio.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = defaults.Audio.Channels
	}
	if cfg.Capture.ChunkSize < 256 {
		cfg.Capture.ChunkSize = defaults.Capture.ChunkSize
	}
	if cfg.Device.BatteryThreshold <= 0 {
		cfg.Device.BatteryThreshold = defaults.Device.BatteryThreshold
	}
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultMS reads a non-negative millisecond count.
func envOrDefaultMS(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
