package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	CaptureBackendPortaudio = "portaudio"
	CaptureBackendFFMPEG    = "ffmpeg"
)

// Config stores runtime configuration for the keep-alive engine and its hosts.
type Config struct {
	Bridge      BridgeConfig
	Audio       AudioConfig
	Strategy    StrategyConfig
	Session     SessionConfig
	Power       PowerConfig
	Device      DeviceConfig
	Permissions []string
	Log         LogConfig
}

type BridgeConfig struct {
	Enabled bool
	Addr    string
}

type AudioConfig struct {
	CaptureBackend  string
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

type StrategyConfig struct {
	PrepareTimeout  time.Duration
	CaptureInterval time.Duration
	QuirksPath      string
}

type SessionConfig struct {
	// WakeLockTimeout bounds the session wake lock. Zero holds it until stop.
	WakeLockTimeout        time.Duration
	AudioActiveWakeTimeout time.Duration
	NotificationIcon       string
}

type PowerConfig struct {
	InhibitCommand string
	Who            string
}

// DeviceConfig overrides the detected device profile.
type DeviceConfig struct {
	Vendor    string
	Model     string
	OSVersion int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads an optional .env file, then resolves configuration from
// environment variables and sensible defaults.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("VOICEKEEP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}
	quirksPath := strings.TrimSpace(os.Getenv("VOICEKEEP_QUIRKS_FILE"))
	if quirksPath == "" {
		quirksPath = filepath.Join(home, ".config", "voicekeep", "quirks.yaml")
	}

	cfg := Config{
		Bridge: BridgeConfig{
			Enabled: envOrDefaultBool("VOICEKEEP_BRIDGE_ENABLED", true),
			Addr:    envOrDefault("VOICEKEEP_BRIDGE_ADDR", "127.0.0.1:7466"),
		},
		Audio: AudioConfig{
			CaptureBackend:  strings.ToLower(envOrDefault("VOICEKEEP_CAPTURE_BACKEND", CaptureBackendPortaudio)),
			RecorderCommand: envOrDefault("VOICEKEEP_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("VOICEKEEP_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("VOICEKEEP_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("VOICEKEEP_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("VOICEKEEP_CHANNELS", 1),
			FramesPerBuffer: envOrDefaultInt("VOICEKEEP_FRAMES_PER_BUFFER", 1024),
		},
		Strategy: StrategyConfig{
			PrepareTimeout:  envOrDefaultMillis("VOICEKEEP_PREPARE_TIMEOUT_MS", 10*time.Second),
			CaptureInterval: envOrDefaultMillis("VOICEKEEP_CAPTURE_INTERVAL_MS", 250*time.Millisecond),
			QuirksPath:      quirksPath,
		},
		Session: SessionConfig{
			WakeLockTimeout:        envOrDefaultMillis("VOICEKEEP_WAKE_LOCK_TIMEOUT_MS", 0),
			AudioActiveWakeTimeout: envOrDefaultMillis("VOICEKEEP_AUDIO_ACTIVE_WAKE_TIMEOUT_MS", 30*time.Minute),
			NotificationIcon:       strings.TrimSpace(os.Getenv("VOICEKEEP_NOTIFICATION_ICON")),
		},
		Power: PowerConfig{
			InhibitCommand: envOrDefault("VOICEKEEP_INHIBIT_COMMAND", "systemd-inhibit"),
			Who:            envOrDefault("VOICEKEEP_INHIBIT_WHO", "voicekeep"),
		},
		Device: DeviceConfig{
			Vendor:    strings.TrimSpace(os.Getenv("VOICEKEEP_DEVICE_VENDOR")),
			Model:     strings.TrimSpace(os.Getenv("VOICEKEEP_DEVICE_MODEL")),
			OSVersion: envOrDefaultInt("VOICEKEEP_DEVICE_OS_VERSION", 0),
		},
		Permissions: envList("VOICEKEEP_PERMISSIONS", []string{"RECORD_AUDIO"}),
		Log: LogConfig{
			Level:  strings.ToLower(envOrDefault("VOICEKEEP_LOG_LEVEL", "info")),
			Format: strings.ToLower(envOrDefault("VOICEKEEP_LOG_FORMAT", "console")),
		},
	}

	switch cfg.Audio.CaptureBackend {
	case CaptureBackendPortaudio, CaptureBackendFFMPEG:
	default:
		return Config{}, fmt.Errorf("unsupported capture backend %q", cfg.Audio.CaptureBackend)
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FramesPerBuffer < 64 {
		cfg.Audio.FramesPerBuffer = 1024
	}
	if cfg.Strategy.PrepareTimeout <= 0 {
		cfg.Strategy.PrepareTimeout = 10 * time.Second
	}
	if cfg.Strategy.CaptureInterval <= 0 {
		cfg.Strategy.CaptureInterval = 250 * time.Millisecond
	}
	if cfg.Session.WakeLockTimeout < 0 {
		cfg.Session.WakeLockTimeout = 0
	}
	if cfg.Session.AudioActiveWakeTimeout <= 0 {
		cfg.Session.AudioActiveWakeTimeout = 30 * time.Minute
	}
	if cfg.Device.OSVersion < 0 {
		cfg.Device.OSVersion = 0
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

// envList splits a comma separated value. "none" yields an empty list.
func envList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if strings.EqualFold(value, "none") {
		return []string{}
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
