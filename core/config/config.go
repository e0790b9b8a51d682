package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// PushbulletConfig holds relay service settings.
type PushbulletConfig struct {
	Token      string `yaml:"token" envconfig:"PUSHBULLET_TOKEN"`
	DeviceName string `yaml:"device_name" envconfig:"PUSHBULLET_DEVICE_NAME"`
	APIURL     string `yaml:"api_url" envconfig:"PUSHBULLET_API_URL"`
	StreamURL  string `yaml:"stream_url" envconfig:"PUSHBULLET_STREAM_URL"`
	// LookbackSeconds widens the first poll window; 0 -> only pushes after startup
	LookbackSeconds int `yaml:"lookback_seconds" envconfig:"PUSHBULLET_LOOKBACK_SECONDS"`
}

// StorageConfig specifies the scratch and archive directories.
type StorageConfig struct {
	DownloadFolder   string `yaml:"download_folder" envconfig:"DOWNLOAD_FOLDER"`
	StorageFolder    string `yaml:"storage_folder" envconfig:"STORAGE_FOLDER"`
	BaseWebFolderURL string `yaml:"base_web_folder_url" envconfig:"BASE_WEB_FOLDER_URL"`
}

// DownloaderConfig configures the external media downloader.
type DownloaderConfig struct {
	YTDLPPath string `yaml:"yt_dlp_path" envconfig:"YT_DLP_PATH"`
	Format    string `yaml:"format" envconfig:"YT_DLP_FORMAT"`
}

// BotConfig holds conversation behaviour toggles.
type BotConfig struct {
	DeletePushes bool   `yaml:"delete_pushes" envconfig:"DELETE_PUSHES"`
	ReplyPrefix  string `yaml:"reply_prefix" envconfig:"REPLY_PREFIX"`
}

// SenderConfig controls pacing of outbound relay calls.
type SenderConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" envconfig:"SENDER_RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" envconfig:"SENDER_BURST"`
	MaxRetries    int     `yaml:"max_retries" envconfig:"SENDER_MAX_RETRIES"`
}

// MetricsConfig enables the Prometheus listener when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
}

// LoggingConfig defines logging related configuration. File, when set,
// receives a copy of every line written to stdout.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order" envconfig:"LOG_KEYS_ORDER"`
	DebugSample string `yaml:"debug_sample" envconfig:"LOG_DEBUG_SAMPLE"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
}

const (
	// DefaultAPIURL is the Pushbullet REST base.
	DefaultAPIURL = "https://api.pushbullet.com/v2"
	// DefaultStreamURL is the Pushbullet realtime stream; the token is appended.
	DefaultStreamURL = "wss://stream.pushbullet.com/websocket/"
	// DefaultReplyPrefix marks bot replies so they are never read back as commands.
	DefaultReplyPrefix = "BOT: "
	// DefaultYTDLPPath is resolved through PATH.
	DefaultYTDLPPath = "yt-dlp"
	// DefaultFormat selects a single best-quality file.
	DefaultFormat = "best"
)

// ErrMissing is returned when a required option is empty.
var ErrMissing = errors.New("config: required option missing")

// Config aggregates the whole application configuration.
type Config struct {
	Pushbullet PushbulletConfig `yaml:"pushbullet"`
	Storage    StorageConfig    `yaml:"storage"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Bot        BotConfig        `yaml:"bot"`
	Sender     SenderConfig     `yaml:"sender"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads configuration from an optional YAML file and environment variables.
// An empty path skips the file and relies on the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	pb := &cfg.Pushbullet
	pb.Token = strings.TrimSpace(pb.Token)
	pb.DeviceName = strings.TrimSpace(pb.DeviceName)
	if pb.Token == "" {
		return fmt.Errorf("%w: pushbullet token (PUSHBULLET_TOKEN)", ErrMissing)
	}
	if pb.DeviceName == "" {
		return fmt.Errorf("%w: pushbullet device name (PUSHBULLET_DEVICE_NAME)", ErrMissing)
	}
	if strings.TrimSpace(pb.APIURL) == "" {
		pb.APIURL = DefaultAPIURL
	}
	pb.APIURL = strings.TrimRight(strings.TrimSpace(pb.APIURL), "/")
	if strings.TrimSpace(pb.StreamURL) == "" {
		pb.StreamURL = DefaultStreamURL
	}
	if pb.LookbackSeconds < 0 {
		return fmt.Errorf("pushbullet.lookback_seconds must be >= 0")
	}

	st := &cfg.Storage
	if err := requireDir("storage.download_folder (DOWNLOAD_FOLDER)", st.DownloadFolder); err != nil {
		return err
	}
	if err := requireDir("storage.storage_folder (STORAGE_FOLDER)", st.StorageFolder); err != nil {
		return err
	}
	if base := strings.TrimSpace(st.BaseWebFolderURL); base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid storage.base_web_folder_url %q", st.BaseWebFolderURL)
		}
		st.BaseWebFolderURL = strings.TrimRight(base, "/")
	}

	if strings.TrimSpace(cfg.Downloader.YTDLPPath) == "" {
		cfg.Downloader.YTDLPPath = DefaultYTDLPPath
	}
	if strings.TrimSpace(cfg.Downloader.Format) == "" {
		cfg.Downloader.Format = DefaultFormat
	}

	if cfg.Bot.ReplyPrefix == "" {
		cfg.Bot.ReplyPrefix = DefaultReplyPrefix
	}

	if cfg.Sender.RatePerSecond < 0 {
		return fmt.Errorf("sender.rate_per_second must be >= 0")
	}
	if cfg.Sender.RatePerSecond == 0 {
		cfg.Sender.RatePerSecond = 2
	}
	if cfg.Sender.Burst <= 0 {
		cfg.Sender.Burst = 4
	}
	if cfg.Sender.MaxRetries < 0 {
		return fmt.Errorf("sender.max_retries must be >= 0")
	}
	return nil
}

func requireDir(name, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: %s", ErrMissing, name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %q is not a directory", name, path)
	}
	return nil
}
