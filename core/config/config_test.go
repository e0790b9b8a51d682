package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Pushbullet: PushbulletConfig{Token: "tok", DeviceName: "grabber"},
		Storage: StorageConfig{
			DownloadFolder: t.TempDir(),
			StorageFolder:  t.TempDir(),
		},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, Normalize(&cfg))

	assert.Equal(t, DefaultAPIURL, cfg.Pushbullet.APIURL)
	assert.Equal(t, DefaultStreamURL, cfg.Pushbullet.StreamURL)
	assert.Equal(t, DefaultYTDLPPath, cfg.Downloader.YTDLPPath)
	assert.Equal(t, DefaultFormat, cfg.Downloader.Format)
	assert.Equal(t, DefaultReplyPrefix, cfg.Bot.ReplyPrefix)
	assert.Equal(t, 2.0, cfg.Sender.RatePerSecond)
	assert.Equal(t, 4, cfg.Sender.Burst)
	assert.Zero(t, cfg.Sender.MaxRetries)
}

func TestNormalizeRequired(t *testing.T) {
	cases := map[string]func(*Config){
		"token":    func(c *Config) { c.Pushbullet.Token = " " },
		"device":   func(c *Config) { c.Pushbullet.DeviceName = "" },
		"download": func(c *Config) { c.Storage.DownloadFolder = "" },
		"storage":  func(c *Config) { c.Storage.StorageFolder = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(t)
			mutate(&cfg)
			err := Normalize(&cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissing), "got %v", err)
		})
	}
}

func TestNormalizeRejectsFileAsDirectory(t *testing.T) {
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg.Storage.StorageFolder = file

	err := Normalize(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestNormalizeBaseURL(t *testing.T) {
	cfg := validConfig(t)
	cfg.Storage.BaseWebFolderURL = "https://files.example.com/media/"
	require.NoError(t, Normalize(&cfg))
	assert.Equal(t, "https://files.example.com/media", cfg.Storage.BaseWebFolderURL)

	cfg = validConfig(t)
	cfg.Storage.BaseWebFolderURL = "not a url"
	assert.Error(t, Normalize(&cfg))
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dl, st := t.TempDir(), t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := "pushbullet:\n  token: from-file\n  device_name: yaml-device\n" +
		"storage:\n  download_folder: " + dl + "\n  storage_folder: " + st + "\n" +
		"bot:\n  delete_pushes: false\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("PUSHBULLET_TOKEN", "from-env")
	t.Setenv("DELETE_PUSHES", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Pushbullet.Token)
	assert.Equal(t, "yaml-device", cfg.Pushbullet.DeviceName)
	assert.True(t, cfg.Bot.DeletePushes)
	assert.Equal(t, dl, cfg.Storage.DownloadFolder)
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("PUSHBULLET_TOKEN", "tok")
	t.Setenv("PUSHBULLET_DEVICE_NAME", "grabber")
	t.Setenv("DOWNLOAD_FOLDER", t.TempDir())
	t.Setenv("STORAGE_FOLDER", t.TempDir())
	t.Setenv("BASE_WEB_FOLDER_URL", "https://example.com/files")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "grabber", cfg.Pushbullet.DeviceName)
	assert.Equal(t, "https://example.com/files", cfg.Storage.BaseWebFolderURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadLoggingFromEnv(t *testing.T) {
	t.Setenv("PUSHBULLET_TOKEN", "tok")
	t.Setenv("PUSHBULLET_DEVICE_NAME", "grabber")
	t.Setenv("DOWNLOAD_FOLDER", t.TempDir())
	t.Setenv("STORAGE_FOLDER", t.TempDir())
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "kv")
	t.Setenv("LOG_FILE", "/var/log/pushgrab.log")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "kv", cfg.Logging.Format)
	assert.Equal(t, "/var/log/pushgrab.log", cfg.Logging.File)
}
