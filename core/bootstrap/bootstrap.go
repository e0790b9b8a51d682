// Package bootstrap initializes process-wide infrastructure: the logger and
// the relay identity of this bot.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/pushgrab/core/config"
	"github.com/m3rciful/pushgrab/core/httpclient"
	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/pushbullet"
)

// Options control the bootstrap pipeline.
type Options struct {
	Config *config.Config

	LoggerInit func(*config.Config) error
	// NewClient overrides the relay client constructor.
	NewClient func(*config.Config) (*pushbullet.Client, error)
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	Client *pushbullet.Client
	// DeviceIden identifies this bot on the relay.
	DeviceIden string
}

// Run initializes the logger, builds the relay client and resolves the
// device, creating it when the account does not have one by that name.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}
	cfg := opts.Config

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	newClient := opts.NewClient
	if newClient == nil {
		newClient = NewClient
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: relay client: %w", err)
	}

	start := time.Now()
	iden, err := client.EnsureDevice(ctx, cfg.Pushbullet.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: device resolution failed: %w", err)
	}
	logger.Info(ctx, "app", "device.ready",
		slog.String("status", "ok"),
		slog.String("device", iden),
		slog.Duration("duration", time.Since(start)),
	)

	return &Result{Client: client, DeviceIden: iden}, nil
}

// NewClient builds the relay REST client from configuration.
func NewClient(cfg *config.Config) (*pushbullet.Client, error) {
	return pushbullet.NewClient(pushbullet.ClientOptions{
		BaseURL: cfg.Pushbullet.APIURL,
		Token:   cfg.Pushbullet.Token,
		HTTP:    httpclient.New(httpclient.API(cfg.Sender.MaxRetries)),
	})
}
