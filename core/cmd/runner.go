package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/m3rciful/pushgrab/core/bootstrap"
	"github.com/m3rciful/pushgrab/core/bot"
	"github.com/m3rciful/pushgrab/core/config"
	"github.com/m3rciful/pushgrab/core/downloader"
	"github.com/m3rciful/pushgrab/core/httpclient"
	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/metrics"
	"github.com/m3rciful/pushgrab/core/pushbullet"
	"github.com/m3rciful/pushgrab/core/sender"
	"github.com/m3rciful/pushgrab/core/session"
	"github.com/m3rciful/pushgrab/core/storage"
)

const (
	dedupeWindow          = 2 * time.Minute
	attachmentHeaderWait  = 30 * time.Second
	defaultConfigEnvVar   = "CONFIG_PATH"
	senderFailedJobsGauge = "sender_failed_jobs"
)

// Options describe how to load configuration, bootstrap the app, and run the bot.
type Options struct {
	// ConfigPath wins over the ConfigEnvVar environment variable.
	ConfigPath   string
	ConfigEnvVar string

	LoadConfig     func(path string) (*config.Config, error)
	Bootstrap      func(ctx context.Context, cfg *config.Config) (*bootstrap.Result, error)
	ShutdownLogger func() error
}

// Run loads configuration, bootstraps the relay identity and runs the bot
// until ctx is done.
func Run(ctx context.Context, opts Options) error {
	loadConfig := opts.LoadConfig
	if loadConfig == nil {
		loadConfig = config.Load
	}
	boot := opts.Bootstrap
	if boot == nil {
		boot = func(ctx context.Context, cfg *config.Config) (*bootstrap.Result, error) {
			return bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
		}
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = defaultConfigEnvVar
	}
	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = os.Getenv(env)
	}

	if cfgPath != "" {
		log.Printf("loading config: %s", cfgPath)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	startedAt := time.Now()
	res, err := boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	app, err := buildApp(cfg, res)
	if err != nil {
		return fmt.Errorf("cmd: wiring failed: %w", err)
	}
	defer app.dispatcher.Close()

	app.opts.OnStart = func(ctx context.Context) error {
		logger.Info(ctx, "app", "ready",
			slog.String("device", res.DeviceIden),
			slog.Duration("duration", logger.RoundMS(time.Since(startedAt))),
		)
		return nil
	}
	b, err := bot.New(app.opts)
	if err != nil {
		return fmt.Errorf("cmd: %w", err)
	}

	runErr := b.Run(ctx)
	logger.Info(context.Background(), "app", "shutdown",
		slog.String("status", logger.Status(runErr)),
		slog.Uint64("count", app.dispatcher.ErrorCount()),
	)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

type app struct {
	opts       bot.Options
	dispatcher *sender.Dispatcher
}

func buildApp(cfg *config.Config, res *bootstrap.Result) (*app, error) {
	dirs, err := storage.New(cfg.Storage.DownloadFolder, cfg.Storage.StorageFolder)
	if err != nil {
		return nil, err
	}

	dl, err := downloader.New(downloader.Options{
		Binary:  cfg.Downloader.YTDLPPath,
		Format:  cfg.Downloader.Format,
		Scratch: dirs,
		HTTP: httpclient.New(httpclient.Options{
			ResponseHeaderTimeout: attachmentHeaderWait,
			MaxRetries:            cfg.Sender.MaxRetries,
		}),
	})
	if err != nil {
		return nil, err
	}

	rec := metrics.New()
	dispatcher := sender.NewDispatcher(sender.Options{
		MaxRetries:    cfg.Sender.MaxRetries,
		RatePerSecond: cfg.Sender.RatePerSecond,
		Burst:         cfg.Sender.Burst,
	})
	rec.GaugeFunc(senderFailedJobsGauge, "Outbound relay jobs that failed after all attempts",
		func() float64 { return float64(dispatcher.ErrorCount()) })

	replier := rec.Replier(pushbullet.NewNotifier(res.Client, res.DeviceIden, cfg.Bot.ReplyPrefix))
	machine, err := session.New(session.Options{
		Downloader:            dl,
		Storage:               dirs,
		Replier:               replier,
		Queue:                 dispatcher,
		Recorder:              rec,
		DeleteAfterCompletion: cfg.Bot.DeletePushes,
		BaseURL:               cfg.Storage.BaseWebFolderURL,
	})
	if err != nil {
		dispatcher.Close()
		return nil, err
	}

	lookback := time.Duration(cfg.Pushbullet.LookbackSeconds) * time.Second
	dedupe := bot.NewDeduper(dedupeWindow)
	dedupe.OnDuplicate = func() { rec.Poll("duplicate") }

	opts := bot.Options{
		Stream:      pushbullet.NewStream(cfg.Pushbullet.StreamURL, cfg.Pushbullet.Token),
		Poller:      pushbullet.NewPoller(res.Client, res.DeviceIden, cfg.Bot.ReplyPrefix, lookback),
		Machine:     machine,
		Middlewares: bot.DefaultMiddlewares(dedupe),
		Recorder:    rec,
	}
	if listen := strings.TrimSpace(cfg.Metrics.Listen); listen != "" {
		opts.Extra = append(opts.Extra, func(ctx context.Context) error {
			if err := rec.Serve(ctx, listen); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}
	return &app{opts: opts, dispatcher: dispatcher}, nil
}
