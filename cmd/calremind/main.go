package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"calremind/internal/config"
	"calremind/internal/dedup"
	"calremind/internal/gcal"
	"calremind/internal/health"
	"calremind/internal/homeassistant"
	"calremind/internal/ics"
	appLog "calremind/internal/log"
	"calremind/internal/scheduler"
	"calremind/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
	say        string
}

func main() {
	flags := parseFlags()

	if err := config.LoadDotEnv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	level, ok := appLog.ParseLevel(conf.LogLevel)
	if !ok {
		appLog.Warn("unknown log level; using INFO", "log_level", conf.LogLevel)
	}
	appLog.SetLevel(level)

	appLog.Info("calremind starting", "version", version)

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid configuration", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	loc, _ := conf.Location()

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"provider", conf.Calendar.Provider,
		"check_interval", conf.CheckInterval(),
		"lookahead", conf.Lookahead(),
		"target", conf.HomeAssistant.Target,
		"state_file", conf.StateFile,
		"alert_hours", fmt.Sprintf("%02d-%02d", conf.HealthAlert.StartHour, conf.HealthAlert.EndHour),
		"alert_interval", conf.AlertInterval(),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	ha := homeassistant.New(conf.HomeAssistant.BaseURL, conf.HomeAssistant.AccessToken, conf.RequestTimeout())

	if flags.say != "" {
		if err := ha.Announce(ctx, conf.HomeAssistant.Target, flags.say); err != nil {
			appLog.Error("test announcement failed", err, "target", conf.HomeAssistant.Target)
			os.Exit(1)
		}
		appLog.Info("test announcement sent", "target", conf.HomeAssistant.Target)
		return
	}

	checkCtx, checkCancel := context.WithTimeout(ctx, conf.RequestTimeout())
	if err := ha.TestConnection(checkCtx); err != nil {
		// Not fatal: Home Assistant may still be booting.
		appLog.Warn("home assistant not reachable yet", "err", err, "base_url", conf.HomeAssistant.BaseURL)
	} else {
		appLog.Info("home assistant connection ok", "base_url", conf.HomeAssistant.BaseURL)
	}
	checkCancel()

	source, err := buildSource(ctx, conf, loc)
	if err != nil {
		appLog.Error("failed to initialize calendar source", err, "provider", conf.Calendar.Provider)
		os.Exit(1)
	}

	store := dedup.Open(afero.NewOsFs(), conf.StateFile, conf.MaxRecords)
	monitor := health.New(health.Config{
		CheckInterval: conf.CheckInterval(),
		AlertInterval: conf.AlertInterval(),
		StartHour:     conf.HealthAlert.StartHour,
		EndHour:       conf.HealthAlert.EndHour,
		Location:      loc,
	})

	sched := scheduler.New(scheduler.Config{
		Source:         source,
		Announcer:      ha,
		Store:          store,
		Health:         monitor,
		Target:         conf.HomeAssistant.Target,
		Template:       conf.MessageTemplate,
		Interval:       conf.CheckInterval(),
		Lookahead:      conf.Lookahead(),
		MaxResults:     conf.MaxResults,
		RequestTimeout: conf.RequestTimeout(),
	})

	if flags.once {
		report := sched.Tick(ctx)
		if err := store.Flush(); err != nil {
			appLog.Error("dedup state flush failed", err, "path", store.Path())
		}
		appLog.Info("single tick finished",
			"events", report.Events,
			"fired", report.Fired,
			"notify_failures", report.NotifyFailures,
			"errors", len(report.Errors),
		)
		if report.FetchErr != nil {
			os.Exit(1)
		}
		return
	}

	if conf.Listen != "" {
		srv := web.NewServer(conf, store, monitor, sched)
		go func() {
			if err := srv.Serve(ctx, conf.Listen); err != nil {
				appLog.Error("HTTP server stopped", err, "listen", conf.Listen)
			}
		}()
	}

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("scheduler stopped", err)
	}

	// Let the HTTP server finish its graceful shutdown.
	time.Sleep(100 * time.Millisecond)
	appLog.Info("calremind exiting")
}

func buildSource(ctx context.Context, conf *config.Config, loc *time.Location) (scheduler.EventSource, error) {
	switch conf.Calendar.Provider {
	case config.ProviderICS:
		feeds := make([]ics.Feed, 0, len(conf.Calendar.ICS))
		for _, src := range conf.Calendar.ICS {
			feeds = append(feeds, ics.Feed{ID: src.ID, URL: src.URL})
		}
		fetcher := ics.NewFetcher(afero.NewOsFs(), conf.Calendar.CacheDir, conf.RequestTimeout())
		return ics.NewSource(fetcher, feeds, loc), nil
	case config.ProviderGoogle:
		return gcal.New(ctx, gcal.Options{
			CredentialsPath: conf.Calendar.CredentialsPath,
			TokenPath:       conf.Calendar.TokenPath,
			CalendarID:      conf.Calendar.CalendarID,
			Timeout:         conf.RequestTimeout(),
			Location:        loc,
		})
	default:
		return nil, fmt.Errorf("unknown calendar provider %q", conf.Calendar.Provider)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional .env file with environment overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP status listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run a single check and exit")
	flag.StringVar(&cfg.say, "say", "", "Announce this message on the configured target and exit")

	flag.Parse()

	return cfg
}
