package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/klppl/ebba-irc-bot/internal/bot"
	"github.com/klppl/ebba-irc-bot/internal/config"
	"github.com/klppl/ebba-irc-bot/internal/plugin"
	"github.com/klppl/ebba-irc-bot/plugins/echo"
	"github.com/klppl/ebba-irc-bot/plugins/ignore"
	"github.com/klppl/ebba-irc-bot/plugins/remind"
	"github.com/klppl/ebba-irc-bot/plugins/seen"
	"github.com/klppl/ebba-irc-bot/plugins/tell"
	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		IRC: logx.IRCConfig{
			Enabled:    cfg.Logging.IRC.Enabled,
			Target:     cfg.Logging.IRC.Target,
			MinLevel:   cfg.Logging.IRC.MinLevel,
			RatePerSec: cfg.Logging.IRC.RatePerSec,
		},
	})
	defer func() { _ = logs.Close() }()
	cfgMgr.SetLogger(log.With(logx.String("component", "config")))

	b, err := bot.New(ctx, cfgMgr, logs, log)
	if err != nil {
		return err
	}

	for name, factory := range pluginFactories() {
		if err := b.Plugins().Register(name, factory); err != nil {
			return err
		}
	}

	// Systemd integration is a no-op outside a unit.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdogLoop(ctx)

	log.Info("starting", logx.String("config", cfgPath), logx.String("nick", cfg.Identity.Nickname))
	err = b.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

func pluginFactories() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		"echo":   echo.New,
		"seen":   seen.New,
		"tell":   tell.New,
		"remind": remind.New,
		"ignore": ignore.New,
	}
}

func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
