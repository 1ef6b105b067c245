package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/danishberg/scraptraffic/pkg/audio"
	"github.com/danishberg/scraptraffic/pkg/console"
	"github.com/danishberg/scraptraffic/pkg/engine"
	"github.com/danishberg/scraptraffic/pkg/errorsx"
	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/logging"
	"github.com/danishberg/scraptraffic/pkg/runner"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("phoneagent", pflag.ContinueOnError)
	configPath := flags.String("config", "configs/phoneagent.yaml", "path to the YAML config file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	listDevices := flags.Bool("list-devices", false, "print the audio devices and exit")
	flags.Int("input-device", audio.DefaultDevice, "input device index, -1 for the system default")
	flags.Int("output-device", audio.DefaultDevice, "output device index, -1 for the system default")
	flags.String("vad", "energy", "voice activity detector: energy or webrtc")
	flags.Bool("push-to-talk", false, "only listen while SPACE is toggled on")
	flags.String("debug", engine.DebugNone, "status line detail: none, energy or status")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	runner.PrintBanner(os.Stdout)

	if *listDevices {
		devs, err := audio.ListDevices()
		if err != nil {
			fmt.Fprintln(os.Stderr, "list devices:", err)
			return 1
		}
		audio.FormatDevices(os.Stdout, devs)
		return 0
	}

	cfg, err := engine.LoadConfig(*configPath, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorsx.Wrap(err, errorsx.ReasonConfigInvalid))
		return 1
	}

	con := console.New(console.Options{
		Keyboard:   cfg.Controls.Keyboard,
		PushToTalk: cfg.Controls.PushToTalk,
		Debug:      cfg.Controls.Debug,
	})
	var logOut io.Writer = os.Stderr
	if cfg.Controls.Keyboard {
		logOut = con.Writer()
	}
	log := logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: logOut})

	obs, err := engine.NewObservability(cfg.Observability, log)
	if err != nil {
		log.Error("observability_init_failed", "error", err)
		return 1
	}
	defer func() {
		if err := obs.Close(2 * time.Second); err != nil {
			log.Warn("observability_close_failed", "error", err)
		}
	}()

	providers := engine.DefaultProviders()
	sess, err := providers.BuildSession(cfg, log)
	if err != nil {
		log.Error("session_init_failed", "provider", cfg.Session.Provider, "error", errorsx.Wrap(err, errorsx.ReasonConfigInvalid))
		return 1
	}

	outRate := frames.SampleRate24k
	if r, ok := sess.(interface{ OutputSampleRate() int }); ok {
		outRate = r.OutputSampleRate()
	}
	player, err := audio.OpenPlayer(cfg.Audio.OutputDevice, outRate, log)
	if err != nil {
		log.Error("playback_open_failed", "device", cfg.Audio.OutputDevice, "error", errorsx.Wrap(err, errorsx.ReasonPlaybackOpen))
		_ = sess.Close()
		return 1
	}

	captions, err := providers.BuildCaptions(cfg, con.Caption, log)
	if err != nil {
		log.Warn("captions_disabled", "provider", cfg.Captions.Provider, "error", err)
		captions = nil
	}

	eng, err := engine.New(engine.Options{
		Config:  cfg,
		Session: sess,
		Sink:    player,
		OpenCapture: func(format frames.Format, handler audio.FrameHandler) (engine.Capture, error) {
			c, err := audio.OpenCapture(audio.CaptureConfig{Device: cfg.Audio.InputDevice, Format: format}, handler, log)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Captions:         captions,
		Talk:             con,
		Display:          con,
		Console:          con,
		Observer:         obs.Observer(),
		Logger:           log,
		OutputSampleRate: outRate,
	})
	if err != nil {
		log.Error("engine_init_failed", "error", err)
		_ = player.Close()
		_ = sess.Close()
		return 1
	}
	con.Attach(eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lr := runner.NewLifecycleRunner(eng, eng, runner.Hooks{
		OnStart: func() {
			log.Info("phoneagent_start",
				"environment", cfg.Environment,
				"session_id", eng.SessionID(),
				"provider", sess.Name(),
				"vad", cfg.VAD.Strategy,
				"reopen_policy", cfg.Turn.ReopenPolicy,
			)
		},
		OnStop: func() {
			log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "turns", eng.Coordinator().Completed())
		},
	}, cfg.ShutdownTimeout())

	if err := lr.Run(ctx); err != nil {
		log.Error("phoneagent_failed", "error", err, "reason", errorsx.Reason(err))
		return 1
	}
	return 0
}
