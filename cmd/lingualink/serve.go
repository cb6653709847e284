package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/lingualink/internal/config"
	"github.com/MrWong99/lingualink/internal/observe"
	"github.com/MrWong99/lingualink/internal/service"
)

// serve runs the pipeline until ctx is cancelled, then shuts it down within
// the configured timeout.
func serve(ctx context.Context, opts *rootOptions) error {
	// ── Configuration + logger ────────────────────────────────────────────────
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	log := newLogger(level)
	slog.SetDefault(log)

	log.Info("lingualink starting",
		"version", version,
		"config", opts.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:     "lingualink",
		ServiceVersion:  version,
		SampleRate:      cfg.Audio.SampleRate,
		Platform:        cfg.Audio.Platform,
		CaptureBackends: cfg.Audio.CaptureBackends,
		PlaybackBackend: cfg.Audio.PlaybackBackend,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Backends ──────────────────────────────────────────────────────────────
	backends, err := buildBackends(cfg, newRegistry(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("backend close", "err", err)
		}
	}()
	printStartupSummary(log, cfg, backends)

	// ── Service ───────────────────────────────────────────────────────────────
	svc, err := service.New(ctx, cfg, &backends.Backends, service.WithLogger(log))
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if opts.watch {
		w, err := config.NewWatcher(opts.configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.Empty() {
				return
			}
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				log.Info("log level changed", "level", d.NewLogLevel)
			}
			if err := svc.ApplyConfig(ctx, d); err != nil {
				log.Warn("config reload partially applied", "err", err)
				return
			}
			log.Info("config reloaded")
		}, config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	log.Info("pipeline ready, press Ctrl+C to shut down")
	runErr := svc.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if runErr != nil {
		return runErr
	}
	log.Info("goodbye")
	return nil
}

func printStartupSummary(log *slog.Logger, cfg *config.Config, b *backendSet) {
	capture := make([]string, 0, len(b.Capture))
	for _, c := range b.Capture {
		capture = append(capture, c.Name())
	}
	log.Info("audio backends",
		"sample_rate", cfg.Audio.SampleRate,
		"capture", capture,
		"playback", cfg.Audio.PlaybackBackend,
		"platform", cfg.Audio.Platform,
		"device_enumeration", b.Devices != nil,
	)
	log.Info("features",
		"passthrough", cfg.Passthrough.Enabled,
		"virtual_mic", cfg.VirtualMic.Enabled,
		"webrtc", cfg.VirtualMic.Enabled && cfg.VirtualMic.WebRTC.Enabled,
		"system_audio", cfg.SystemAudio.Enabled && b.Platform != nil,
	)
}
