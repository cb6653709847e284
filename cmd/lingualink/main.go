// Command lingualink runs the real-time audio pipeline of a live voice
// translation client: microphone capture, streaming playback of translated
// speech, passthrough monitoring, the virtual microphone bridge, and system
// audio capture.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lingualink/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lingualink: %v\n", err)
		return 1
	}
	return 0
}

// ── Commands ──────────────────────────────────────────────────────────────────

type rootOptions struct {
	configPath string
	watch      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "lingualink",
		Short:         "Real-time audio pipeline for live voice translation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the audio pipeline and the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	runCmd.Flags().BoolVar(&opts.watch, "watch", true, "reload the configuration file when it changes")

	root.AddCommand(runCmd, newDevicesCmd(opts), newSourcesCmd(opts), newBackendsCmd())
	return root
}

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input and output devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			b, err := buildBackends(cfg, newRegistry(), log)
			if err != nil {
				return err
			}
			defer b.Close()
			if b.Devices == nil {
				return errors.New("no backend can enumerate devices")
			}

			ins, err := b.Devices.Inputs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list inputs: %w", err)
			}
			outs, err := b.Devices.Outputs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list outputs: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Inputs:")
			for _, d := range ins {
				fmt.Fprintf(w, "  %s\t%s%s\n", d.ID, d.Label, deviceFlags(d.IsDefault, d.IsVirtual))
			}
			fmt.Fprintln(w, "Outputs:")
			for _, d := range outs {
				fmt.Fprintf(w, "  %s\t%s%s\n", d.ID, d.Label, deviceFlags(d.IsDefault, d.IsVirtual))
			}
			return nil
		},
	}
}

func newSourcesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List capturable system audio sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			b, err := buildBackends(cfg, newRegistry(), log)
			if err != nil {
				return err
			}
			defer b.Close()
			if b.Platform == nil || !b.Platform.SupportsSystemAudioCapture() {
				return fmt.Errorf("system audio capture is not available with platform %q", cfg.Audio.Platform)
			}
			srcs, err := b.Platform.ListSystemAudioSources(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			w := cmd.OutOrStdout()
			for _, s := range srcs {
				fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Label)
			}
			return nil
		},
	}
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the audio backends compiled into this binary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			for _, kind := range []string{"capture", "playback", "platform"} {
				fmt.Fprintf(w, "%-9s %v\n", kind+":", newRegistry().Names()[kind])
			}
			return nil
		},
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	return cfg, newLogger(level), nil
}

// newLogger creates a text logger whose level follows lvl.
func newLogger(lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func deviceFlags(isDefault, isVirtual bool) string {
	switch {
	case isDefault && isVirtual:
		return " (default, virtual)"
	case isDefault:
		return " (default)"
	case isVirtual:
		return " (virtual)"
	}
	return ""
}
