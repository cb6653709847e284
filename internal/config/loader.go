package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the backend names known per backend kind.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = map[string][]string{
	"capture":  {"malgo", "portaudio", "pulse"},
	"playback": {"malgo", "oto"},
	"platform": {"pulse"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Zero values are accepted wherever [Config.ApplyDefaults] would fill them.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if sr := cfg.Audio.SampleRate; sr != 0 && (sr < 8000 || sr > 48000) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", sr))
	}
	seen := make(map[string]bool, len(cfg.Audio.CaptureBackends))
	for i, name := range cfg.Audio.CaptureBackends {
		if name == "" {
			errs = append(errs, fmt.Errorf("audio.capture_backends[%d] is empty", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("audio.capture_backends[%d] %q is listed twice", i, name))
		}
		seen[name] = true
		validateBackendName("capture", name)
	}
	validateBackendName("playback", cfg.Audio.PlaybackBackend)
	validateBackendName("platform", cfg.Audio.Platform)

	// Capture
	if cfg.Capture.EchoCancellation != "" && !cfg.Capture.EchoCancellation.IsValid() {
		errs = append(errs, fmt.Errorf("capture.echo_cancellation %q is invalid; valid values: off, on, system", cfg.Capture.EchoCancellation))
	}
	errs = appendNegative(errs, "capture.chunk_interval", cfg.Capture.ChunkInterval)
	errs = appendNegative(errs, "capture.latency", cfg.Capture.Latency)
	if cfg.Capture.PollBlockSize < 0 {
		errs = append(errs, fmt.Errorf("capture.poll_block_size %d must not be negative", cfg.Capture.PollBlockSize))
	}
	if cfg.Capture.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_depth %d must not be negative", cfg.Capture.QueueDepth))
	}

	// Playback
	errs = appendNegative(errs, "playback.min_buffer", cfg.Playback.MinBuffer)
	errs = appendNegative(errs, "playback.flush_delay", cfg.Playback.FlushDelay)
	errs = appendNegative(errs, "playback.poll_interval", cfg.Playback.PollInterval)
	if v := cfg.Playback.Volume; v != nil && (*v < 0 || *v > 1) {
		errs = append(errs, fmt.Errorf("playback.volume %.2f is out of range [0, 1]", *v))
	}

	// Passthrough
	if v := cfg.Passthrough.Volume; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("passthrough.volume %.2f is out of range [0, 1]", v))
	} else if v > 0.6 {
		slog.Warn("passthrough.volume above 0.6 is clamped to avoid feedback", "volume", v)
	}
	errs = appendNegative(errs, "passthrough.delay", cfg.Passthrough.Delay)
	if cfg.Passthrough.MaxBuffered < 0 {
		errs = append(errs, fmt.Errorf("passthrough.max_buffered %d must not be negative", cfg.Passthrough.MaxBuffered))
	}

	// Virtual microphone
	if p := cfg.VirtualMic.Path; p != "" && (!strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/")) {
		errs = append(errs, fmt.Errorf("virtual_mic.path %q must start and must not end with '/'", p))
	}
	if cfg.VirtualMic.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("virtual_mic.queue_size %d must not be negative", cfg.VirtualMic.QueueSize))
	}
	if b := cfg.VirtualMic.WebRTC.Bitrate; b != 0 && (b < 6000 || b > 510000) {
		errs = append(errs, fmt.Errorf("virtual_mic.webrtc.bitrate %d is out of range [6000, 510000]", b))
	}
	if cfg.VirtualMic.WebRTC.Enabled && !cfg.VirtualMic.Enabled {
		slog.Warn("virtual_mic.webrtc is enabled but virtual_mic is disabled; WebRTC transport will not start")
	}

	// System audio
	if cfg.SystemAudio.Enabled && cfg.Audio.Platform == "" {
		errs = append(errs, errors.New("system_audio.enabled requires audio.platform"))
	}
	errs = appendNegative(errs, "system_audio.chunk_interval", cfg.SystemAudio.ChunkInterval)
	if cfg.SystemAudio.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("system_audio.breaker.max_failures %d must not be negative", cfg.SystemAudio.Breaker.MaxFailures))
	}
	errs = appendNegative(errs, "system_audio.breaker.reset_timeout", cfg.SystemAudio.Breaker.ResetTimeout)

	// Devices
	errs = appendNegative(errs, "devices.refresh_interval", cfg.Devices.RefreshInterval)

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s must not be negative", field))
	}
	return errs
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name; may be a typo or a third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
