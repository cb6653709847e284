// Package config provides the configuration schema, loader, file watcher, and
// backend registry for the lingualink audio service.
package config

import "time"

// LogLevel controls log verbosity for the lingualink server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// EchoCancellation is the configuration spelling of the capture echo
// cancellation mode.
type EchoCancellation string

const (
	EchoOff    EchoCancellation = "off"
	EchoOn     EchoCancellation = "on"
	EchoSystem EchoCancellation = "system"
)

// IsValid reports whether e is a recognised mode.
func (e EchoCancellation) IsValid() bool {
	switch e {
	case EchoOff, EchoOn, EchoSystem:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr       = "127.0.0.1:7300"
	DefaultSampleRate       = 24000
	DefaultChunkInterval    = 100 * time.Millisecond
	DefaultLatency          = 20 * time.Millisecond
	DefaultPollBlockSize    = 4096
	DefaultQueueDepth       = 32
	DefaultMinBuffer        = 100 * time.Millisecond
	DefaultFlushDelay       = 100 * time.Millisecond
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultPassDelay        = 150 * time.Millisecond
	DefaultPassVolume       = 0.3
	DefaultPassMaxBuffered  = 10
	DefaultVirtualMicPath   = "/virtual-mic"
	DefaultVirtualMicQueue  = 64
	DefaultWebRTCBitrate    = 32000
	DefaultInputLabel       = "lingualink-system-audio"
	DefaultBreakerFailures  = 3
	DefaultBreakerReset     = 30 * time.Second
	DefaultRefreshInterval  = 2 * time.Second
	DefaultShutdownDeadline = 15 * time.Second
)

// Config is the root configuration structure for lingualink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Capture     CaptureConfig     `yaml:"capture"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Passthrough PassthroughConfig `yaml:"passthrough"`
	VirtualMic  VirtualMicConfig  `yaml:"virtual_mic"`
	SystemAudio SystemAudioConfig `yaml:"system_audio"`
	Devices     DevicesConfig     `yaml:"devices"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig selects the pipeline sample rate and the host backends.
// Backend names are looked up in the [Registry].
type AudioConfig struct {
	// SampleRate is the pipeline-wide PCM rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// CaptureBackends lists capture backends in preference order
	// (e.g., ["malgo", "portaudio"]).
	CaptureBackends []string `yaml:"capture_backends"`

	// PlaybackBackend selects the sink implementation (e.g., "malgo", "oto").
	PlaybackBackend string `yaml:"playback_backend"`

	// Platform selects the system audio integration (e.g., "pulse").
	// Empty disables system audio capture.
	Platform string `yaml:"platform"`
}

// CaptureConfig configures microphone acquisition.
type CaptureConfig struct {
	// DeviceID selects the input device. Empty uses the system default.
	DeviceID string `yaml:"device_id"`

	// ChunkInterval is the length of each frame handed to the recording
	// callback.
	ChunkInterval time.Duration `yaml:"chunk_interval"`

	EchoCancellation EchoCancellation `yaml:"echo_cancellation"`
	AutoGainControl  *bool            `yaml:"auto_gain_control"`

	// Latency is the target backend callback period.
	Latency time.Duration `yaml:"latency"`

	// PollBlockSize is the block length in samples used by polling backends.
	PollBlockSize int `yaml:"poll_block_size"`

	// QueueDepth is the number of preallocated blocks between the audio
	// thread and the control goroutine.
	QueueDepth int `yaml:"queue_depth"`
}

// AGC returns the effective auto gain control setting, defaulting to on.
func (c CaptureConfig) AGC() bool {
	return c.AutoGainControl == nil || *c.AutoGainControl
}

// PlaybackConfig configures the streaming playback engine.
type PlaybackConfig struct {
	// OutputDevices selects the sinks. Empty uses the system default.
	OutputDevices []string `yaml:"output_devices"`

	MinBuffer    time.Duration `yaml:"min_buffer"`
	FlushDelay   time.Duration `yaml:"flush_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// Volume is the global playback volume in [0, 1].
	Volume *float64 `yaml:"volume"`
}

// GlobalVolume returns the effective playback volume, defaulting to 1.
func (c PlaybackConfig) GlobalVolume() float64 {
	if c.Volume == nil {
		return 1
	}
	return *c.Volume
}

// PassthroughConfig configures local monitoring of the live microphone.
type PassthroughConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Volume      float64       `yaml:"volume"`
	Delay       time.Duration `yaml:"delay"`
	MaxBuffered int           `yaml:"max_buffered"`
}

// VirtualMicConfig configures the virtual microphone bridge and its
// transports.
type VirtualMicConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path prefix of the transports. The WebSocket hub is
	// served at Path+"/ws" and the WebRTC offer endpoint at
	// Path+"/webrtc/offer".
	Path string `yaml:"path"`

	// QueueSize bounds the number of buffers waiting for fan-out.
	QueueSize int `yaml:"queue_size"`

	// OriginPatterns lists additional WebSocket origins allowed to connect.
	OriginPatterns []string `yaml:"origin_patterns"`

	WebRTC WebRTCConfig `yaml:"webrtc"`
}

// WebRTCConfig configures the WebRTC virtual microphone transport.
type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ICEServers []string `yaml:"ice_servers"`
	Bitrate    int      `yaml:"bitrate"`
}

// SystemAudioConfig configures participant audio capture.
type SystemAudioConfig struct {
	Enabled bool `yaml:"enabled"`

	// InputLabel identifies the virtual capture input fed by the loopback
	// link.
	InputLabel string `yaml:"input_label"`

	// SourceID, when set, is connected automatically at startup.
	SourceID string `yaml:"source_id"`

	// ChunkInterval is the frame length handed to the recording callback.
	ChunkInterval time.Duration `yaml:"chunk_interval"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around loopback connects.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DevicesConfig configures the device watcher.
type DevicesConfig struct {
	// RefreshInterval is how often device lists are re-enumerated.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ApplyDefaults fills every unset field with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownDeadline
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if len(c.Audio.CaptureBackends) == 0 {
		c.Audio.CaptureBackends = []string{"malgo", "portaudio"}
	}
	if c.Audio.PlaybackBackend == "" {
		c.Audio.PlaybackBackend = "malgo"
	}

	if c.Capture.ChunkInterval == 0 {
		c.Capture.ChunkInterval = DefaultChunkInterval
	}
	if c.Capture.EchoCancellation == "" {
		c.Capture.EchoCancellation = EchoSystem
	}
	if c.Capture.Latency == 0 {
		c.Capture.Latency = DefaultLatency
	}
	if c.Capture.PollBlockSize == 0 {
		c.Capture.PollBlockSize = DefaultPollBlockSize
	}
	if c.Capture.QueueDepth == 0 {
		c.Capture.QueueDepth = DefaultQueueDepth
	}

	if c.Playback.MinBuffer == 0 {
		c.Playback.MinBuffer = DefaultMinBuffer
	}
	if c.Playback.FlushDelay == 0 {
		c.Playback.FlushDelay = DefaultFlushDelay
	}
	if c.Playback.PollInterval == 0 {
		c.Playback.PollInterval = DefaultPollInterval
	}

	if c.Passthrough.Volume == 0 {
		c.Passthrough.Volume = DefaultPassVolume
	}
	if c.Passthrough.Delay == 0 {
		c.Passthrough.Delay = DefaultPassDelay
	}
	if c.Passthrough.MaxBuffered == 0 {
		c.Passthrough.MaxBuffered = DefaultPassMaxBuffered
	}

	if c.VirtualMic.Path == "" {
		c.VirtualMic.Path = DefaultVirtualMicPath
	}
	if c.VirtualMic.QueueSize == 0 {
		c.VirtualMic.QueueSize = DefaultVirtualMicQueue
	}
	if c.VirtualMic.WebRTC.Bitrate == 0 {
		c.VirtualMic.WebRTC.Bitrate = DefaultWebRTCBitrate
	}

	if c.SystemAudio.InputLabel == "" {
		c.SystemAudio.InputLabel = DefaultInputLabel
	}
	if c.SystemAudio.ChunkInterval == 0 {
		c.SystemAudio.ChunkInterval = DefaultChunkInterval
	}
	if c.SystemAudio.Breaker.MaxFailures == 0 {
		c.SystemAudio.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if c.SystemAudio.Breaker.ResetTimeout == 0 {
		c.SystemAudio.Breaker.ResetTimeout = DefaultBreakerReset
	}

	if c.Devices.RefreshInterval == 0 {
		c.Devices.RefreshInterval = DefaultRefreshInterval
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}
