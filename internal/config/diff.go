package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Fields that can be applied at runtime are tracked individually; everything
// else is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CaptureDeviceChanged bool
	NewCaptureDevice     string

	OutputDevicesChanged bool
	NewOutputDevices     []string

	VolumeChanged bool
	NewVolume     float64

	PassthroughChanged bool
	NewPassthrough     PassthroughConfig

	SystemAudioSourceChanged bool
	NewSystemAudioSource     string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart (e.g., "server", "audio").
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CaptureDeviceChanged && !d.OutputDevicesChanged &&
		!d.VolumeChanged && !d.PassthroughChanged && !d.SystemAudioSourceChanged &&
		len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Capture.DeviceID != new.Capture.DeviceID {
		d.CaptureDeviceChanged = true
		d.NewCaptureDevice = new.Capture.DeviceID
	}

	if !slices.Equal(old.Playback.OutputDevices, new.Playback.OutputDevices) {
		d.OutputDevicesChanged = true
		d.NewOutputDevices = slices.Clone(new.Playback.OutputDevices)
	}

	if old.Playback.GlobalVolume() != new.Playback.GlobalVolume() {
		d.VolumeChanged = true
		d.NewVolume = new.Playback.GlobalVolume()
	}

	if old.Passthrough.Enabled != new.Passthrough.Enabled || old.Passthrough.Volume != new.Passthrough.Volume {
		d.PassthroughChanged = true
		d.NewPassthrough = new.Passthrough
	}
	if old.Passthrough.Delay != new.Passthrough.Delay || old.Passthrough.MaxBuffered != new.Passthrough.MaxBuffered {
		d.RestartRequired = append(d.RestartRequired, "passthrough")
	}

	if old.SystemAudio.SourceID != new.SystemAudio.SourceID {
		d.SystemAudioSourceChanged = true
		d.NewSystemAudioSource = new.SystemAudio.SourceID
	}

	// Everything else is wired at startup.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	oldCap, newCap := old.Capture, new.Capture
	oldCap.DeviceID, newCap.DeviceID = "", ""
	if !reflect.DeepEqual(oldCap, newCap) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Playback.MinBuffer != new.Playback.MinBuffer ||
		old.Playback.FlushDelay != new.Playback.FlushDelay ||
		old.Playback.PollInterval != new.Playback.PollInterval {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if !reflect.DeepEqual(old.VirtualMic, new.VirtualMic) {
		d.RestartRequired = append(d.RestartRequired, "virtual_mic")
	}
	oldSys, newSys := old.SystemAudio, new.SystemAudio
	oldSys.SourceID, newSys.SourceID = "", ""
	if !reflect.DeepEqual(oldSys, newSys) {
		d.RestartRequired = append(d.RestartRequired, "system_audio")
	}
	if old.Devices != new.Devices {
		d.RestartRequired = append(d.RestartRequired, "devices")
	}

	return d
}
