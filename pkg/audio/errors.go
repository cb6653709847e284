package audio

import (
	"errors"
	"strings"
)

// Capture state-machine misuse. These indicate an integration bug and are
// never retried.
var (
	ErrAlreadyConnected = errors.New("audio: capture device already connected")
	ErrAlreadyRecording = errors.New("audio: already recording")
	ErrAlreadyPaused    = errors.New("audio: not recording")
	ErrNotBegun         = errors.New("audio: capture not begun")
)

var (
	// ErrDeviceUnavailable is matched by every [*DeviceError].
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrConnectFailed is returned when the system audio loopback link could
	// not be switched. Callers may retry or continue without participant
	// audio.
	ErrConnectFailed = errors.New("audio: system audio connect failed")

	// ErrRenderFailure marks a single playback buffer that could not be
	// rendered. The playback engine logs it and moves on.
	ErrRenderFailure = errors.New("audio: render failure")

	// ErrBufferOverflow marks a passthrough chunk dropped because the ring
	// buffer was full.
	ErrBufferOverflow = errors.New("audio: buffer overflow")

	// ErrBackendUnsupported is returned by a backend that cannot serve a
	// request on this host, so the next backend in preference order is tried.
	ErrBackendUnsupported = errors.New("audio: backend unsupported")
)

// DeviceReason distinguishes the causes of [ErrDeviceUnavailable] that need
// different remediation.
type DeviceReason int

const (
	ReasonNotFound DeviceReason = iota
	ReasonPermissionDenied
	ReasonBusy
)

// String returns the metric and log spelling of the reason.
func (r DeviceReason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// DeviceError reports that a device could not be acquired.
type DeviceError struct {
	Reason   DeviceReason
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	var b strings.Builder
	b.WriteString("audio: device ")
	if e.DeviceID != "" {
		b.WriteString("\"" + e.DeviceID + "\" ")
	}
	b.WriteString("unavailable (")
	b.WriteString(e.Reason.String())
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the backend error.
func (e *DeviceError) Unwrap() error { return e.Err }

// Is makes every DeviceError match [ErrDeviceUnavailable].
func (e *DeviceError) Is(target error) bool { return target == ErrDeviceUnavailable }

// UserMessage returns remediation text suitable for showing to the user.
func (e *DeviceError) UserMessage() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Microphone access was denied. Grant audio recording permission to this application in your system privacy settings, then try again."
	case ReasonBusy:
		return "The audio device is in use by another application. Close the other application or pick a different device."
	default:
		return "No audio input device was found. Connect a microphone or select another device."
	}
}

// ClassifyDeviceError wraps err in a [*DeviceError], inferring the reason from
// the error text when err is not already one. It returns nil for nil.
func ClassifyDeviceError(deviceID string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	return &DeviceError{Reason: reasonFromText(err.Error()), DeviceID: deviceID, Err: err}
}

func reasonFromText(msg string) DeviceReason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "permission"), strings.Contains(m, "denied"),
		strings.Contains(m, "not allowed"), strings.Contains(m, "unauthori"):
		return ReasonPermissionDenied
	case strings.Contains(m, "busy"), strings.Contains(m, "in use"),
		strings.Contains(m, "exclusive"), strings.Contains(m, "not readable"):
		return ReasonBusy
	default:
		return ReasonNotFound
	}
}
