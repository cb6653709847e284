package audio

import "strings"

// DeviceKind distinguishes input from output devices.
type DeviceKind string

const (
	DeviceInput  DeviceKind = "input"
	DeviceOutput DeviceKind = "output"
)

// DeviceDescriptor describes one host audio device. Descriptor lists are
// replaced wholesale on refresh and never mutated in place.
type DeviceDescriptor struct {
	ID        string     `json:"deviceId"`
	Label     string     `json:"label"`
	Kind      DeviceKind `json:"kind"`
	IsVirtual bool       `json:"isVirtual"`
	IsDefault bool       `json:"isDefault,omitempty"`
}

// virtualMarkers are lower-case label substrings that identify virtual or
// loopback devices.
var virtualMarkers = []string{
	"virtual",
	"vb-audio",
	"vb-cable",
	"cable output",
	"cable input",
	"blackhole",
	"loopback",
	"soundflower",
	"voicemeeter",
	"monitor of",
	"null output",
}

// IsVirtualLabel reports whether label looks like a virtual audio device.
func IsVirtualLabel(label string) bool {
	l := strings.ToLower(label)
	for _, m := range virtualMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// NewDeviceDescriptor builds a descriptor and derives IsVirtual from label.
func NewDeviceDescriptor(kind DeviceKind, id, label string) DeviceDescriptor {
	return DeviceDescriptor{
		ID:        id,
		Label:     label,
		Kind:      kind,
		IsVirtual: IsVirtualLabel(label),
	}
}

// FindByLabel returns the first descriptor whose label contains label,
// compared case-insensitively.
func FindByLabel(devices []DeviceDescriptor, label string) (DeviceDescriptor, bool) {
	want := strings.ToLower(label)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Label), want) {
			return d, true
		}
	}
	return DeviceDescriptor{}, false
}

// FindByID returns the descriptor with the given ID.
func FindByID(devices []DeviceDescriptor, id string) (DeviceDescriptor, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceDescriptor{}, false
}
