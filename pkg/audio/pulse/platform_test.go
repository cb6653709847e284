package pulse

import (
	"strings"
	"testing"
)

type fakeSource struct{ id, name string }

func (s fakeSource) ID() string   { return s.id }
func (s fakeSource) Name() string { return s.name }

func TestMonitorSources(t *testing.T) {
	t.Parallel()

	sources := []fakeSource{
		{"alsa_input.usb-mic", "USB Microphone"},
		{"alsa_output.pci.analog-stereo.monitor", "Monitor of Built-in Audio"},
		{"bluez_output.headset.monitor", "Monitor of Headset"},
		{DefaultVirtualSink + ".monitor", "Monitor of lingualink"},
	}
	got := monitorSources(sources, DefaultVirtualSink)
	if len(got) != 2 {
		t.Fatalf("got %d sources, want 2: %+v", len(got), got)
	}
	if got[0].ID != "alsa_output.pci.analog-stereo.monitor" || got[0].Label != "Monitor of Built-in Audio" {
		t.Errorf("first source = %+v", got[0])
	}
	for _, s := range got {
		if s.ID == DefaultVirtualSink+".monitor" {
			t.Error("virtual sink's own monitor listed")
		}
	}
}

func TestLoopbackArgs(t *testing.T) {
	t.Parallel()

	args := loopbackArgs("alsa_output.monitor", "vsink")
	for _, want := range []string{"source=alsa_output.monitor", "sink=vsink", "latency_msec=20"} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}
