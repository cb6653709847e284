package pulse

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"

	"github.com/MrWong99/lingualink/pkg/audio"
)

type recordStream struct {
	s    *pulse.RecordStream
	once sync.Once
}

// Open implements [audio.CaptureBackend]. The sound server pushes audio to
// onData from the client's reader goroutine.
func (p *Platform) Open(ctx context.Context, deviceID string, c audio.Constraints, onData func([]int16)) (audio.CaptureStream, error) {
	if c.Channels != 1 {
		return nil, fmt.Errorf("pulse: %d channels: %w", c.Channels, audio.ErrBackendUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		src *pulse.Source
		err error
	)
	if deviceID == "" || deviceID == "default" {
		src, err = p.client.DefaultSource()
	} else {
		src, err = p.client.SourceByID(deviceID)
	}
	if err != nil {
		return nil, &audio.DeviceError{Reason: audio.ReasonNotFound, DeviceID: deviceID, Err: err}
	}

	w := pulse.Int16Writer(func(pcm []int16) (int, error) {
		onData(pcm)
		return len(pcm), nil
	})
	s, err := p.client.NewRecord(w,
		pulse.RecordSource(src),
		pulse.RecordMono,
		pulse.RecordSampleRate(c.SampleRate),
		pulse.RecordLatency(c.Latency.Seconds()),
		pulse.RecordMediaName("lingualink capture"),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse: open record stream on %q: %w", src.ID(), err)
	}
	s.Start()
	p.log.Debug("pulse: capture started", "source", src.ID(), "sample_rate", c.SampleRate)
	return &recordStream{s: s}, nil
}

// Close implements [audio.CaptureStream].
func (r *recordStream) Close() error {
	r.once.Do(func() {
		r.s.Stop()
		r.s.Close()
	})
	return nil
}
