//go:build !nocgo

// Package malgo implements the callback-driven audio backend on miniaudio:
// low-latency capture, routable playback sinks that mix their voices in the
// device callback, and device enumeration.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/lingualink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureBackend   = (*Backend)(nil)
	_ audio.SinkOpener       = (*Backend)(nil)
	_ audio.DeviceEnumerator = (*Backend)(nil)
)

// Backend owns one miniaudio context shared by all devices it opens.
type Backend struct {
	log *slog.Logger

	mu     sync.Mutex
	ctx    *ma.AllocatedContext
	closed bool
}

// New initializes a miniaudio context with the platform's default backend
// order.
func New(log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		log.Debug("malgo: " + msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{log: log, ctx: ctx}, nil
}

// Name implements [audio.CaptureBackend].
func (b *Backend) Name() string { return "malgo" }

// Inputs implements [audio.DeviceEnumerator].
func (b *Backend) Inputs(context.Context) ([]audio.DeviceDescriptor, error) {
	return b.list(ma.Capture, audio.DeviceInput)
}

// Outputs implements [audio.DeviceEnumerator].
func (b *Backend) Outputs(context.Context) ([]audio.DeviceDescriptor, error) {
	return b.list(ma.Playback, audio.DeviceOutput)
}

// Close releases the context. Devices must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

func (b *Backend) context() (*ma.AllocatedContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("malgo: backend closed")
	}
	return b.ctx, nil
}

func (b *Backend) list(typ ma.DeviceType, kind audio.DeviceKind) ([]audio.DeviceDescriptor, error) {
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("malgo: list %s devices: %w", kind, err)
	}
	out := make([]audio.DeviceDescriptor, 0, len(infos))
	for _, info := range infos {
		d := audio.NewDeviceDescriptor(kind, info.ID.String(), info.Name())
		d.IsDefault = info.IsDefault != 0
		out = append(out, d)
	}
	return out, nil
}

// lookup returns the device info whose ID string is id. An empty id selects
// the default device and returns nil.
func (b *Backend) lookup(typ ma.DeviceType, id string) (*ma.DeviceInfo, error) {
	if id == "" || id == "default" {
		return nil, nil
	}
	ctx, err := b.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("malgo: list devices: %w", err)
	}
	for i := range infos {
		if infos[i].ID.String() == id {
			info := infos[i]
			return &info, nil
		}
	}
	return nil, &audio.DeviceError{Reason: audio.ReasonNotFound, DeviceID: id}
}
