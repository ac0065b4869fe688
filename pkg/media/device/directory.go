package device

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Profile is a video capture profile.
type Profile struct {
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // kbps, 0 lets the encoder decide
}

// DefaultProfile is used for two-party calls.
var DefaultProfile = Profile{Width: 640, Height: 480, FrameRate: 30, Bitrate: 1500}

// Directory tracks available devices and the caller's selection.
// It is safe for concurrent use.
type Directory struct {
	src Source

	mu       sync.Mutex
	devices  []Info
	selected map[Kind]string
	onChange []func([]Info)
}

// NewDirectory returns a Directory backed by src. Call [Directory.Refresh]
// or [Directory.Watch] to populate it.
func NewDirectory(src Source) *Directory {
	return &Directory{src: src, selected: make(map[Kind]string)}
}

// Source returns the capture backend.
func (d *Directory) Source() Source { return d.src }

// Refresh re-enumerates devices. Change listeners run when the set of
// devices or their labels differ from the previous enumeration.
func (d *Directory) Refresh(ctx context.Context) ([]Info, error) {
	list, err := d.src.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	changed := !slices.Equal(d.devices, list)
	d.devices = list
	d.resolveLocked()
	fns := slices.Clone(d.onChange)
	d.mu.Unlock()

	if changed {
		slog.Debug("device: devices changed", "count", len(list))
		for _, fn := range fns {
			fn(slices.Clone(list))
		}
	}
	return slices.Clone(list), nil
}

// Watch re-enumerates every interval until ctx ends, standing in for
// plug/unplug notifications on platforms without them.
func (d *Directory) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.Refresh(ctx); err != nil {
				slog.Warn("device: enumerate failed", "err", err)
			}
		}
	}
}

// OnChange registers fn to run after an enumeration that changed the device
// list.
func (d *Directory) OnChange(fn func([]Info)) {
	d.mu.Lock()
	d.onChange = append(d.onChange, fn)
	d.mu.Unlock()
}

// Devices returns the last enumeration filtered by kind.
func (d *Directory) Devices(kind Kind) []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Info
	for _, i := range d.devices {
		if i.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

// Select records id as the preferred device of kind.
func (d *Directory) Select(kind Kind, id string) {
	d.mu.Lock()
	d.selected[kind] = id
	d.mu.Unlock()
}

// Selected returns the selected device id of kind, or "" for the system
// default.
func (d *Directory) Selected(kind Kind) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected[kind]
}

// resolveLocked replaces the placeholder "default" selection with a concrete
// device once labels are known, and drops selections whose device is gone.
func (d *Directory) resolveLocked() {
	labelled := slices.ContainsFunc(d.devices, func(i Info) bool { return i.Label != "" })
	for kind, id := range d.selected {
		if id == "" {
			continue
		}
		if id == "default" {
			if !labelled {
				continue
			}
			for _, i := range d.devices {
				if i.Kind == kind && i.Default {
					d.selected[kind] = i.ID
					break
				}
			}
			continue
		}
		if !slices.ContainsFunc(d.devices, func(i Info) bool { return i.ID == id }) {
			slog.Info("device: selected device disappeared", "kind", kind, "id", id)
			delete(d.selected, kind)
		}
	}
}

// AudioConstraints returns the constraints for the selected microphone.
func (d *Directory) AudioConstraints() Constraints {
	return Constraints{
		DeviceID:   d.concrete(KindAudioInput),
		SampleRate: SampleRate,
		Channels:   Channels,
	}
}

// VideoConstraints returns the constraints for the selected camera shaped
// by p.
func (d *Directory) VideoConstraints(p Profile) Constraints {
	return Constraints{
		DeviceID:  d.concrete(KindVideoInput),
		Width:     p.Width,
		Height:    p.Height,
		FrameRate: p.FrameRate,
	}
}

func (d *Directory) concrete(kind Kind) string {
	id := d.Selected(kind)
	if id == "default" {
		return ""
	}
	return id
}
