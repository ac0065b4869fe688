package device

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/circlecall/pkg/media"
)

func TestDirectoryRefreshNotifiesOnChange(t *testing.T) {
	t.Parallel()

	src := NewSynthetic()
	d := NewDirectory(src)
	calls := 0
	d.OnChange(func([]Info) { calls++ })

	ctx := context.Background()
	if _, err := d.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("change callbacks = %d, want 1", calls)
	}

	src.SetDevices(append(src.devices, Info{ID: "usb-cam", Kind: KindVideoInput, Label: "USB"}))
	if _, err := d.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("change callbacks = %d after plug, want 2", calls)
	}
	if got := len(d.Devices(KindVideoInput)); got != 2 {
		t.Errorf("video devices = %d, want 2", got)
	}
}

func TestDirectoryResolvesDefaultOnceLabelled(t *testing.T) {
	t.Parallel()

	src := NewSynthetic()
	src.SetDevices([]Info{
		{ID: "a", Kind: KindVideoInput},
		{ID: "b", Kind: KindVideoInput, Default: true},
	})
	d := NewDirectory(src)
	d.Select(KindVideoInput, "default")

	ctx := context.Background()
	if _, err := d.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := d.Selected(KindVideoInput); got != "default" {
		t.Fatalf("resolved without labels: %q", got)
	}
	if c := d.VideoConstraints(DefaultProfile); c.DeviceID != "" {
		t.Errorf("placeholder leaked into constraints: %q", c.DeviceID)
	}

	src.SetDevices([]Info{
		{ID: "a", Kind: KindVideoInput, Label: "Front"},
		{ID: "b", Kind: KindVideoInput, Label: "Back", Default: true},
	})
	if _, err := d.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := d.Selected(KindVideoInput); got != "b" {
		t.Errorf("selected = %q, want b", got)
	}
}

func TestDirectoryDropsUnpluggedSelection(t *testing.T) {
	t.Parallel()

	src := NewSynthetic()
	d := NewDirectory(src)
	d.Select(KindAudioInput, "synthetic-mic")
	src.SetDevices(nil)
	if _, err := d.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := d.Selected(KindAudioInput); got != "" {
		t.Errorf("selected = %q after unplug, want empty", got)
	}
}

func TestSyntheticVideoMatchesConstraints(t *testing.T) {
	t.Parallel()

	src := NewSynthetic()
	v, err := src.OpenVideo(context.Background(), Constraints{Width: 320, Height: 240})
	if err != nil {
		t.Fatal(err)
	}
	img, release, err := v.Read()
	if err != nil {
		t.Fatal(err)
	}
	release()
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("frame = %v, want 320x240", b)
	}
	_ = v.Close()
	if _, _, err := v.Read(); !errors.Is(err, ErrEnded) {
		t.Errorf("read after close: %v", err)
	}
}

func TestSyntheticScreenEnds(t *testing.T) {
	t.Parallel()

	src := NewSynthetic()
	s, err := src.OpenScreen(context.Background(), Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	ended := make(chan struct{})
	s.(EndNotifier).OnEnded(func() { close(ended) })
	src.EndScreens()
	select {
	case <-ended:
	default:
		t.Fatal("OnEnded not called")
	}
}

func TestSyntheticDenied(t *testing.T) {
	t.Parallel()

	src := NewSynthetic()
	src.DenyVideo = true
	if _, err := src.OpenVideo(context.Background(), Constraints{}); !errors.Is(err, media.ErrDevice) {
		t.Errorf("err = %v, want ErrDevice", err)
	}
}

func TestToneFrameSize(t *testing.T) {
	t.Parallel()

	a, err := NewSynthetic().OpenAudio(context.Background(), Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	pcm, err := a.ReadPCM()
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != FrameSamples*Channels {
		t.Errorf("frame = %d samples, want %d", len(pcm), FrameSamples*Channels)
	}
}
