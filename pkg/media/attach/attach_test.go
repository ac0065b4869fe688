package attach

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/circlecall/pkg/media"
)

type fakePlayer struct {
	mu      sync.Mutex
	surface media.Surface
	stops   int
}

func (p *fakePlayer) Play(s media.Surface) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = s
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = nil
	p.stops++
}

type fakeAttachable struct {
	attached map[media.Element]bool
}

func (f *fakeAttachable) Attach(el media.Element) error {
	if f.attached == nil {
		f.attached = make(map[media.Element]bool)
	}
	f.attached[el] = true
	return nil
}

func (f *fakeAttachable) Detach(el media.Element) { delete(f.attached, el) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAttachNativePlayer(t *testing.T) {
	t.Parallel()

	a := New()
	p := &fakePlayer{}
	tr := media.NewPlayerTrack("v1", media.TrackVideo, p)
	tr.Local = true
	s := NewSurface("self")

	if err := a.Attach(tr, s, media.KindMeshSFU, media.TrackVideo); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if p.surface != s {
		t.Error("player not playing into surface")
	}
	if !s.Mirrored() {
		t.Error("local video must be mirrored")
	}

	if err := a.Detach(tr, s, media.KindMeshSFU); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if p.stops != 1 || p.surface != nil {
		t.Errorf("player not stopped: stops=%d", p.stops)
	}
}

func TestAttachStreamLikeCreatesAndRemovesChild(t *testing.T) {
	t.Parallel()

	a := New()
	f := &fakeAttachable{}
	tr := media.NewAttachableTrack("remote-v", media.TrackVideo, f)
	s := NewSurface("tile")

	if err := a.Attach(tr, s, media.KindAltSFU, media.TrackVideo); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.Children() != 1 {
		t.Fatalf("children = %d, want 1", s.Children())
	}
	if s.Mirrored() {
		t.Error("remote video must never be mirrored")
	}
	el := s.Child(media.TrackVideo)
	if !f.attached[el] {
		t.Error("track not attached to nested element")
	}

	// Reattach reuses the existing element.
	if err := a.Attach(tr, s, media.KindAltSFU, media.TrackVideo); err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if s.Children() != 1 {
		t.Errorf("children = %d after reattach, want 1", s.Children())
	}

	if err := a.Detach(tr, s, media.KindAltSFU); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if s.Children() != 0 || len(f.attached) != 0 {
		t.Errorf("dangling element after detach: children=%d attached=%d", s.Children(), len(f.attached))
	}
}

func TestAttachRawStreamDefersAndRetriesPlay(t *testing.T) {
	t.Parallel()

	a := New(WithPlayDelay(10*time.Millisecond), WithRetryDelay(5*time.Millisecond))
	stream := &media.Stream{ID: "peer-stream"}
	tr := media.NewStreamTrack("p2p-v", media.TrackVideo, stream)
	s := NewSurface("remote")
	el := s.MediaElement()
	el.BlockPlay(1)

	if err := a.Attach(tr, s, media.KindP2P, media.TrackVideo); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if el.PlayCalls() != 0 {
		t.Error("play must not be called synchronously")
	}
	if el.Source() != stream {
		t.Fatal("stream not assigned as source")
	}

	waitFor(t, func() bool { return !el.Paused() })
	if got := el.PlayCalls(); got != 2 {
		t.Errorf("play calls = %d, want 2 (initial + one retry)", got)
	}

	if err := a.Detach(tr, s, media.KindP2P); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if el.Source() != nil || !el.Paused() {
		t.Error("surface left with dangling source")
	}
}

func TestAttachRawStreamRetriesOnlyOnce(t *testing.T) {
	t.Parallel()

	a := New(WithPlayDelay(time.Millisecond), WithRetryDelay(time.Millisecond))
	tr := media.NewStreamTrack("p2p-a", media.TrackAudio, &media.Stream{ID: "s"})
	s := NewSurface("audio")
	el := s.MediaElement()
	el.BlockPlay(10)

	if err := a.Attach(tr, s, media.KindP2P, media.TrackAudio); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	waitFor(t, func() bool { return el.PlayCalls() >= 2 })
	time.Sleep(20 * time.Millisecond)
	if got := el.PlayCalls(); got != 2 {
		t.Errorf("play calls = %d, want 2", got)
	}
}

func TestDetachBeforeDeferredPlay(t *testing.T) {
	t.Parallel()

	a := New(WithPlayDelay(20 * time.Millisecond))
	tr := media.NewStreamTrack("p2p-v", media.TrackVideo, &media.Stream{ID: "s"})
	s := NewSurface("remote")

	if err := a.Attach(tr, s, media.KindP2P, media.TrackVideo); err != nil {
		t.Fatal(err)
	}
	if err := a.Detach(tr, s, media.KindP2P); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if s.MediaElement().PlayCalls() != 0 {
		t.Error("deferred play ran after detach")
	}
}

func TestAttachKindMismatch(t *testing.T) {
	t.Parallel()

	a := New()
	tr := media.NewPlayerTrack("v", media.TrackVideo, &fakePlayer{})
	err := a.Attach(tr, NewSurface("s"), media.KindP2P, media.TrackVideo)
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("err = %v, want ErrKindMismatch", err)
	}
}

func TestAttachMissingPayload(t *testing.T) {
	t.Parallel()

	a := New()
	tr := media.NewAttachableTrack("v", media.TrackVideo, nil)
	err := a.Attach(tr, NewSurface("s"), media.KindAltSFU, media.TrackVideo)
	if !errors.Is(err, ErrNoPayload) {
		t.Fatalf("err = %v, want ErrNoPayload", err)
	}
}

func TestScreenShareNeverMirrored(t *testing.T) {
	t.Parallel()

	a := New()
	tr := media.NewPlayerTrack("screen", media.TrackScreen, &fakePlayer{})
	tr.Local = true
	s := NewSurface("share")
	s.SetMirrored(true)
	if err := a.Attach(tr, s, media.KindMeshSFU, media.TrackScreen); err != nil {
		t.Fatal(err)
	}
	if s.Mirrored() {
		t.Error("screen share mirrored")
	}
}

func TestScreenInVideoSlotDetachesCleanly(t *testing.T) {
	t.Parallel()

	a := New()
	f := &fakeAttachable{}
	tr := media.NewAttachableTrack("remote-screen", media.TrackScreen, f)
	s := NewSurface("stage")

	if err := a.Attach(tr, s, media.KindAltSFU, media.TrackVideo); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.Child(media.TrackVideo) == nil {
		t.Fatal("screen not rendered into the video slot")
	}
	if err := a.Detach(tr, s, media.KindAltSFU); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if s.Children() != 0 || len(f.attached) != 0 {
		t.Errorf("dangling element after detach: children=%d attached=%d", s.Children(), len(f.attached))
	}
}

func TestLocalScreenInVideoSlotNotMirrored(t *testing.T) {
	t.Parallel()

	a := New()
	tr := media.NewPlayerTrack("my-screen", media.TrackScreen, &fakePlayer{})
	tr.Local = true
	s := NewSurface("self")
	if err := a.Attach(tr, s, media.KindMeshSFU, media.TrackVideo); err != nil {
		t.Fatal(err)
	}
	if s.Mirrored() {
		t.Error("local screen share mirrored")
	}
}
