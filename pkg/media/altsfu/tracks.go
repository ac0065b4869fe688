package altsfu

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
)

// binding assigns one stream to any number of media elements.
type binding struct {
	stream *media.Stream

	mu  sync.Mutex
	els []media.Element
}

func (b *binding) attach(el media.Element) error {
	b.mu.Lock()
	if !slices.Contains(b.els, el) {
		b.els = append(b.els, el)
	}
	b.mu.Unlock()
	el.SetSource(b.stream)
	if err := el.Play(); err != nil {
		// Playback may need a user gesture; the source stays bound.
		slog.Debug("altsfu: element play", "stream", b.stream.ID, "err", err)
	}
	return nil
}

func (b *binding) detach(el media.Element) {
	b.mu.Lock()
	i := slices.Index(b.els, el)
	if i >= 0 {
		b.els = slices.Delete(b.els, i, i+1)
	}
	b.mu.Unlock()
	if i < 0 {
		return
	}
	b.release(el)
}

func (b *binding) detachAll() {
	b.mu.Lock()
	els := b.els
	b.els = nil
	b.mu.Unlock()
	for _, el := range els {
		b.release(el)
	}
}

func (b *binding) release(el media.Element) {
	if el.Source() != b.stream {
		return
	}
	el.Pause()
	el.SetSource(nil)
}

// localTrack is a capture created by an [RTCRoom].
type localTrack struct {
	binding
	room    *RTCRoom
	source  TrackSource
	capture *rtc.Capture

	sidMu sync.Mutex
	sid   string
}

var _ LocalTrack = (*localTrack)(nil)

func newLocalTrack(r *RTCRoom, src TrackSource, c *rtc.Capture) *localTrack {
	s := &media.Stream{ID: c.Sample.StreamID()}
	if src.TrackType() == media.TrackAudio {
		s.Audio = c.Sample
	} else {
		s.Video = c.Sample
	}
	return &localTrack{binding: binding{stream: s}, room: r, source: src, capture: c}
}

func (t *localTrack) ID() string          { return t.capture.ID() }
func (t *localTrack) Source() TrackSource { return t.source }
func (t *localTrack) Label() string       { return t.capture.Label }
func (t *localTrack) Muted() bool         { return !t.capture.Enabled() }
func (t *localTrack) OnEnded(fn func())   { t.capture.OnEnded(fn) }

func (t *localTrack) Attach(el media.Element) error { return t.attach(el) }
func (t *localTrack) Detach(el media.Element)       { t.detach(el) }

func (t *localTrack) SID() string {
	t.sidMu.Lock()
	defer t.sidMu.Unlock()
	return t.sid
}

func (t *localTrack) setSID(sid string) {
	t.sidMu.Lock()
	t.sid = sid
	t.sidMu.Unlock()
}

// SetMuted stops sending media and tells the server.
func (t *localTrack) SetMuted(ctx context.Context, muted bool) error {
	t.capture.SetEnabled(!muted)
	return t.room.sendMute(ctx, t.SID(), muted)
}

func (t *localTrack) Stop() {
	t.detachAll()
	t.capture.Close()
}

// remoteTrack is a subscribed track. Its RTP is drained by a
// [rtc.RemotePlayer] whether or not an element is bound.
type remoteTrack struct {
	binding
	sid    string
	source TrackSource
	player *rtc.RemotePlayer
	once   sync.Once
}

var _ RemoteTrack = (*remoteTrack)(nil)

func newRemoteTrack(sid string, src TrackSource, raw *webrtc.TrackRemote) *remoteTrack {
	s := &media.Stream{ID: raw.StreamID()}
	if raw.Kind() == webrtc.RTPCodecTypeAudio {
		s.Audio = raw
	} else {
		s.Video = raw
	}
	return &remoteTrack{
		binding: binding{stream: s},
		sid:     sid,
		source:  src,
		player:  rtc.NewRemotePlayer(raw),
	}
}

func (t *remoteTrack) SID() string         { return t.sid }
func (t *remoteTrack) Source() TrackSource { return t.source }

func (t *remoteTrack) Attach(el media.Element) error { return t.attach(el) }
func (t *remoteTrack) Detach(el media.Element)       { t.detach(el) }

func (t *remoteTrack) Stop() {
	t.once.Do(func() {
		t.detachAll()
		t.player.Stop()
	})
}
