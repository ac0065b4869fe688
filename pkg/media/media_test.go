package media

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestEmitterSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()

	var e Emitter
	var mu sync.Mutex
	var got []EventType

	off := e.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})
	e.Emit(Event{Type: EventConnected})
	off()
	off() // second call is a no-op
	e.Emit(Event{Type: EventDisconnected})

	if len(got) != 1 || got[0] != EventConnected {
		t.Fatalf("got %v, want [connected]", got)
	}
}

func TestEmitterPreservesOrder(t *testing.T) {
	t.Parallel()

	var e Emitter
	var order []int
	for i := range 3 {
		e.Subscribe(func(Event) { order = append(order, i) })
	}
	e.Emit(Event{Type: EventConnected})
	if fmt.Sprint(order) != "[0 1 2]" {
		t.Fatalf("order = %v", order)
	}
}

func TestTrackStopRunsHookOnce(t *testing.T) {
	t.Parallel()

	tr := NewStreamTrack("t1", TrackVideo, &Stream{ID: "s"})
	calls := 0
	tr.OnStop(func() { calls++ })

	tr.Stop()
	tr.Stop()

	if calls != 1 {
		t.Errorf("stop hook ran %d times, want 1", calls)
	}
	if tr.Enabled() {
		t.Error("stopped track still enabled")
	}
	if !tr.Stopped() {
		t.Error("Stopped() = false")
	}
}

func TestTrackMarkEnded(t *testing.T) {
	t.Parallel()

	tr := NewPlayerTrack("screen", TrackScreen, nil)
	n := 0
	tr.OnEnded(func() { n++ })
	tr.MarkEnded()
	tr.MarkEnded()
	if n != 1 {
		t.Errorf("ended callbacks ran %d times, want 1", n)
	}
}

func TestParticipantWithCopies(t *testing.T) {
	t.Parallel()

	p := &Participant{ID: "u1", AudioEnabled: true}
	q := p.With(func(p *Participant) { p.AudioEnabled = false })
	if p == q {
		t.Fatal("With returned the same pointer")
	}
	if !p.AudioEnabled || q.AudioEnabled {
		t.Errorf("original mutated or copy unchanged: %+v %+v", p, q)
	}
}

func TestIsCallFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("mic: %w", ErrDevice), true},
		{ErrIdentityCollision, true},
		{fmt.Errorf("blur: %w", ErrPipeline), false},
		{ErrUnsupported, false},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsCallFatal(tt.err); got != tt.want {
			t.Errorf("IsCallFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestKindValid(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindMeshSFU, KindAltSFU, KindP2P} {
		if !k.Valid() {
			t.Errorf("%q not valid", k)
		}
	}
	if Kind("sip").Valid() {
		t.Error("unknown kind reported valid")
	}
}
