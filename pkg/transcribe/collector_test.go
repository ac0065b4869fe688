package transcribe_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/circlecall/pkg/transcribe"
	"github.com/MrWong99/circlecall/pkg/transcribe/mock"
)

func TestCollector_OneSessionPerSpeaker(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}

	var mu sync.Mutex
	got := map[string][]string{}
	c := transcribe.NewCollector(p, transcribe.StreamConfig{Language: "de"}, func(speaker string, tr transcribe.Transcript) {
		mu.Lock()
		got[speaker] = append(got[speaker], tr.Text)
		mu.Unlock()
	})
	ctx := context.Background()

	for range 3 {
		if err := c.Feed(ctx, "alice", []byte{1, 2}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Feed(ctx, "bob", []byte{3, 4}); err != nil {
		t.Fatal(err)
	}
	if p.Calls() != 2 {
		t.Fatalf("StartStream calls = %d, want 2", p.Calls())
	}
	if p.StartStreamCalls[0].Language != "de" {
		t.Errorf("language = %q", p.StartStreamCalls[0].Language)
	}

	alice := p.Sessions[0].(*mock.Session)
	if alice.AudioChunks() != 3 {
		t.Errorf("alice chunks = %d, want 3", alice.AudioChunks())
	}
	alice.Emit(transcribe.Transcript{Text: "hi", Final: true})
	alice.Emit(transcribe.Transcript{Text: ""})

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got["alice"]) != 1 || got["alice"][0] != "hi" {
		t.Errorf("alice results = %v", got["alice"])
	}
	if alice.CloseCalls != 1 {
		t.Errorf("close calls = %d", alice.CloseCalls)
	}
	if err := c.Feed(ctx, "alice", nil); !errors.Is(err, transcribe.ErrCollectorClosed) {
		t.Errorf("Feed after Close = %v", err)
	}
}

func TestCollector_StartError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{StartStreamErr: errors.New("quota")}
	c := transcribe.NewCollector(p, transcribe.StreamConfig{}, func(string, transcribe.Transcript) {})
	if err := c.Feed(context.Background(), "alice", nil); err == nil {
		t.Fatal("expected error")
	}
	_ = c.Close()
}

func TestCollector_Drop(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	c := transcribe.NewCollector(p, transcribe.StreamConfig{}, func(string, transcribe.Transcript) {})
	ctx := context.Background()
	_ = c.Feed(ctx, "alice", nil)
	c.Drop("alice")
	_ = c.Feed(ctx, "alice", nil)
	if p.Calls() != 2 {
		t.Errorf("StartStream calls = %d, want a fresh session after Drop", p.Calls())
	}
	_ = c.Close()
}
