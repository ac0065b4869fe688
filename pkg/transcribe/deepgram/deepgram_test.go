package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/circlecall/pkg/transcribe"
)

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(transcribe.StreamConfig{Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_ConfigOverridesDefaults(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithModel("base"), WithLanguage("en"), WithSampleRate(16000))
	rawURL, err := p.buildURL(transcribe.StreamConfig{
		Language: "de-DE",
		Keywords: []transcribe.Keyword{{Term: "Ingrid", Boost: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "keywords", "Ingrid:2", q.Get("keywords"))
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"channel": {"alternatives": [{
			"transcript": "can you hear me",
			"confidence": 0.91,
			"words": [{"word": "can", "start": 1.5, "end": 1.7, "confidence": 0.9}]
		}]}
	}`)
	tr, ok := parseResponse(raw)
	if !ok {
		t.Fatal("expected ok for Results message")
	}
	if !tr.Final || tr.Text != "can you hear me" || tr.Start != 1500*time.Millisecond {
		t.Errorf("transcript = %+v", tr)
	}
	if len(tr.Words) != 1 || tr.Words[0].End != 1700*time.Millisecond {
		t.Errorf("words = %+v", tr.Words)
	}

	for _, bad := range []string{
		`{"type":"Metadata"}`,
		`{"type":"Results","channel":{"alternatives":[]}}`,
		`{invalid`,
	} {
		if _, ok := parseResponse([]byte(bad)); ok {
			t.Errorf("parseResponse(%s) ok, want ignored", bad)
		}
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestStream_RoundTrip(t *testing.T) {
	t.Parallel()
	gotAudio := make(chan int, 4)
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				// CloseStream.
				return
			}
			gotAudio <- len(data)
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello"}]}}`))
		}
	}))
	t.Cleanup(srv.Close)

	p, _ := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	sess, err := p.StartStream(context.Background(), transcribe.StreamConfig{Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if auth := <-gotAuth; auth != "Token secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if err := sess.SendAudio(make([]byte, 1920)); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-gotAudio:
		if n != 1920 {
			t.Errorf("server got %d bytes", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio not delivered")
	}

	select {
	case tr := <-sess.Partials():
		assertEqual(t, "partial", "hel", tr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no partial")
	}
	select {
	case tr := <-sess.Finals():
		assertEqual(t, "final", "hello", tr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no final")
	}

	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sess.SendAudio([]byte{0}); err != ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v", err)
	}
	if _, ok := <-sess.Finals(); ok {
		t.Error("finals channel still open after Close")
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
