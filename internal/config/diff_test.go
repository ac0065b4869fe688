package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Signaling: config.SignalingConfig{URL: "wss://relay/ws", HeartbeatInterval: 25 * time.Second},
		Transport: config.TransportConfig{Kind: media.KindP2P},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level must be hot-reloadable, got RestartRequired=%v", d.RestartRequired)
	}
}

func TestDiff_HeartbeatChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Signaling.HeartbeatInterval = 10 * time.Second

	d := config.Diff(old, new)
	if !d.HeartbeatChanged || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_ICEServersChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.ICEServers = []rtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	if d := config.Diff(old, new); !d.ICEServersChanged {
		t.Error("expected ICEServersChanged=true")
	}

	// nil and empty lists are the same.
	old.ICEServers = []rtc.ICEServer{}
	new.ICEServers = nil
	if d := config.Diff(old, new); d.ICEServersChanged {
		t.Error("nil and empty ICE server lists should not differ")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Transport.Kind = media.KindMeshSFU
	new.Signaling.URL = "wss://other/ws"
	new.Rooms.PostgresDSN = "postgres://db/rooms"

	d := config.Diff(old, new)
	want := []string{"signaling", "transport", "rooms"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged || d.HeartbeatChanged {
		t.Errorf("unexpected hot-reload flags: %+v", d)
	}
}

func TestDiff_TLSComparedByValue(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Server.TLS = &config.TLSConfig{CertFile: "a.pem", KeyFile: "a.key"}
	new.Server.TLS = &config.TLSConfig{CertFile: "a.pem", KeyFile: "a.key"}
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("equal TLS blocks should not differ: %+v", d)
	}
}
