package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/circlecall/pkg/media"
)

// ValidTranscriptionProviders lists the built-in speech-to-text providers.
// Used by [Validate] to warn about unrecognised provider names.
var ValidTranscriptionProviders = []string{"deepgram"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields tagged with `env` from the process environment.
// Unset variables leave the YAML values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// ApplyDefaults fills in values a deployment rarely needs to set.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Devices.Source == "" {
		cfg.Devices.Source = DeviceSynthetic
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %g is out of range [0, 1]", r))
	}

	// Relay
	r := cfg.Relay
	for name, v := range map[string]int{"send_buffer": r.SendBuffer, "max_per_match": r.MaxPerMatch, "rate_limit": r.RateLimit} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("relay.%s must not be negative", name))
		}
	}
	if r.MaxMessageSize < 0 {
		errs = append(errs, errors.New("relay.max_message_size must not be negative"))
	}
	if r.IdleTimeout > 0 && r.ReapInterval > r.IdleTimeout {
		slog.Warn("relay.reap_interval exceeds relay.idle_timeout; idle connections will linger",
			"reap_interval", r.ReapInterval, "idle_timeout", r.IdleTimeout)
	}

	// Transport
	t := cfg.Transport
	if t.Kind != "" && !t.Kind.Valid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: mesh-sfu, alt-sfu, peer-to-peer", t.Kind))
	}
	if t.MetricsInterval < 0 {
		errs = append(errs, errors.New("transport.metrics_interval must not be negative"))
	}
	switch t.Kind {
	case media.KindMeshSFU:
		errs = append(errs, validateURL("transport.mesh_sfu.url", t.MeshSFU.URL, "ws", "wss"))
	case media.KindAltSFU:
		errs = append(errs, validateURL("transport.alt_sfu.url", t.AltSFU.URL, "ws", "wss"))
	case media.KindP2P:
		errs = append(errs, validateURL("signaling.url", cfg.Signaling.URL, "ws", "wss"))
	}
	if t.MeshSFU.UIDRetries < 0 || t.AltSFU.IdentityRetries < 0 {
		errs = append(errs, errors.New("transport identity retries must not be negative"))
	}
	if t.P2P.CallTimeout < 0 {
		errs = append(errs, errors.New("transport.p2p.call_timeout must not be negative"))
	}

	// Signaling
	if cfg.Signaling.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("signaling.reconnect_attempts must not be negative"))
	}
	if s := cfg.Signaling; s.MaxBackoff > 0 && s.ReconnectBackoff > s.MaxBackoff {
		errs = append(errs, fmt.Errorf("signaling.reconnect_backoff %s exceeds signaling.max_backoff %s", s.ReconnectBackoff, s.MaxBackoff))
	}

	// ICE
	for i, srv := range cfg.ICEServers {
		if len(srv.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice_servers[%d].urls is required", i))
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				errs = append(errs, fmt.Errorf("ice_servers[%d]: %q is not a stun/turn url", i, u))
			}
		}
	}

	// Devices
	if cfg.Devices.Source != "" && !cfg.Devices.Source.IsValid() {
		errs = append(errs, fmt.Errorf("devices.source %q is invalid; valid values: system, synthetic", cfg.Devices.Source))
	}

	// Blur
	if s := cfg.Blur.Strength; s != 0 && (s < 1 || s > 20) {
		errs = append(errs, fmt.Errorf("blur.strength %d is out of range [1, 20]", s))
	}

	// Transcription
	if p := cfg.Transcription.Provider; p != "" {
		if !slices.Contains(ValidTranscriptionProviders, p) {
			slog.Warn("unknown transcription provider; it must be registered by the caller",
				"name", p, "known", ValidTranscriptionProviders)
		}
		if cfg.Transcription.APIKey == "" {
			errs = append(errs, fmt.Errorf("transcription.api_key is required for provider %q", p))
		}
	}
	if t.Kind != "" && t.Kind != media.KindP2P && cfg.Transcription.Provider != "" {
		slog.Warn("transcription.provider is only used by peer-to-peer calls; SFU backends transcribe natively",
			"transport", t.Kind)
	}

	// Rooms
	if cfg.Rooms.PostgresDSN == "" {
		slog.Debug("rooms.postgres_dsn is empty; room lookups are disabled")
	}
	if cfg.Rooms.MaxFailures < 0 || cfg.Rooms.ResetTimeout < 0 {
		errs = append(errs, errors.New("rooms circuit breaker settings must not be negative"))
	}

	return errors.Join(errs...)
}

// validateURL returns nil when raw is an absolute URL with one of schemes.
func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s %q must be a %s url", field, raw, strings.Join(schemes, "/"))
	}
	return nil
}
