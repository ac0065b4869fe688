// Command callagent joins a call as a headless participant. It publishes
// synthetic or real devices, logs what happens in the room and, when a
// rooms database is configured, records the room's lifecycle and final
// transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/circlecall/internal/app"
	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/internal/rooms"
	"github.com/MrWong99/circlecall/pkg/media"
	"github.com/MrWong99/circlecall/pkg/media/blur"
	"github.com/MrWong99/circlecall/pkg/media/device"
	"github.com/MrWong99/circlecall/pkg/media/rtc"
	"github.com/MrWong99/circlecall/pkg/transcribe"
	"github.com/MrWong99/circlecall/pkg/transcribe/deepgram"
)

type flags struct {
	config     string
	env        string
	room       string
	user       string
	name       string
	match      string
	peer       string
	initiator  bool
	duration   time.Duration
	blur       bool
	transcribe string
}

func main() {
	os.Exit(run())
}

func run() int {
	var f flags
	flag.StringVar(&f.config, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&f.env, "env", ".env", "optional dotenv file loaded before the config")
	flag.StringVar(&f.room, "room", "", "room id to join (required)")
	flag.StringVar(&f.user, "user", "callagent", "local user id")
	flag.StringVar(&f.name, "name", "", "display name announced to others")
	flag.StringVar(&f.match, "match", "", "relay match id for peer-to-peer calls; the room's match id when empty")
	flag.StringVar(&f.peer, "peer", "", "remote user id for peer-to-peer calls")
	flag.BoolVar(&f.initiator, "initiator", false, "place the peer-to-peer call instead of waiting for it")
	flag.DurationVar(&f.duration, "duration", 0, "leave after this long; 0 stays until interrupted")
	flag.BoolVar(&f.blur, "blur", false, "enable background blur after joining")
	flag.StringVar(&f.transcribe, "transcribe", "", "enable transcription in this language after joining")
	flag.Parse()

	if f.room == "" {
		fmt.Fprintln(os.Stderr, "callagent: -room is required")
		flag.Usage()
		return 2
	}
	if err := godotenv.Load(f.env); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "callagent: load %s: %v\n", f.env, err)
		return 1
	}
	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "callagent: %v\n", err)
		return 1
	}
	if cfg.Transport.Kind == "" {
		fmt.Fprintln(os.Stderr, "callagent: transport.kind must be set")
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.Server.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := call(ctx, cfg, f); err != nil {
		slog.Error("call failed", "err", err)
		return 1
	}
	return 0
}

func call(ctx context.Context, cfg *config.Config, f flags) error {
	join := media.JoinConfig{
		RoomID:      f.room,
		UserID:      f.user,
		DisplayName: f.name,
		Token:       configToken(cfg),
		PeerID:      f.peer,
		Initiator:   f.initiator,
		Audio:       true,
		Video:       true,
	}
	matchID := f.match

	// ── Room lookup (optional) ────────────────────────────────────────────────
	var resolver rooms.Resolver
	if dsn := cfg.Rooms.PostgresDSN; dsn != "" {
		db, err := rooms.Open(ctx, dsn, rooms.BreakerConfig{
			MaxFailures:  cfg.Rooms.MaxFailures,
			ResetTimeout: cfg.Rooms.ResetTimeout,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		resolver = db

		room, err := db.FetchRoom(ctx, cfg.Transport.Kind, f.room)
		if err != nil {
			return err
		}
		if room.Token != "" {
			join.Token = room.Token
		}
		if matchID == "" {
			matchID = room.MatchID
		}
		slog.Info("room resolved", "room_id", room.ID, "name", room.Name, "invited", len(room.Participants))
	}
	if matchID == "" {
		matchID = f.room
	}

	// ── Session ───────────────────────────────────────────────────────────────
	api, err := rtc.NewAPI(rtc.Options{})
	if err != nil {
		return err
	}
	transcriber, err := newTranscriber(cfg.Transcription)
	if err != nil {
		return err
	}
	blurOpts := []blur.Option{blur.WithCaptureSupport(!cfg.Blur.PreviewOnly)}
	if s := cfg.Blur.Strength; s > 0 {
		blurOpts = append(blurOpts, blur.WithBlurStrength(s))
	}

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Kind:     cfg.Transport.Kind,
		Registry: app.NewRegistry(),
		Deps: config.TransportDeps{
			Config:      cfg,
			UserID:      f.user,
			MatchID:     matchID,
			Devices:     newDevices(cfg.Devices.Source),
			API:         api,
			Transcriber: transcriber,
		},
		Blur: blurOpts,
	})
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sm.Close(cctx); err != nil {
			slog.Warn("session close error", "err", err)
		}
	}()
	unwatch := sm.Watch(logChanges())
	defer unwatch()

	if err := sm.State().Err; err != nil {
		return err
	}

	localID, err := sm.Join(ctx, join)
	if err != nil {
		return err
	}
	slog.Info("joined", "transport", cfg.Transport.Kind, "room_id", f.room, "local_id", localID)
	if resolver != nil {
		if err := resolver.StartRoom(ctx, f.room); err != nil {
			slog.Warn("failed to mark room started", "room_id", f.room, "err", err)
		}
	}

	if f.blur {
		if s, err := sm.ToggleBlur(ctx); err != nil {
			slog.Warn("blur unavailable", "err", err)
		} else {
			slog.Info("blur toggled", "state", s)
		}
	}
	if lang := transcriptionLanguage(f.transcribe, cfg.Transcription.Language); lang != "" {
		if err := sm.EnableTranscription(lang); err != nil {
			slog.Warn("transcription unavailable", "err", err)
		}
	}

	// ── Wait ──────────────────────────────────────────────────────────────────
	wait := ctx
	if f.duration > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}
	<-wait.Done()

	final := sm.State()
	lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sm.Leave(lctx); err != nil {
		slog.Warn("leave error", "err", err)
	}
	slog.Info("left", "room_id", f.room, "transcript_entries", len(final.Transcript))

	if resolver != nil {
		if err := resolver.EndRoom(lctx, f.room, final.Transcript); err != nil {
			return fmt.Errorf("callagent: record room end: %w", err)
		}
	}
	return nil
}

// configToken returns the static join token of the configured transport.
func configToken(cfg *config.Config) string {
	switch cfg.Transport.Kind {
	case media.KindMeshSFU:
		return cfg.Transport.MeshSFU.Token
	case media.KindAltSFU:
		return cfg.Transport.AltSFU.Token
	default:
		return ""
	}
}

func newDevices(src config.DeviceSource) device.Source {
	if src == config.DeviceSystem {
		return device.System{}
	}
	return device.NewSynthetic()
}

func newTranscriber(tc config.TranscriptionConfig) (transcribe.Provider, error) {
	switch tc.Provider {
	case "":
		return nil, nil
	case "deepgram":
		var opts []deepgram.Option
		if tc.Model != "" {
			opts = append(opts, deepgram.WithModel(tc.Model))
		}
		if tc.Language != "" {
			opts = append(opts, deepgram.WithLanguage(tc.Language))
		}
		return deepgram.New(tc.APIKey, opts...)
	default:
		return nil, fmt.Errorf("callagent: unknown transcription provider %q", tc.Provider)
	}
}

func transcriptionLanguage(flagLang, cfgLang string) string {
	if flagLang != "" {
		return flagLang
	}
	return cfgLang
}

// logChanges logs status transitions, arrivals and departures, and final
// transcript lines.
func logChanges() func(app.SessionState) {
	var (
		mu     sync.Mutex
		status media.Status
		seen   = map[string]bool{}
		lines  int
	)
	return func(s app.SessionState) {
		mu.Lock()
		defer mu.Unlock()
		if s.Status != status {
			slog.Info("session status", "from", status, "to", s.Status, "err", s.Err)
			status = s.Status
		}
		for id, p := range s.Participants {
			if !seen[id] {
				seen[id] = true
				slog.Info("participant joined", "participant_id", id, "name", p.Name)
			}
		}
		for id := range seen {
			if _, ok := s.Participants[id]; !ok {
				delete(seen, id)
				slog.Info("participant left", "participant_id", id)
			}
		}
		if lines > len(s.Transcript) {
			lines = 0
		}
		for _, e := range s.Transcript[lines:] {
			slog.Info("transcript", "participant_id", e.ParticipantID, "text", e.Text, "language", e.Language)
		}
		lines = len(s.Transcript)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
