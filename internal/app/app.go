// Package app wires all Talkstick subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order. For testing, inject doubles via functional
// options; when an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hearsay-audio/talkstick/internal/config"
	"github.com/hearsay-audio/talkstick/internal/health"
	"github.com/hearsay-audio/talkstick/internal/ingest"
	"github.com/hearsay-audio/talkstick/internal/observe"
	"github.com/hearsay-audio/talkstick/internal/room"
	"github.com/hearsay-audio/talkstick/pkg/speaker"
	"github.com/hearsay-audio/talkstick/pkg/transport/discord"
)

// httpShutdownTimeout bounds the graceful drain of in-flight HTTP requests.
const httpShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	rooms    *room.Manager
	checks   *health.Handler
	httpSrv  *http.Server
	logLevel *slog.LevelVar

	configPath string
	watcher    *config.Watcher

	session *discordgo.Session
	monitor *discord.Monitor

	stopOnce sync.Once
}

// Option is a functional option for [New]. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level var backing the process logger so a
// config reload can adjust verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigWatch enables hot reloading of the config file at path.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// New assembles the server from cfg: the room manager, the health and
// metrics endpoints, and the WebSocket ingest routes. The Discord transport
// connects later, in [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.rooms = room.NewManager(room.ManagerConfig{
		DetectorOptions:  cfg.Detector.Options(),
		EvaluateInterval: cfg.Detector.EvaluateInterval(),
		Metrics:          a.metrics,
	})

	a.checks = health.New(health.Checker{Name: "rooms", Check: a.rooms.Healthy})

	mux := http.NewServeMux()
	a.checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	ingest.NewServer(a.rooms).Register(mux, observe.Middleware(a.metrics))

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Rooms exposes the room manager, mainly for tests and the readiness probe.
func (a *App) Rooms() *room.Manager {
	return a.rooms
}

// Run serves until ctx is cancelled or a subsystem fails, then drains the
// HTTP server. The caller still owes a [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyReload)
		if err != nil {
			return fmt.Errorf("app: start config watcher: %w", err)
		}
		a.watcher = w
	}

	if a.cfg.Discord.Token != "" {
		if err := a.connectDiscord(ctx); err != nil {
			return fmt.Errorf("app: connect discord: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(drainCtx)
	})

	return g.Wait()
}

// connectDiscord opens the gateway session and joins the configured voice
// channel, feeding its samples into the configured room.
func (a *App) connectDiscord(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	a.session = session

	rm, err := a.rooms.Get(a.cfg.Discord.RoomName())
	if err != nil {
		return fmt.Errorf("room %q: %w", a.cfg.Discord.RoomName(), err)
	}

	platform := discord.New(session, a.cfg.Discord.GuildID)
	monitor, err := platform.Connect(ctx, a.cfg.Discord.ChannelID, rm)
	if err != nil {
		_ = session.Close()
		a.session = nil
		return err
	}
	a.monitor = monitor

	a.checks.Add(health.Checker{Name: "discord", Check: a.discordHealthy})

	slog.Info("discord voice monitor connected",
		"guild_id", a.cfg.Discord.GuildID,
		"channel_id", a.cfg.Discord.ChannelID,
		"room", rm.Name(),
	)
	return nil
}

// discordHealthy reports gateway readiness for the /readyz probe.
func (a *App) discordHealthy(_ context.Context) error {
	if a.session == nil {
		return errors.New("gateway session closed")
	}
	if !a.session.DataReady {
		return errors.New("gateway not ready")
	}
	return nil
}

// applyReload pushes hot-reloadable changes from a fresh config into the
// running system. Fields the engine cannot change at runtime are ignored; a
// restart picks them up.
func (a *App) applyReload(old, new *config.Config) {
	diff := config.Compare(old, new)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	d := new.Detector
	for _, field := range diff.DetectorChanges {
		var err error
		switch field {
		case "min_change_period_ms":
			v := speaker.DefaultMinChangePeriod
			if d.MinChangePeriodMs > 0 {
				v = d.MinChangePeriod()
			}
			err = a.rooms.SetMinChangePeriod(v)
		case "max_accumulated_score":
			v := speaker.DefaultMaxScore
			if d.MaxAccumulatedScore > 0 {
				v = d.MaxAccumulatedScore
			}
			err = a.rooms.SetMaxScore(v)
		case "noise_gating_threshold_db":
			v := speaker.DefaultNoiseGate
			if d.NoiseGatingThresholdDB != 0 {
				v = d.NoiseGatingThresholdDB
			}
			err = a.rooms.SetNoiseGate(v)
		case "min_activation_score":
			v := speaker.DefaultMinActivation
			if d.MinActivationScore > 0 {
				v = d.MinActivationScore
			}
			err = a.rooms.SetMinActivation(v)
		}
		if err != nil {
			slog.Warn("config reload: detector update failed", "field", field, "err", err)
		} else {
			slog.Info("config reload: detector updated", "field", field)
		}
	}
}

// slogLevel maps a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// Shutdown tears the server down in order: stop watching the config, leave
// the voice channel, then stop all rooms so every subscriber sees its final
// stopped event. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}

		if a.monitor != nil {
			if err := a.monitor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close voice monitor: %w", err))
			}
		}
		if a.session != nil {
			if err := a.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close gateway session: %w", err))
			}
		}

		if err := a.rooms.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop rooms: %w", err))
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
