package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Daemon owns every component of the telemetry daemon and their lifecycle.
type Daemon struct {
	cfg *Config

	store     *Store
	bus       *LiveBus
	profiles  *ProfileState
	mute      *MuteState
	engine    *AlertEngine
	ports     *PortScanner
	docker    *DockerCollector // nil when disabled or unavailable
	api       *API
	socket    *SocketServer
	scheduler *SnapshotScheduler
	retention *RetentionService
}

// New opens the store and wires the daemon components. The caller must Run
// (which closes the store on exit) or Close on error paths.
func New(cfg *Config) (*Daemon, error) {
	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		store:    store,
		bus:      NewLiveBus(),
		profiles: NewProfileState(&cfg.Profile),
		mute:     &MuteState{},
		ports:    NewPortScanner(cfg.Host.Proc),
	}
	d.engine = NewAlertEngine(cfg)

	if cfg.Docker.Enabled {
		docker, err := NewDockerCollector(cfg.Docker.Socket)
		if err != nil {
			slog.Warn("docker collector unavailable", "error", err)
		} else {
			d.docker = docker
		}
	}

	// The API gets its own process collector: both it and the scheduler's
	// keep per-call CPU deltas, and sharing one across goroutines would
	// interleave the baselines.
	d.api = NewAPI(store, d.bus, d.profiles, d.mute, d.ports,
		NewProcessCollector(cfg.Host.Proc),
		NewPinger(cfg.Network.PingHost, cfg.Network.PingTimeout.Duration),
		d.docker)
	d.socket = NewSocketServer(cfg.Socket.Path, d.api, d.bus)
	d.scheduler = NewSnapshotScheduler(cfg, store, d.bus, d.engine, d.profiles, d.mute, d.ports)
	d.retention = NewRetentionService(store)

	return d, nil
}

// Run restores persisted state, starts every component, and blocks until ctx
// is cancelled, then shuts down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.restoreState(ctx); err != nil {
		d.Close()
		return err
	}

	started := &TimelineEvent{
		TsUTC:    time.Now(),
		Kind:     EventAppStarted,
		Message:  "watchman started",
		Severity: SeverityInfo,
		Meta:     map[string]any{"profile": d.profiles.Active().Name},
	}
	if err := d.store.InsertEvent(ctx, started); err != nil {
		d.Close()
		return fmt.Errorf("log startup: %w", err)
	}

	if err := d.socket.Start(ctx); err != nil {
		d.Close()
		return err
	}
	d.scheduler.Start(ctx)
	d.retention.Start(ctx)

	slog.Info("watchman running",
		"socket", d.cfg.Socket.Path,
		"db", d.cfg.Storage.Path,
		"profile", d.profiles.Active().Name)

	<-ctx.Done()
	slog.Info("shutting down")

	d.scheduler.Stop()
	d.retention.Stop()
	d.socket.Stop()
	d.bus.CloseAll(1001)
	d.Close()
	return nil
}

// Close releases resources without a graceful component shutdown.
func (d *Daemon) Close() {
	if d.docker != nil {
		if err := d.docker.Close(); err != nil {
			slog.Warn("failed to close docker client", "error", err)
		}
	}
	if err := d.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// restoreState re-applies the persisted active profile and mute deadline.
// Both degrade to defaults when the stored value is stale or unparseable.
func (d *Daemon) restoreState(ctx context.Context) error {
	if name, ok, err := d.store.GetState(ctx, stateActiveProfile); err != nil {
		return err
	} else if ok {
		if _, err := d.profiles.Select(name); err != nil {
			slog.Warn("stored profile no longer exists, using default", "profile", name)
		}
	}

	if raw, ok, err := d.store.GetSetting(ctx, settingMuteUntil); err != nil {
		return err
	} else if ok {
		until, err := parseTS(raw)
		switch {
		case err != nil:
			slog.Warn("unparseable mute deadline, clearing", "value", raw)
			if err := d.store.ClearSetting(ctx, settingMuteUntil); err != nil {
				return err
			}
		case until.After(time.Now()):
			d.mute.Set(until)
			slog.Info("mute restored", "until", formatTS(until))
		default:
			// Expired while we were down.
			if err := d.store.ClearSetting(ctx, settingMuteUntil); err != nil {
				return err
			}
		}
	}

	return nil
}
