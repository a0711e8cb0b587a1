package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sidePushInterval is the minimum gap between the heavier processes and
// listening-ports pushes. They only go out while someone is subscribed.
const sidePushInterval = 5 * time.Second

// SnapshotScheduler drives the collection loop: probe, evaluate, persist,
// broadcast, sleep. One tick runs at a time; the next sleep starts after the
// previous tick completed, so a slow probe stretches the cycle instead of
// piling up ticks.
type SnapshotScheduler struct {
	interval time.Duration

	host     *HostCollector
	net      *NetCounters
	ports    *PortScanner
	pinger   *Pinger
	procs    *ProcessCollector
	engine   *AlertEngine
	store    *Store
	bus      *LiveBus
	profiles *ProfileState
	mute     *MuteState

	now func() time.Time

	lastSidePush time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSnapshotScheduler wires the collection loop over the shared components.
func NewSnapshotScheduler(cfg *Config, store *Store, bus *LiveBus, engine *AlertEngine,
	profiles *ProfileState, mute *MuteState, ports *PortScanner) *SnapshotScheduler {
	return &SnapshotScheduler{
		interval: cfg.Collect.Interval.Duration,
		host:     NewHostCollector(cfg.Host.Proc, cfg.Host.Disk),
		net:      NewNetCounters(cfg.Host.Proc),
		ports:    ports,
		pinger:   NewPinger(cfg.Network.PingHost, cfg.Network.PingTimeout.Duration),
		procs:    NewProcessCollector(cfg.Host.Proc),
		engine:   engine,
		store:    store,
		bus:      bus,
		profiles: profiles,
		mute:     mute,
		now:      time.Now,
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (sc *SnapshotScheduler) Start(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	sc.cancel = cancel
	sc.done = make(chan struct{})

	go sc.run(ctx)
	slog.Info("scheduler started", "interval", sc.interval)
}

// Stop halts the loop and waits for the in-flight tick to finish. Stopping a
// stopped scheduler is a no-op.
func (sc *SnapshotScheduler) Stop() {
	sc.mu.Lock()
	cancel, done := sc.cancel, sc.done
	sc.cancel, sc.done = nil, nil
	sc.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("scheduler stopped")
}

func (sc *SnapshotScheduler) run(ctx context.Context) {
	defer close(sc.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		sc.tick(ctx)
		timer.Reset(sc.interval)
	}
}

// tick runs one collection cycle.
func (sc *SnapshotScheduler) tick(ctx context.Context) {
	now := sc.now()
	profile := sc.profiles.Active()

	snap := sc.collectHost(now)

	// Ping and port scan both hit external resources; run them side by side.
	var (
		wg      sync.WaitGroup
		latency *float64
		ports   []PortStatus
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		latency = sc.pinger.Latency(ctx)
	}()
	go func() {
		defer wg.Done()
		var err error
		ports, err = sc.ports.WatchStatus(profile)
		if err != nil {
			slog.Warn("port scan failed", "error", err)
			ports = nil
		}
	}()
	wg.Wait()

	quality := classifyNetwork(latency)

	result := sc.engine.Evaluate(&EngineInput{
		Sample:  snap,
		Ports:   ports,
		Latency: latency,
		Quality: quality,
		Profile: profile,
		Now:     now,
		WallUTC: now,
		Muted:   sc.mute.Active(now),
	})

	mirrors, err := sc.store.CommitTick(ctx, snap, result.Events, result.Alerts)
	if err != nil {
		// Nothing was persisted; broadcasting would desync observers from
		// the stored history.
		slog.Error("tick commit failed", "error", err)
		return
	}

	for _, ev := range result.Events {
		sc.bus.Broadcast(NewMessage(MsgTimelineEvent, timelineEventData(ev)))
	}
	for i, a := range result.Alerts {
		slog.Warn("alert", "type", a.Type, "severity", a.Severity, "message", a.Message)
		sc.bus.Broadcast(NewMessage(MsgAlert, AlertData{
			ID:       a.ID,
			TsUTC:    formatTS(a.TsUTC),
			Type:     a.Type,
			Message:  a.Message,
			Severity: a.Severity,
		}))
		sc.bus.Broadcast(NewMessage(MsgTimelineEvent, timelineEventData(mirrors[i])))
	}

	sc.bus.Broadcast(NewMessage(MsgKPI, KPIData{
		CPUPercent:  snap.CPUPercent,
		MemPercent:  snap.MemPercent,
		DiskPercent: snap.DiskPercent,
		NetSentBps:  snap.NetSentBps,
		NetRecvBps:  snap.NetRecvBps,
		LatencyMs:   latency,
		NetQuality:  quality,
	}))
	sc.bus.Broadcast(NewMessage(MsgChartPoint, ChartPointData{
		TsUTC:      formatTS(snap.TsUTC),
		CPUPercent: snap.CPUPercent,
		MemPercent: snap.MemPercent,
		NetSentBps: snap.NetSentBps,
		NetRecvBps: snap.NetRecvBps,
	}))

	sc.maybePushSides(now)
}

// collectHost runs the synchronous probes. A failed probe leaves its fields
// nil and logs; the tick continues with what it has.
func (sc *SnapshotScheduler) collectHost(now time.Time) *Snapshot {
	snap := &Snapshot{TsUTC: now}

	if cpu, err := sc.host.CPUPercent(); err != nil {
		slog.Warn("cpu probe failed", "error", err)
	} else {
		snap.CPUPercent = &cpu
	}

	if mem, err := sc.host.Memory(); err != nil {
		slog.Warn("memory probe failed", "error", err)
	} else {
		snap.MemPercent = &mem.Percent
		snap.MemUsedBytes = &mem.UsedBytes
		snap.MemAvailBytes = &mem.AvailBytes
		snap.MemTotalBytes = &mem.TotalBytes
	}

	if disk, err := sc.host.Disk(); err != nil {
		slog.Warn("disk probe failed", "error", err)
	} else {
		snap.DiskPercent = &disk.Percent
		snap.DiskUsedBytes = &disk.UsedBytes
		snap.DiskFreeBytes = &disk.FreeBytes
		snap.DiskTotalBytes = &disk.TotalBytes
	}

	if sent, recv, err := sc.net.Rates(); err != nil {
		slog.Warn("net probe failed", "error", err)
	} else {
		snap.NetSentBps = &sent
		snap.NetRecvBps = &recv
	}

	return snap
}

// maybePushSides broadcasts the top-processes and listening-ports extras, at
// most every sidePushInterval and only when someone is listening.
func (sc *SnapshotScheduler) maybePushSides(now time.Time) {
	if sc.bus.Count() == 0 {
		return
	}
	if !sc.lastSidePush.IsZero() && now.Sub(sc.lastSidePush) < sidePushInterval {
		return
	}
	sc.lastSidePush = now

	if rows, err := sc.procs.Top(15); err != nil {
		slog.Warn("process scan failed", "error", err)
	} else {
		data := make([]ProcessData, len(rows))
		for i, r := range rows {
			data[i] = ProcessData{
				PID:         r.PID,
				Name:        r.Name,
				CPUPercent:  r.CPUPercent,
				MemoryBytes: r.MemoryBytes,
				Status:      r.Status,
				Username:    r.Username,
			}
		}
		sc.bus.Broadcast(NewMessage(MsgProcesses, data))
	}

	if socks, err := sc.ports.Listening(500); err != nil {
		slog.Warn("listening scan failed", "error", err)
	} else {
		data := make([]ListeningPortData, len(socks))
		for i, s := range socks {
			data[i] = ListeningPortData{
				IP:          s.IP,
				Port:        s.Port,
				PID:         s.PID,
				ProcessName: s.ProcessName,
			}
		}
		sc.bus.Broadcast(NewMessage(MsgListeningPorts, data))
	}
}
