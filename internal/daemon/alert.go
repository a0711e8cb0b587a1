package daemon

import (
	"fmt"
	"strconv"
	"time"
)

// Alert types stored in alerts.type.
const (
	AlertCPUHigh        = "cpu_high"
	AlertRAMHigh        = "ram_high"
	AlertPortDown       = "port_down"
	AlertPortFlapping   = "port_flapping"
	AlertNetworkOffline = "network_offline"
	AlertNetworkPoor    = "network_poor"
)

// EngineInput is everything one tick feeds the engine. Now carries Go's
// monotonic reading and drives cooldowns and duration gates; WallUTC is the
// timestamp written to produced rows.
type EngineInput struct {
	Sample  *Snapshot
	Ports   []PortStatus
	Latency *float64
	Quality string
	Profile Profile
	Now     time.Time
	WallUTC time.Time
	Muted   bool
}

// EngineResult is what one evaluation produced: state-change events first,
// then alerts, in emit order.
type EngineResult struct {
	Events []*TimelineEvent
	Alerts []*Alert
}

// AlertEngine evaluates the alert rules over the sample stream. All state is
// in-memory and owned by the scheduler goroutine; on restart every latch
// clears and baselines re-establish silently on the next tick.
type AlertEngine struct {
	cpuDuration        time.Duration
	ramDuration        time.Duration
	netOfflineDuration time.Duration
	cooldown           time.Duration
	flapThreshold      int
	flapWindow         time.Duration
	pingHost           string

	lastFired map[string]time.Time // "type:key" -> last fire

	cpuHighSince    time.Time
	ramHighSince    time.Time
	netOfflineSince time.Time
	cpuFired        bool
	ramFired        bool
	netOfflineFired bool
	netPoorFired    bool

	// Required-port rule state.
	portLastState  map[int]bool
	portDownActive map[int]bool
	portFlapActive map[int]bool
	portFlapTimes  map[int][]time.Time

	// Watch-port event state (separate from the rules).
	watchLastState map[int]bool
	lastQuality    string
}

// NewAlertEngine creates an engine from the alert tuning in cfg. Thresholds
// come from the active profile at evaluation time.
func NewAlertEngine(cfg *Config) *AlertEngine {
	return &AlertEngine{
		cpuDuration:        cfg.Alerts.CPUDuration.Duration,
		ramDuration:        cfg.Alerts.RAMDuration.Duration,
		netOfflineDuration: cfg.Alerts.NetOfflineDuration.Duration,
		cooldown:           cfg.Alerts.Cooldown.Duration,
		flapThreshold:      cfg.Alerts.FlapThreshold,
		flapWindow:         cfg.Alerts.FlapWindow.Duration,
		pingHost:           cfg.Network.PingHost,
		lastFired:          make(map[string]time.Time),
		portLastState:      make(map[int]bool),
		portDownActive:     make(map[int]bool),
		portFlapActive:     make(map[int]bool),
		portFlapTimes:      make(map[int][]time.Time),
		watchLastState:     make(map[int]bool),
	}
}

// Evaluate runs one tick. State-change events (watch-port transitions,
// network quality changes) are always produced; alert rules are skipped
// entirely while muted so no latch advances under a mute.
func (e *AlertEngine) Evaluate(in *EngineInput) *EngineResult {
	res := &EngineResult{}

	portByNumber := make(map[int]PortStatus, len(in.Ports))
	for _, p := range in.Ports {
		portByNumber[p.Port] = p
	}

	e.watchPortEvents(in, res)
	e.qualityEvent(in, res)

	if in.Muted {
		return res
	}

	e.evalCPU(in, res)
	e.evalRAM(in, res)
	e.evalNetwork(in, res)
	e.evalRequiredPorts(in, portByNumber, res)

	return res
}

// underCooldown reports whether (type,key) fired less than the cooldown ago.
func (e *AlertEngine) underCooldown(typ, key string, now time.Time) bool {
	last, ok := e.lastFired[typ+":"+key]
	return ok && now.Sub(last) < e.cooldown
}

// fire records the cooldown stamp and appends the alert.
func (e *AlertEngine) fire(in *EngineInput, res *EngineResult, typ, key, severity, message string) {
	e.lastFired[typ+":"+key] = in.Now
	res.Alerts = append(res.Alerts, &Alert{
		TsUTC:    in.WallUTC,
		Type:     typ,
		Message:  message,
		Severity: severity,
	})
}

func (e *AlertEngine) evalCPU(in *EngineInput, res *EngineResult) {
	if in.Sample == nil || in.Sample.CPUPercent == nil {
		return // probe failed; leave state untouched
	}
	cpu := *in.Sample.CPUPercent

	if cpu < in.Profile.AlertCPUPercent {
		e.cpuHighSince = time.Time{}
		e.cpuFired = false
		return
	}

	if e.cpuHighSince.IsZero() {
		e.cpuHighSince = in.Now
		return
	}
	if e.cpuFired || in.Now.Sub(e.cpuHighSince) < e.cpuDuration {
		return
	}

	// Latch even when cooldown suppresses the insert, so the sustained
	// window doesn't re-trigger every tick.
	e.cpuFired = true
	if e.underCooldown(AlertCPUHigh, "global", in.Now) {
		return
	}
	e.fire(in, res, AlertCPUHigh, "global", SeverityWarning,
		fmt.Sprintf("CPU at %.0f%% for over %ds (threshold %.0f%%)",
			cpu, int(e.cpuDuration.Seconds()), in.Profile.AlertCPUPercent))
}

func (e *AlertEngine) evalRAM(in *EngineInput, res *EngineResult) {
	if in.Sample == nil || in.Sample.MemPercent == nil {
		return
	}
	ram := *in.Sample.MemPercent

	if ram < in.Profile.AlertRAMPercent {
		e.ramHighSince = time.Time{}
		e.ramFired = false
		return
	}

	if e.ramHighSince.IsZero() {
		e.ramHighSince = in.Now
		return
	}
	if e.ramFired || in.Now.Sub(e.ramHighSince) < e.ramDuration {
		return
	}

	e.ramFired = true
	if e.underCooldown(AlertRAMHigh, "global", in.Now) {
		return
	}
	e.fire(in, res, AlertRAMHigh, "global", SeverityWarning,
		fmt.Sprintf("RAM at %.0f%% for over %ds (threshold %.0f%%)",
			ram, int(e.ramDuration.Seconds()), in.Profile.AlertRAMPercent))
}

func (e *AlertEngine) evalNetwork(in *EngineInput, res *EngineResult) {
	// Offline: sustained, duration-gated.
	if in.Quality == QualityOffline {
		if e.netOfflineSince.IsZero() {
			e.netOfflineSince = in.Now
		} else if !e.netOfflineFired && in.Now.Sub(e.netOfflineSince) >= e.netOfflineDuration {
			e.netOfflineFired = true
			if !e.underCooldown(AlertNetworkOffline, e.pingHost, in.Now) {
				e.fire(in, res, AlertNetworkOffline, e.pingHost, SeverityCritical,
					fmt.Sprintf("Network offline for over %ds (ping %s)",
						int(e.netOfflineDuration.Seconds()), e.pingHost))
			}
		}
	} else {
		e.netOfflineSince = time.Time{}
		e.netOfflineFired = false
	}

	// Poor: latched, no duration gate.
	if in.Quality == QualityPoor {
		if !e.netPoorFired {
			e.netPoorFired = true
			if !e.underCooldown(AlertNetworkPoor, e.pingHost, in.Now) {
				msg := "Network latency poor"
				if in.Latency != nil {
					msg = fmt.Sprintf("Network latency poor: %.0fms", *in.Latency)
				}
				e.fire(in, res, AlertNetworkPoor, e.pingHost, SeverityWarning, msg)
			}
		}
	} else {
		e.netPoorFired = false
	}
}

func (e *AlertEngine) evalRequiredPorts(in *EngineInput, byNumber map[int]PortStatus, res *EngineResult) {
	for _, port := range in.Profile.RequiredPorts {
		st, observed := byNumber[port]
		if !observed {
			continue
		}
		listening := st.Listening
		key := strconv.Itoa(port)

		prev, known := e.portLastState[port]
		e.portLastState[port] = listening

		// Flap window: record each transition, prune outside the window on
		// every tick, and hard-cap the deque against pathological toggling.
		times := e.portFlapTimes[port]
		if known && prev != listening {
			times = append(times, in.Now)
		}
		cutoff := in.Now.Add(-e.flapWindow)
		for len(times) > 0 && times[0].Before(cutoff) {
			times = times[1:]
		}
		if max := 2 * e.flapThreshold; len(times) > max {
			times = times[len(times)-max:]
		}
		if len(times) == 0 {
			delete(e.portFlapTimes, port)
		} else {
			e.portFlapTimes[port] = times
		}

		if len(times) >= e.flapThreshold {
			if !e.portFlapActive[port] {
				e.portFlapActive[port] = true
				if !e.underCooldown(AlertPortFlapping, key, in.Now) {
					e.fire(in, res, AlertPortFlapping, key, SeverityWarning,
						fmt.Sprintf("Port %d flapping: %d state changes in %ds",
							port, len(e.portFlapTimes[port]), int(e.flapWindow.Seconds())))
				}
			}
		} else {
			delete(e.portFlapActive, port)
		}

		// Down rule: needs an established baseline so restarts don't fire
		// on the first observation.
		if !listening && known {
			if !e.portDownActive[port] {
				e.portDownActive[port] = true
				if !e.underCooldown(AlertPortDown, key, in.Now) {
					e.fire(in, res, AlertPortDown, key, SeverityCritical,
						fmt.Sprintf("Required port %d is down", port))
				}
			}
		} else if listening {
			delete(e.portDownActive, port)
		}
	}
}

// watchPortEvents emits a timeline event on every watched port transition.
// The first observation of a port establishes baseline silently.
func (e *AlertEngine) watchPortEvents(in *EngineInput, res *EngineResult) {
	for _, st := range in.Ports {
		prev, known := e.watchLastState[st.Port]
		e.watchLastState[st.Port] = st.Listening
		if !known || prev == st.Listening {
			continue
		}

		meta := map[string]any{
			"port":      st.Port,
			"listening": st.Listening,
			"required":  st.Required,
		}
		if st.PID != 0 {
			meta["pid"] = st.PID
			meta["process_name"] = st.ProcessName
		}

		if st.Listening {
			msg := fmt.Sprintf("Port %d is up", st.Port)
			if st.ProcessName != "" {
				msg = fmt.Sprintf("Port %d is up (%s, pid %d)", st.Port, st.ProcessName, st.PID)
			}
			res.Events = append(res.Events, &TimelineEvent{
				TsUTC:    in.WallUTC,
				Kind:     EventPortUp,
				Message:  msg,
				Severity: SeverityInfo,
				Meta:     meta,
			})
		} else {
			severity := SeverityWarning
			if st.Required {
				severity = SeverityCritical
			}
			res.Events = append(res.Events, &TimelineEvent{
				TsUTC:    in.WallUTC,
				Kind:     EventPortDown,
				Message:  fmt.Sprintf("Port %d is down", st.Port),
				Severity: severity,
				Meta:     meta,
			})
		}
	}
}

// qualityEvent emits a timeline event when the network quality label changes.
func (e *AlertEngine) qualityEvent(in *EngineInput, res *EngineResult) {
	prev := e.lastQuality
	e.lastQuality = in.Quality
	if prev == "" || prev == in.Quality {
		return
	}

	severity := SeverityInfo
	switch in.Quality {
	case QualityOffline:
		severity = SeverityCritical
	case QualityPoor:
		severity = SeverityWarning
	}

	meta := map[string]any{"prev": prev, "status": in.Quality}
	if in.Latency != nil {
		meta["latency_ms"] = *in.Latency
	}
	res.Events = append(res.Events, &TimelineEvent{
		TsUTC:    in.WallUTC,
		Kind:     EventNetworkStatus,
		Message:  fmt.Sprintf("Network quality changed: %s -> %s", prev, in.Quality),
		Severity: severity,
		Meta:     meta,
	})
}
