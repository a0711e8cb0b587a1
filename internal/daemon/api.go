package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thobiasn/watchman/internal/protocol"
)

// ErrAlertNotFound is returned when acknowledging an alert that does not
// exist or is already acknowledged.
var ErrAlertNotFound = errors.New("alert not found")

// Query clamps. Requests outside these bounds are clamped, not rejected.
const (
	maxHistoryHours   = 720
	maxTimelineHours  = 168
	maxTimelineLimit  = 500
	maxListeningLimit = 2000
	maxAlertsLimit    = 200
	maxProcessesLimit = 200
	maxMuteMinutes    = 1440
)

// MuteState is the in-memory mute deadline, shared between the API and the
// scheduler. The persisted copy in alert_settings survives restarts.
type MuteState struct {
	mu    sync.Mutex
	until time.Time
}

// Set arms the mute until the given time.
func (m *MuteState) Set(until time.Time) {
	m.mu.Lock()
	m.until = until
	m.mu.Unlock()
}

// Clear disarms the mute.
func (m *MuteState) Clear() {
	m.mu.Lock()
	m.until = time.Time{}
	m.mu.Unlock()
}

// Active reports whether alerts are muted at the given instant.
func (m *MuteState) Active(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.until.IsZero() && now.Before(m.until)
}

// Until returns the mute deadline; ok is false when no mute is set.
func (m *MuteState) Until() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.until, !m.until.IsZero()
}

// API implements the query and action operations behind the socket server.
// Collector access is serialized because the process and docker collectors
// keep per-call delta state.
type API struct {
	store    *Store
	bus      *LiveBus
	profiles *ProfileState
	mute     *MuteState
	ports    *PortScanner
	pinger   *Pinger
	now      func() time.Time

	collectMu sync.Mutex
	procs     *ProcessCollector
	docker    *DockerCollector // nil when docker is disabled
	dockerErr string           // reason docker is unavailable, when known
}

// NewAPI wires the API over the shared daemon components. docker may be nil.
func NewAPI(store *Store, bus *LiveBus, profiles *ProfileState, mute *MuteState,
	ports *PortScanner, procs *ProcessCollector, pinger *Pinger, docker *DockerCollector) *API {
	a := &API{
		store:    store,
		bus:      bus,
		profiles: profiles,
		mute:     mute,
		ports:    ports,
		procs:    procs,
		pinger:   pinger,
		docker:   docker,
		now:      time.Now,
	}
	if docker == nil {
		a.dockerErr = "docker disabled"
	}
	return a
}

// Summary returns the most recent stored sample.
func (a *API) Summary(ctx context.Context) (*protocol.SummaryResp, error) {
	snap, err := a.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	resp := &protocol.SummaryResp{}
	if snap != nil {
		m := snapshotMsg(snap)
		resp.Snapshot = &m
	}
	return resp, nil
}

// History returns samples covering the last hours, picking the resolution by
// span: raw up to 24h, 1-minute rollups up to 168h, 15-minute beyond.
func (a *API) History(ctx context.Context, hours int) (*protocol.HistoryResp, error) {
	hours = clamp(hours, 1, maxHistoryHours)
	since := a.now().Add(-time.Duration(hours) * time.Hour)

	var (
		snaps      []Snapshot
		resolution string
		err        error
	)
	switch {
	case hours <= 24:
		resolution = "raw"
		snaps, err = a.store.SnapshotHistory(ctx, since)
	case hours <= 168:
		resolution = "1m"
		snaps, err = a.store.SnapshotHistory1m(ctx, since)
	default:
		resolution = "15m"
		snaps, err = a.store.SnapshotHistory15m(ctx, since)
	}
	if err != nil {
		return nil, err
	}

	out := make([]protocol.SnapshotMsg, len(snaps))
	for i := range snaps {
		out[i] = snapshotMsg(&snaps[i])
	}
	return &protocol.HistoryResp{
		Resolution: resolution,
		Hours:      hours,
		SinceTsUTC: formatTS(since),
		Count:      len(out),
		Snapshots:  out,
	}, nil
}

// Timeline returns event log rows, newest first. latest=true ignores hours.
func (a *API) Timeline(ctx context.Context, hours, limit int, latest bool) (*protocol.TimelineResp, error) {
	if limit <= 0 {
		limit = 100
	}
	limit = clamp(limit, 1, maxTimelineLimit)

	var (
		events []TimelineEvent
		err    error
	)
	if latest {
		events, err = a.store.LatestEvents(ctx, limit)
	} else {
		hours = clamp(hours, 1, maxTimelineHours)
		since := a.now().Add(-time.Duration(hours) * time.Hour)
		events, err = a.store.EventsSince(ctx, since, limit)
	}
	if err != nil {
		return nil, err
	}

	out := make([]protocol.EventMsg, len(events))
	for i, ev := range events {
		out[i] = eventMsg(&ev)
	}
	return &protocol.TimelineResp{Events: out}, nil
}

// Ports returns the live status of the active profile's watch list.
func (a *API) Ports(ctx context.Context) (*protocol.PortsResp, error) {
	profile := a.profiles.Active()
	statuses, err := a.ports.WatchStatus(profile)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.PortMsg, len(statuses))
	for i, st := range statuses {
		out[i] = protocol.PortMsg{
			Port:        st.Port,
			Required:    st.Required,
			Listening:   st.Listening,
			PID:         st.PID,
			ProcessName: st.ProcessName,
		}
	}
	return &protocol.PortsResp{Profile: profile.Name, Ports: out}, nil
}

// Listening returns all listening TCP sockets.
func (a *API) Listening(ctx context.Context, limit int) (*protocol.ListeningResp, error) {
	if limit <= 0 {
		limit = 500
	}
	limit = clamp(limit, 1, maxListeningLimit)

	socks, err := a.ports.Listening(limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ListeningSocketMsg, len(socks))
	for i, s := range socks {
		out[i] = protocol.ListeningSocketMsg{
			IP:          s.IP,
			Port:        s.Port,
			PID:         s.PID,
			ProcessName: s.ProcessName,
		}
	}
	return &protocol.ListeningResp{Sockets: out}, nil
}

// Alerts returns recent alerts plus the current mute deadline.
func (a *API) Alerts(ctx context.Context, limit int, includeAck bool) (*protocol.AlertsResp, error) {
	if limit <= 0 {
		limit = 50
	}
	limit = clamp(limit, 1, maxAlertsLimit)

	alerts, err := a.store.RecentAlerts(ctx, limit, includeAck)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.AlertMsg, len(alerts))
	for i, al := range alerts {
		out[i] = alertMsg(&al)
	}

	resp := &protocol.AlertsResp{Alerts: out}
	if until, ok := a.mute.Until(); ok && a.now().Before(until) {
		resp.MuteUntilUTC = formatTS(until)
	}
	return resp, nil
}

// Profiles lists all profiles and which one is active.
func (a *API) Profiles(ctx context.Context) (*protocol.ProfilesResp, error) {
	return a.profilesResp(), nil
}

// Network runs one fresh ping and classifies it.
func (a *API) Network(ctx context.Context) (*protocol.NetworkResp, error) {
	latency := a.pinger.Latency(ctx)
	return &protocol.NetworkResp{
		Host:      a.pinger.Host(),
		TimeoutMs: int(a.pinger.Timeout().Milliseconds()),
		LatencyMs: latency,
		Status:    classifyNetwork(latency),
	}, nil
}

// Processes returns the current top processes by CPU.
func (a *API) Processes(ctx context.Context, limit int) (*protocol.ProcessesResp, error) {
	if limit <= 0 {
		limit = 15
	}
	limit = clamp(limit, 1, maxProcessesLimit)

	a.collectMu.Lock()
	rows, err := a.procs.Top(limit)
	a.collectMu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]protocol.ProcessMsg, len(rows))
	for i, r := range rows {
		out[i] = protocol.ProcessMsg{
			PID:         r.PID,
			Name:        r.Name,
			CPUPercent:  r.CPUPercent,
			MemoryBytes: r.MemoryBytes,
			Status:      r.Status,
			Username:    r.Username,
		}
	}
	return &protocol.ProcessesResp{Processes: out}, nil
}

// Containers returns container stats. An unreachable engine degrades to
// Available=false rather than an error.
func (a *API) Containers(ctx context.Context) (*protocol.ContainersResp, error) {
	if a.docker == nil {
		return &protocol.ContainersResp{Available: false, Reason: a.dockerErr}, nil
	}

	a.collectMu.Lock()
	rows, err := a.docker.Collect(ctx)
	a.collectMu.Unlock()
	if err != nil {
		return &protocol.ContainersResp{Available: false, Reason: err.Error()}, nil
	}

	out := make([]protocol.ContainerMsg, len(rows))
	for i, r := range rows {
		out[i] = protocol.ContainerMsg{
			ID:            r.ID,
			Name:          r.Name,
			Image:         r.Image,
			State:         r.State,
			CPUPercent:    r.CPUPercent,
			MemUsageBytes: r.MemUsageBytes,
			MemLimitBytes: r.MemLimitBytes,
			MemPercent:    r.MemPercent,
		}
	}
	return &protocol.ContainersResp{Available: true, Containers: out}, nil
}

// AckAlert acknowledges an alert, logs the acknowledgement to the event log,
// and broadcasts both changes.
func (a *API) AckAlert(ctx context.Context, id int64) (*protocol.AckAlertResp, error) {
	now := a.now()
	ok, err := a.store.AcknowledgeAlert(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrAlertNotFound, id)
	}

	ev := &TimelineEvent{
		TsUTC:    now,
		Kind:     EventAlertAck,
		Message:  fmt.Sprintf("Alert %d acknowledged", id),
		Severity: SeverityInfo,
		Meta:     map[string]any{"alert_id": id},
	}
	if err := a.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}

	a.bus.Broadcast(NewMessage(MsgAlertState, AlertStateData{Change: "ack", AlertID: id}))
	a.bus.Broadcast(NewMessage(MsgTimelineEvent, timelineEventData(ev)))

	return &protocol.AckAlertResp{
		ID:                id,
		Acknowledged:      true,
		AcknowledgedTsUTC: formatTS(now),
	}, nil
}

// Mute silences alert creation for the given number of minutes; 0 clears an
// existing mute. Both directions are persisted, logged, and broadcast.
func (a *API) Mute(ctx context.Context, minutes int) (*protocol.MuteResp, error) {
	minutes = clamp(minutes, 0, maxMuteMinutes)
	now := a.now()

	if minutes == 0 {
		a.mute.Clear()
		if err := a.store.ClearSetting(ctx, settingMuteUntil); err != nil {
			return nil, err
		}
		ev := &TimelineEvent{
			TsUTC:    now,
			Kind:     EventMuteDisabled,
			Message:  "Alerts unmuted",
			Severity: SeverityInfo,
		}
		if err := a.store.InsertEvent(ctx, ev); err != nil {
			return nil, err
		}
		a.bus.Broadcast(NewMessage(MsgAlertState, AlertStateData{Change: "unmute"}))
		a.bus.Broadcast(NewMessage(MsgTimelineEvent, timelineEventData(ev)))
		return &protocol.MuteResp{Muted: false}, nil
	}

	until := now.Add(time.Duration(minutes) * time.Minute)
	a.mute.Set(until)
	if err := a.store.SetSetting(ctx, settingMuteUntil, formatTS(until)); err != nil {
		return nil, err
	}
	ev := &TimelineEvent{
		TsUTC:    now,
		Kind:     EventMuteEnabled,
		Message:  fmt.Sprintf("Alerts muted for %dm", minutes),
		Severity: SeverityInfo,
		Meta:     map[string]any{"until_utc": formatTS(until), "minutes": minutes},
	}
	if err := a.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	a.bus.Broadcast(NewMessage(MsgAlertState, AlertStateData{Change: "mute", MuteUntilUTC: formatTS(until)}))
	a.bus.Broadcast(NewMessage(MsgTimelineEvent, timelineEventData(ev)))
	return &protocol.MuteResp{Muted: true, MuteUntilUTC: formatTS(until)}, nil
}

// SelectProfile activates the named profile, persists the choice, and
// broadcasts it.
func (a *API) SelectProfile(ctx context.Context, name string) (*protocol.ProfilesResp, error) {
	profile, err := a.profiles.Select(name)
	if err != nil {
		return nil, err
	}
	if err := a.store.SetState(ctx, stateActiveProfile, profile.Name); err != nil {
		return nil, err
	}
	a.bus.Broadcast(NewMessage(MsgProfile, ProfileData{Active: profile.Name}))
	return a.profilesResp(), nil
}

func (a *API) profilesResp() *protocol.ProfilesResp {
	active := a.profiles.Active()
	list := a.profiles.List()
	out := make([]protocol.ProfileMsg, len(list))
	for i, p := range list {
		out[i] = protocol.ProfileMsg{
			Name:            p.Name,
			WatchPorts:      p.WatchPorts,
			RequiredPorts:   p.RequiredPorts,
			AlertCPUPercent: p.AlertCPUPercent,
			AlertRAMPercent: p.AlertRAMPercent,
		}
	}
	return &protocol.ProfilesResp{Active: active.Name, Profiles: out}
}

// --- Conversions ---

func snapshotMsg(s *Snapshot) protocol.SnapshotMsg {
	return protocol.SnapshotMsg{
		ID:             s.ID,
		TsUTC:          formatTS(s.TsUTC),
		CPUPercent:     s.CPUPercent,
		MemPercent:     s.MemPercent,
		MemUsedBytes:   s.MemUsedBytes,
		MemAvailBytes:  s.MemAvailBytes,
		MemTotalBytes:  s.MemTotalBytes,
		DiskPercent:    s.DiskPercent,
		DiskUsedBytes:  s.DiskUsedBytes,
		DiskFreeBytes:  s.DiskFreeBytes,
		DiskTotalBytes: s.DiskTotalBytes,
		NetSentBps:     s.NetSentBps,
		NetRecvBps:     s.NetRecvBps,
	}
}

func eventMsg(ev *TimelineEvent) protocol.EventMsg {
	return protocol.EventMsg{
		ID:       ev.ID,
		TsUTC:    formatTS(ev.TsUTC),
		Kind:     ev.Kind,
		Message:  ev.Message,
		Severity: ev.Severity,
		Meta:     ev.Meta,
	}
}

func alertMsg(a *Alert) protocol.AlertMsg {
	msg := protocol.AlertMsg{
		ID:           a.ID,
		TsUTC:        formatTS(a.TsUTC),
		Type:         a.Type,
		Message:      a.Message,
		Severity:     a.Severity,
		Acknowledged: a.Acknowledged,
	}
	if a.AcknowledgedTsUTC != nil {
		msg.AcknowledgedTsUTC = formatTS(*a.AcknowledgedTsUTC)
	}
	return msg
}

func timelineEventData(ev *TimelineEvent) TimelineEventData {
	return TimelineEventData{
		ID:       ev.ID,
		TsUTC:    formatTS(ev.TsUTC),
		Kind:     ev.Kind,
		Message:  ev.Message,
		Severity: ev.Severity,
		Meta:     ev.Meta,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
