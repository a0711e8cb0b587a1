package daemon

import (
	"log/slog"
	"sync"
	"time"
)

// Live message types pushed to subscribed sessions.
const (
	MsgHello          = "hello"
	MsgKPI            = "kpi"
	MsgChartPoint     = "chart_point"
	MsgAlert          = "alert"
	MsgAlertState     = "alert_state"
	MsgTimelineEvent  = "timeline_event"
	MsgProcesses      = "processes"
	MsgListeningPorts = "listening_ports"
	MsgProfile        = "profile"
)

// liveSchemaVersion is bumped when a live payload changes incompatibly.
const liveSchemaVersion = 1

// Message is one live bus frame. Data is a payload struct from this file;
// both tag sets are present so the same shapes serve the socket protocol and
// any JSON consumer.
type Message struct {
	Type  string `json:"type" msgpack:"type"`
	V     int    `json:"v" msgpack:"v"`
	TsUTC string `json:"ts_utc" msgpack:"ts_utc"`
	Data  any    `json:"data" msgpack:"data"`
}

// NewMessage stamps a live message with the schema version and current time.
func NewMessage(typ string, data any) Message {
	return Message{Type: typ, V: liveSchemaVersion, TsUTC: formatTS(time.Now()), Data: data}
}

// --- Live payloads ---

// HelloData greets a freshly attached session.
type HelloData struct {
	ServerTimeUTC string `json:"server_time_utc" msgpack:"server_time_utc"`
	Message       string `json:"message" msgpack:"message"`
}

// KPIData is the per-tick headline reading.
type KPIData struct {
	CPUPercent  *float64 `json:"cpu_percent" msgpack:"cpu_percent"`
	MemPercent  *float64 `json:"mem_percent" msgpack:"mem_percent"`
	DiskPercent *float64 `json:"disk_percent" msgpack:"disk_percent"`
	NetSentBps  *float64 `json:"net_sent_bps" msgpack:"net_sent_bps"`
	NetRecvBps  *float64 `json:"net_recv_bps" msgpack:"net_recv_bps"`
	LatencyMs   *float64 `json:"latency_ms" msgpack:"latency_ms"`
	NetQuality  string   `json:"net_quality" msgpack:"net_quality"`
}

// ChartPointData is one appendable history point.
type ChartPointData struct {
	TsUTC      string   `json:"ts_utc" msgpack:"ts_utc"`
	CPUPercent *float64 `json:"cpu_percent" msgpack:"cpu_percent"`
	MemPercent *float64 `json:"mem_percent" msgpack:"mem_percent"`
	NetSentBps *float64 `json:"net_sent_bps" msgpack:"net_sent_bps"`
	NetRecvBps *float64 `json:"net_recv_bps" msgpack:"net_recv_bps"`
}

// AlertData is a freshly created alert.
type AlertData struct {
	ID       int64  `json:"id" msgpack:"id"`
	TsUTC    string `json:"ts_utc" msgpack:"ts_utc"`
	Type     string `json:"type" msgpack:"type"`
	Message  string `json:"message" msgpack:"message"`
	Severity string `json:"severity" msgpack:"severity"`
}

// AlertStateData announces an alert lifecycle change: an acknowledgement
// (AlertID set) or a mute toggle (AlertID zero).
type AlertStateData struct {
	Change       string `json:"change" msgpack:"change"` // "ack", "mute", "unmute"
	AlertID      int64  `json:"alert_id,omitempty" msgpack:"alert_id,omitempty"`
	MuteUntilUTC string `json:"mute_until_utc,omitempty" msgpack:"mute_until_utc,omitempty"`
}

// TimelineEventData mirrors one event log row.
type TimelineEventData struct {
	ID       int64          `json:"id" msgpack:"id"`
	TsUTC    string         `json:"ts_utc" msgpack:"ts_utc"`
	Kind     string         `json:"kind" msgpack:"kind"`
	Message  string         `json:"message" msgpack:"message"`
	Severity string         `json:"severity" msgpack:"severity"`
	Meta     map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// ProcessData is one row of the periodic top-processes push.
type ProcessData struct {
	PID         int     `json:"pid" msgpack:"pid"`
	Name        string  `json:"name" msgpack:"name"`
	CPUPercent  float64 `json:"cpu_percent" msgpack:"cpu_percent"`
	MemoryBytes int64   `json:"memory_bytes" msgpack:"memory_bytes"`
	Status      string  `json:"status" msgpack:"status"`
	Username    string  `json:"username,omitempty" msgpack:"username,omitempty"`
}

// ListeningPortData is one row of the periodic listening-ports push.
type ListeningPortData struct {
	IP          string `json:"ip" msgpack:"ip"`
	Port        int    `json:"port" msgpack:"port"`
	PID         int    `json:"pid,omitempty" msgpack:"pid,omitempty"`
	ProcessName string `json:"process_name,omitempty" msgpack:"process_name,omitempty"`
}

// ProfileData announces the newly active profile.
type ProfileData struct {
	Active string `json:"active" msgpack:"active"`
}

// Session is one attached live observer. Send must be safe for concurrent
// use; Close is called at most once by the bus.
type Session interface {
	Send(msg Message) error
	Close(code int) error
}

// LiveBus fans live messages out to attached sessions. A session whose Send
// fails is detached and closed; slow or dead observers never block the
// scheduler beyond their own Send call.
type LiveBus struct {
	mu       sync.Mutex
	sessions map[Session]struct{}
}

// NewLiveBus creates an empty bus.
func NewLiveBus() *LiveBus {
	return &LiveBus{sessions: make(map[Session]struct{})}
}

// Attach registers a session and greets it. The hello is sent outside the
// lock so a blocking observer cannot stall other attaches.
func (b *LiveBus) Attach(s Session) {
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	n := len(b.sessions)
	b.mu.Unlock()

	slog.Debug("session attached", "sessions", n)

	hello := NewMessage(MsgHello, HelloData{
		ServerTimeUTC: formatTS(time.Now()),
		Message:       "watchman live stream",
	})
	if err := s.Send(hello); err != nil {
		b.Detach(s)
	}
}

// Detach removes a session without closing it.
func (b *LiveBus) Detach(s Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

// Count returns the number of attached sessions.
func (b *LiveBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Broadcast sends msg to every attached session. Sends happen outside the
// lock against a snapshot; sessions that error are detached and closed with
// a going-away code.
func (b *LiveBus) Broadcast(msg Message) {
	b.mu.Lock()
	targets := make([]Session, 0, len(b.sessions))
	for s := range b.sessions {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	var failed []Session
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			failed = append(failed, s)
		}
	}

	for _, s := range failed {
		b.Detach(s)
		if err := s.Close(1001); err != nil {
			slog.Debug("failed to close dead session", "error", err)
		}
		slog.Debug("detached dead session", "type", msg.Type)
	}
}

// CloseAll detaches and closes every session, used at shutdown.
func (b *LiveBus) CloseAll(code int) {
	b.mu.Lock()
	targets := make([]Session, 0, len(b.sessions))
	for s := range b.sessions {
		targets = append(targets, s)
	}
	b.sessions = make(map[Session]struct{})
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.Close(code); err != nil {
			slog.Debug("failed to close session", "error", err)
		}
	}
}
