package protocol

import "github.com/vmihailenco/msgpack/v5"

// MsgType identifies the type of a protocol message.
type MsgType string

const (
	// Streaming: client subscribes, daemon pushes live bus messages.
	TypeSubscribe   MsgType = "subscribe"
	TypeUnsubscribe MsgType = "unsubscribe"
	TypePush        MsgType = "push"

	// Request-response.
	TypeQuerySummary    MsgType = "query:summary"
	TypeQueryHistory    MsgType = "query:history"
	TypeQueryTimeline   MsgType = "query:timeline"
	TypeQueryPorts      MsgType = "query:ports"
	TypeQueryListening  MsgType = "query:listening_ports"
	TypeQueryAlerts     MsgType = "query:alerts"
	TypeQueryProfiles   MsgType = "query:profiles"
	TypeQueryNetwork    MsgType = "query:network"
	TypeQueryProcesses  MsgType = "query:processes"
	TypeQueryContainers MsgType = "query:containers"

	TypeActionAckAlert      MsgType = "action:ack_alert"
	TypeActionMute          MsgType = "action:mute"
	TypeActionSelectProfile MsgType = "action:select_profile"

	TypeResult MsgType = "result"
	TypeError  MsgType = "error"
)

// Envelope is the top-level wire message. Body is decoded in a second pass
// based on the Type field.
type Envelope struct {
	Type MsgType            `msgpack:"type"`
	ID   uint32             `msgpack:"id"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// --- Request bodies ---

// HistoryReq is the body for TypeQueryHistory.
type HistoryReq struct {
	Hours int `msgpack:"hours"`
}

// TimelineReq is the body for TypeQueryTimeline. Latest=true ignores Hours
// and returns the most recent events.
type TimelineReq struct {
	Hours  int  `msgpack:"hours,omitempty"`
	Limit  int  `msgpack:"limit,omitempty"`
	Latest bool `msgpack:"latest,omitempty"`
}

// LimitReq is the body for TypeQueryListening and TypeQueryProcesses.
type LimitReq struct {
	Limit int `msgpack:"limit,omitempty"`
}

// AlertsReq is the body for TypeQueryAlerts.
type AlertsReq struct {
	Limit      int  `msgpack:"limit,omitempty"`
	IncludeAck bool `msgpack:"include_ack,omitempty"`
}

// AckAlertReq is the body for TypeActionAckAlert.
type AckAlertReq struct {
	AlertID int64 `msgpack:"alert_id"`
}

// MuteReq is the body for TypeActionMute. Minutes=0 clears the mute.
type MuteReq struct {
	Minutes int `msgpack:"minutes"`
}

// SelectProfileReq is the body for TypeActionSelectProfile.
type SelectProfileReq struct {
	Name string `msgpack:"name"`
}

// --- Response bodies ---

// SnapshotMsg is one host sample. Pointer fields are nil when the
// corresponding probe failed at collection time.
type SnapshotMsg struct {
	ID             int64    `msgpack:"id,omitempty"`
	TsUTC          string   `msgpack:"ts_utc"`
	CPUPercent     *float64 `msgpack:"cpu_percent"`
	MemPercent     *float64 `msgpack:"mem_percent"`
	MemUsedBytes   *int64   `msgpack:"mem_used_bytes"`
	MemAvailBytes  *int64   `msgpack:"mem_avail_bytes"`
	MemTotalBytes  *int64   `msgpack:"mem_total_bytes"`
	DiskPercent    *float64 `msgpack:"disk_percent"`
	DiskUsedBytes  *int64   `msgpack:"disk_used_bytes"`
	DiskFreeBytes  *int64   `msgpack:"disk_free_bytes"`
	DiskTotalBytes *int64   `msgpack:"disk_total_bytes"`
	NetSentBps     *float64 `msgpack:"net_sent_bps"`
	NetRecvBps     *float64 `msgpack:"net_recv_bps"`
}

// SummaryResp is the response for TypeQuerySummary. Snapshot is nil when no
// sample has been stored yet.
type SummaryResp struct {
	Snapshot *SnapshotMsg `msgpack:"snapshot"`
}

// HistoryResp is the response for TypeQueryHistory.
type HistoryResp struct {
	Resolution string        `msgpack:"resolution"`
	Hours      int           `msgpack:"hours"`
	SinceTsUTC string        `msgpack:"since_ts_utc"`
	Count      int           `msgpack:"count"`
	Snapshots  []SnapshotMsg `msgpack:"snapshots"`
}

// EventMsg is one timeline event.
type EventMsg struct {
	ID       int64          `msgpack:"id"`
	TsUTC    string         `msgpack:"ts_utc"`
	Kind     string         `msgpack:"kind"`
	Message  string         `msgpack:"message"`
	Severity string         `msgpack:"severity"`
	Meta     map[string]any `msgpack:"meta,omitempty"`
}

// TimelineResp is the response for TypeQueryTimeline.
type TimelineResp struct {
	Events []EventMsg `msgpack:"events"`
}

// PortMsg is the status of a single watched port.
type PortMsg struct {
	Port        int    `msgpack:"port"`
	Required    bool   `msgpack:"required"`
	Listening   bool   `msgpack:"listening"`
	PID         int    `msgpack:"pid,omitempty"`
	ProcessName string `msgpack:"process_name,omitempty"`
}

// PortsResp is the response for TypeQueryPorts.
type PortsResp struct {
	Profile string    `msgpack:"profile"`
	Ports   []PortMsg `msgpack:"ports"`
}

// ListeningSocketMsg is one listening TCP socket.
type ListeningSocketMsg struct {
	IP          string `msgpack:"ip"`
	Port        int    `msgpack:"port"`
	PID         int    `msgpack:"pid,omitempty"`
	ProcessName string `msgpack:"process_name,omitempty"`
}

// ListeningResp is the response for TypeQueryListening.
type ListeningResp struct {
	Sockets []ListeningSocketMsg `msgpack:"sockets"`
}

// AlertMsg represents an alert in query responses.
type AlertMsg struct {
	ID                int64  `msgpack:"id"`
	TsUTC             string `msgpack:"ts_utc"`
	Type              string `msgpack:"type"`
	Message           string `msgpack:"message"`
	Severity          string `msgpack:"severity"`
	Acknowledged      bool   `msgpack:"acknowledged"`
	AcknowledgedTsUTC string `msgpack:"acknowledged_ts_utc,omitempty"`
}

// AlertsResp is the response for TypeQueryAlerts.
type AlertsResp struct {
	Alerts       []AlertMsg `msgpack:"alerts"`
	MuteUntilUTC string     `msgpack:"mute_until_utc,omitempty"`
}

// AckAlertResp is the response for TypeActionAckAlert.
type AckAlertResp struct {
	ID                int64  `msgpack:"id"`
	Acknowledged      bool   `msgpack:"acknowledged"`
	AcknowledgedTsUTC string `msgpack:"acknowledged_ts_utc"`
}

// MuteResp is the response for TypeActionMute.
type MuteResp struct {
	Muted        bool   `msgpack:"muted"`
	MuteUntilUTC string `msgpack:"mute_until_utc,omitempty"`
}

// ProfileMsg describes one alerting profile.
type ProfileMsg struct {
	Name            string  `msgpack:"name"`
	WatchPorts      []int   `msgpack:"watch_ports"`
	RequiredPorts   []int   `msgpack:"required_ports"`
	AlertCPUPercent float64 `msgpack:"alert_cpu_percent"`
	AlertRAMPercent float64 `msgpack:"alert_ram_percent"`
}

// ProfilesResp is the response for TypeQueryProfiles and TypeActionSelectProfile.
type ProfilesResp struct {
	Active   string       `msgpack:"active"`
	Profiles []ProfileMsg `msgpack:"profiles"`
}

// NetworkResp is the response for TypeQueryNetwork: one fresh ping.
type NetworkResp struct {
	Host      string   `msgpack:"host"`
	TimeoutMs int      `msgpack:"timeout_ms"`
	LatencyMs *float64 `msgpack:"latency_ms"`
	Status    string   `msgpack:"status"`
}

// ProcessMsg is one process row.
type ProcessMsg struct {
	PID         int     `msgpack:"pid"`
	Name        string  `msgpack:"name"`
	CPUPercent  float64 `msgpack:"cpu_percent"`
	MemoryBytes int64   `msgpack:"memory_bytes"`
	Status      string  `msgpack:"status"`
	Username    string  `msgpack:"username,omitempty"`
}

// ProcessesResp is the response for TypeQueryProcesses.
type ProcessesResp struct {
	Processes []ProcessMsg `msgpack:"processes"`
}

// ContainerMsg is one container row.
type ContainerMsg struct {
	ID            string  `msgpack:"id"`
	Name          string  `msgpack:"name"`
	Image         string  `msgpack:"image"`
	State         string  `msgpack:"state"`
	CPUPercent    float64 `msgpack:"cpu_percent"`
	MemUsageBytes uint64  `msgpack:"mem_usage_bytes"`
	MemLimitBytes uint64  `msgpack:"mem_limit_bytes"`
	MemPercent    float64 `msgpack:"mem_percent"`
}

// ContainersResp is the response for TypeQueryContainers. Available is false
// when the container engine cannot be reached; Reason says why.
type ContainersResp struct {
	Available  bool           `msgpack:"available"`
	Reason     string         `msgpack:"reason,omitempty"`
	Containers []ContainerMsg `msgpack:"containers"`
}

// Result is the generic success response.
type Result struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// ErrorResult is the generic error response.
type ErrorResult struct {
	Error string `msgpack:"error"`
}
