package daemon

import (
	"testing"
	"time"
)

func testEngine(t *testing.T) *AlertEngine {
	t.Helper()
	return NewAlertEngine(DefaultConfig())
}

func testProfile() Profile {
	return Profile{
		Name:            "default",
		WatchPorts:      []int{3000, 5173},
		RequiredPorts:   []int{3000},
		AlertCPUPercent: 85,
		AlertRAMPercent: 90,
	}
}

func f64(v float64) *float64 { return &v }

// tickInput builds one EngineInput at base+offset with good network and no ports.
func tickInput(base time.Time, offset time.Duration) *EngineInput {
	now := base.Add(offset)
	lat := 20.0
	return &EngineInput{
		Sample:  &Snapshot{TsUTC: now},
		Latency: &lat,
		Quality: QualityGood,
		Profile: testProfile(),
		Now:     now,
		WallUTC: now,
	}
}

func alertTypes(res *EngineResult) []string {
	var out []string
	for _, a := range res.Alerts {
		out = append(out, a.Type)
	}
	return out
}

func hasAlert(res *EngineResult, typ string) bool {
	for _, a := range res.Alerts {
		if a.Type == typ {
			return true
		}
	}
	return false
}

func TestCPUSustainedFiresAfterDuration(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// First high reading only establishes the window.
	in := tickInput(base, 0)
	in.Sample.CPUPercent = f64(95)
	if res := e.Evaluate(in); len(res.Alerts) != 0 {
		t.Fatalf("first high tick fired: %v", alertTypes(res))
	}

	// 29s into the window: still below the 30s gate.
	in = tickInput(base, 29*time.Second)
	in.Sample.CPUPercent = f64(95)
	if res := e.Evaluate(in); len(res.Alerts) != 0 {
		t.Fatalf("fired before duration elapsed: %v", alertTypes(res))
	}

	// 30s: fires once.
	in = tickInput(base, 30*time.Second)
	in.Sample.CPUPercent = f64(95)
	res := e.Evaluate(in)
	if !hasAlert(res, AlertCPUHigh) {
		t.Fatal("expected cpu_high at 30s")
	}
	if res.Alerts[0].Severity != SeverityWarning {
		t.Errorf("severity = %q, want warning", res.Alerts[0].Severity)
	}

	// Still high: latched, no duplicate.
	in = tickInput(base, 31*time.Second)
	in.Sample.CPUPercent = f64(95)
	if res := e.Evaluate(in); len(res.Alerts) != 0 {
		t.Errorf("latched alert re-fired: %v", alertTypes(res))
	}
}

func TestCPUCooldownSuppressesRefire(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	high := func(offset time.Duration) *EngineResult {
		in := tickInput(base, offset)
		in.Sample.CPUPercent = f64(95)
		return e.Evaluate(in)
	}
	low := func(offset time.Duration) {
		in := tickInput(base, offset)
		in.Sample.CPUPercent = f64(10)
		e.Evaluate(in)
	}

	high(0)
	if res := high(30 * time.Second); !hasAlert(res, AlertCPUHigh) {
		t.Fatal("expected first fire at 30s")
	}

	// Recover, then a second full sustained window that ends inside the 60s
	// cooldown: suppressed.
	low(31 * time.Second)
	high(32 * time.Second)
	if res := high(62 * time.Second); len(res.Alerts) != 0 {
		t.Fatalf("fired inside cooldown: %v", alertTypes(res))
	}

	// A third window finishing after the cooldown fires again.
	low(63 * time.Second)
	high(64 * time.Second)
	if res := high(94 * time.Second); !hasAlert(res, AlertCPUHigh) {
		t.Fatal("expected re-fire after cooldown expired")
	}
}

func TestRAMSustainedFires(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	in := tickInput(base, 0)
	in.Sample.MemPercent = f64(95)
	e.Evaluate(in)

	in = tickInput(base, 30*time.Second)
	in.Sample.MemPercent = f64(95)
	if res := e.Evaluate(in); !hasAlert(res, AlertRAMHigh) {
		t.Fatal("expected ram_high at 30s")
	}
}

func TestNilProbeLeavesWindowIntact(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	in := tickInput(base, 0)
	in.Sample.CPUPercent = f64(95)
	e.Evaluate(in)

	// Probe failure mid-window: neither resets nor advances the rule.
	in = tickInput(base, 10*time.Second)
	in.Sample.CPUPercent = nil
	if res := e.Evaluate(in); len(res.Alerts) != 0 {
		t.Fatalf("nil probe fired: %v", alertTypes(res))
	}

	in = tickInput(base, 30*time.Second)
	in.Sample.CPUPercent = f64(95)
	if res := e.Evaluate(in); !hasAlert(res, AlertCPUHigh) {
		t.Fatal("window should have survived the nil probe")
	}
}

func TestMutedSkipsRulesEntirely(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// A full sustained window under mute produces nothing and advances no
	// state.
	for _, off := range []time.Duration{0, 31 * time.Second} {
		in := tickInput(base, off)
		in.Sample.CPUPercent = f64(95)
		in.Muted = true
		if res := e.Evaluate(in); len(res.Alerts) != 0 {
			t.Fatalf("muted tick fired: %v", alertTypes(res))
		}
	}

	// Unmuted: the first high tick is a fresh baseline, not an instant fire.
	in := tickInput(base, 32*time.Second)
	in.Sample.CPUPercent = f64(95)
	if res := e.Evaluate(in); len(res.Alerts) != 0 {
		t.Fatalf("fired immediately after unmute: %v", alertTypes(res))
	}

	in = tickInput(base, 62*time.Second)
	in.Sample.CPUPercent = f64(95)
	if res := e.Evaluate(in); !hasAlert(res, AlertCPUHigh) {
		t.Fatal("expected fire one full window after unmute")
	}
}

func TestRequiredPortDown(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	portTick := func(offset time.Duration, listening bool) *EngineResult {
		in := tickInput(base, offset)
		in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: listening, PID: 42, ProcessName: "node"}}
		return e.Evaluate(in)
	}

	// First observation is the baseline: no alert, no event.
	res := portTick(0, false)
	if len(res.Alerts) != 0 || len(res.Events) != 0 {
		t.Fatalf("first observation produced output: alerts=%v events=%d", alertTypes(res), len(res.Events))
	}

	// Comes up: port_up event, no alert.
	res = portTick(1*time.Second, true)
	if len(res.Events) != 1 || res.Events[0].Kind != EventPortUp {
		t.Fatalf("expected port_up event, got %+v", res.Events)
	}
	if len(res.Alerts) != 0 {
		t.Fatalf("up transition fired: %v", alertTypes(res))
	}

	// Goes down: critical alert plus critical port_down event.
	res = portTick(2*time.Second, false)
	if !hasAlert(res, AlertPortDown) {
		t.Fatal("expected port_down alert")
	}
	if res.Alerts[0].Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", res.Alerts[0].Severity)
	}
	if len(res.Events) != 1 || res.Events[0].Kind != EventPortDown || res.Events[0].Severity != SeverityCritical {
		t.Fatalf("expected critical port_down event, got %+v", res.Events)
	}

	// Still down: latched.
	if res := portTick(3*time.Second, false); len(res.Alerts) != 0 || len(res.Events) != 0 {
		t.Fatalf("steady down state produced output: %v", alertTypes(res))
	}

	// Recovers, then drops again after the cooldown: fires again.
	portTick(4*time.Second, true)
	res = portTick(70*time.Second, false)
	if !hasAlert(res, AlertPortDown) {
		t.Fatal("expected second port_down after cooldown")
	}
}

func TestNonRequiredWatchPortNeverAlerts(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, listening := range []bool{true, false, false} {
		in := tickInput(base, time.Duration(i)*time.Second)
		in.Ports = []PortStatus{{Port: 5173, Listening: listening}}
		res := e.Evaluate(in)
		if len(res.Alerts) != 0 {
			t.Fatalf("watch-only port alerted: %v", alertTypes(res))
		}
		if i == 1 {
			if len(res.Events) != 1 || res.Events[0].Severity != SeverityWarning {
				t.Fatalf("expected warning port_down event, got %+v", res.Events)
			}
		}
	}
}

func TestPortFlapping(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var flaps int
	listening := true
	for i := 0; i < 8; i++ {
		in := tickInput(base, time.Duration(i)*time.Second)
		in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: listening}}
		res := e.Evaluate(in)
		if hasAlert(res, AlertPortFlapping) {
			flaps++
			if i != 6 {
				t.Errorf("flap alert on tick %d, want tick 6 (6th transition)", i)
			}
		}
		listening = !listening
	}
	if flaps != 1 {
		t.Errorf("flap alerts = %d, want 1 (latched)", flaps)
	}
}

func TestPortFlapWindowExpires(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Five transitions inside the window, then a sixth far outside it: the
	// old entries have aged out, so no flap alert.
	listening := true
	for i := 0; i < 6; i++ {
		in := tickInput(base, time.Duration(i)*time.Second)
		in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: listening}}
		e.Evaluate(in)
		listening = !listening
	}

	in := tickInput(base, 10*time.Minute)
	in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: listening}}
	res := e.Evaluate(in)
	if hasAlert(res, AlertPortFlapping) {
		t.Fatal("flap fired on a transition outside the window")
	}
}

func TestPortFlapStateClearsOnSteadyTicks(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Six transitions engage the flap latch.
	listening := true
	for i := 0; i < 7; i++ {
		in := tickInput(base, time.Duration(i)*time.Second)
		in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: listening}}
		e.Evaluate(in)
		listening = !listening
	}
	if !e.portFlapActive[3000] {
		t.Fatal("flap latch not set after six transitions")
	}

	// A steady tick past the window prunes the deque and drops the latch
	// even though no transition occurred.
	steady := !listening // the state sent on the last tick
	in := tickInput(base, 10*time.Minute)
	in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: steady}}
	e.Evaluate(in)

	if n := len(e.portFlapTimes[3000]); n != 0 {
		t.Errorf("flap deque holds %d entries after the window passed, want 0", n)
	}
	if e.portFlapActive[3000] {
		t.Error("flap latch still set after the window passed without transitions")
	}
}

func TestNetworkOfflineDurationGate(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	offline := func(offset time.Duration) *EngineResult {
		in := tickInput(base, offset)
		in.Latency = nil
		in.Quality = QualityOffline
		return e.Evaluate(in)
	}

	// Establish a quality baseline so the transition event is observable.
	e.Evaluate(tickInput(base, -time.Second))

	res := offline(0)
	if len(res.Alerts) != 0 {
		t.Fatalf("fired at offline start: %v", alertTypes(res))
	}
	if len(res.Events) != 1 || res.Events[0].Kind != EventNetworkStatus || res.Events[0].Severity != SeverityCritical {
		t.Fatalf("expected critical network_status event, got %+v", res.Events)
	}

	if res := offline(9 * time.Second); len(res.Alerts) != 0 {
		t.Fatalf("fired before 10s gate: %v", alertTypes(res))
	}

	res = offline(10 * time.Second)
	if !hasAlert(res, AlertNetworkOffline) {
		t.Fatal("expected network_offline at 10s")
	}
	if res.Alerts[0].Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", res.Alerts[0].Severity)
	}

	// Recovery emits an info event and resets the gate.
	res = e.Evaluate(tickInput(base, 11*time.Second))
	if len(res.Events) != 1 || res.Events[0].Severity != SeverityInfo {
		t.Fatalf("expected info recovery event, got %+v", res.Events)
	}
}

func TestNetworkPoorLatches(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	poor := func(offset time.Duration) *EngineResult {
		in := tickInput(base, offset)
		in.Latency = f64(400)
		in.Quality = QualityPoor
		return e.Evaluate(in)
	}

	res := poor(0)
	if !hasAlert(res, AlertNetworkPoor) {
		t.Fatal("expected immediate network_poor")
	}
	if res := poor(1 * time.Second); len(res.Alerts) != 0 {
		t.Fatalf("latched poor re-fired: %v", alertTypes(res))
	}

	// Back to good, then poor again after the cooldown.
	e.Evaluate(tickInput(base, 2*time.Second))
	if res := poor(70 * time.Second); !hasAlert(res, AlertNetworkPoor) {
		t.Fatal("expected re-fire after recovery and cooldown")
	}
}

func TestQualityEventsStillEmittedWhileMuted(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	e.Evaluate(tickInput(base, 0))

	in := tickInput(base, time.Second)
	in.Latency = f64(400)
	in.Quality = QualityPoor
	in.Muted = true
	in.Ports = []PortStatus{{Port: 5173, Listening: true}}
	res := e.Evaluate(in)

	if len(res.Alerts) != 0 {
		t.Fatalf("muted tick fired: %v", alertTypes(res))
	}
	if len(res.Events) != 1 || res.Events[0].Kind != EventNetworkStatus {
		t.Fatalf("expected network_status event under mute, got %+v", res.Events)
	}

	// The watched port transition is also still an event.
	in = tickInput(base, 2*time.Second)
	in.Muted = true
	in.Ports = []PortStatus{{Port: 5173, Listening: false}}
	res = e.Evaluate(in)
	var sawPortDown bool
	for _, ev := range res.Events {
		if ev.Kind == EventPortDown {
			sawPortDown = true
		}
	}
	if !sawPortDown {
		t.Fatal("expected port_down event under mute")
	}
}

func TestEventMetaCarriesPortDetails(t *testing.T) {
	e := testEngine(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	in := tickInput(base, 0)
	in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: false}}
	e.Evaluate(in)

	in = tickInput(base, time.Second)
	in.Ports = []PortStatus{{Port: 3000, Required: true, Listening: true, PID: 42, ProcessName: "node"}}
	res := e.Evaluate(in)

	if len(res.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(res.Events))
	}
	meta := res.Events[0].Meta
	if meta["port"] != 3000 || meta["pid"] != 42 || meta["process_name"] != "node" {
		t.Errorf("meta = %v, want port/pid/process_name set", meta)
	}
}
