package daemon

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fakePinger(out string, err error) *Pinger {
	p := NewPinger("192.0.2.1", 100*time.Millisecond)
	p.run = func(ctx context.Context, host string, timeout time.Duration) ([]byte, error) {
		return []byte(out), err
	}
	return p
}

func TestLatencyParsesPingOutput(t *testing.T) {
	out := `PING 192.0.2.1 (192.0.2.1) 56(84) bytes of data.
64 bytes from 192.0.2.1: icmp_seq=1 ttl=55 time=23.4 ms

--- 192.0.2.1 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms`
	got := fakePinger(out, nil).Latency(context.Background())
	if got == nil || *got != 23.4 {
		t.Fatalf("latency = %v, want 23.4", got)
	}
}

func TestLatencySubMillisecond(t *testing.T) {
	got := fakePinger("64 bytes from 127.0.0.1: icmp_seq=1 ttl=64 time<1 ms", nil).
		Latency(context.Background())
	if got == nil || *got != 1 {
		t.Fatalf("latency = %v, want 1", got)
	}
}

func TestLatencyCommandError(t *testing.T) {
	got := fakePinger("", errors.New("exit status 1")).Latency(context.Background())
	if got != nil {
		t.Fatalf("latency = %v, want nil on error", *got)
	}
}

func TestLatencyNoMatch(t *testing.T) {
	got := fakePinger("Request timeout for icmp_seq 1", nil).Latency(context.Background())
	if got != nil {
		t.Fatalf("latency = %v, want nil without a time field", *got)
	}
}

func TestClassifyNetwork(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		latency *float64
		want    string
	}{
		{nil, QualityOffline},
		{f(1), QualityGood},
		{f(50), QualityGood},
		{f(50.1), QualityOK},
		{f(150), QualityOK},
		{f(150.1), QualityPoor},
		{f(900), QualityPoor},
	}
	for _, tt := range tests {
		if got := classifyNetwork(tt.latency); got != tt.want {
			t.Errorf("classifyNetwork(%v) = %q, want %q", tt.latency, got, tt.want)
		}
	}
}
