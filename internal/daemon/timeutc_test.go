package daemon

import (
	"testing"
	"time"
)

func TestFormatTSFixedWidth(t *testing.T) {
	got := formatTS(time.Date(2025, 6, 1, 9, 5, 3, 42000, time.UTC))
	want := "2025-06-01T09:05:03.000042+00:00"
	if got != want {
		t.Errorf("formatTS = %q, want %q", got, want)
	}
}

func TestFormatTSConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	got := formatTS(time.Date(2025, 6, 1, 10, 0, 0, 0, loc))
	if got != "2025-06-01T09:00:00.000000+00:00" {
		t.Errorf("formatTS = %q", got)
	}
}

func TestParseTSRoundTrip(t *testing.T) {
	orig := time.Date(2025, 6, 1, 9, 5, 3, 123456000, time.UTC)
	got, err := parseTS(formatTS(orig))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(orig) {
		t.Errorf("round trip = %v, want %v", got, orig)
	}
}

func TestParseTSRFC3339Fallback(t *testing.T) {
	got, err := parseTS("2025-06-01T09:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("got %v", got)
	}
}

func TestParseTSInvalid(t *testing.T) {
	if _, err := parseTS("yesterday"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLexicographicMatchesChronological(t *testing.T) {
	times := []time.Time{
		time.Date(2024, 12, 31, 23, 59, 59, 999999000, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 0, 1000, time.UTC),
		time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC),
	}
	for i := 1; i < len(times); i++ {
		a, b := formatTS(times[i-1]), formatTS(times[i])
		if !(a < b) {
			t.Errorf("string order broken: %q >= %q", a, b)
		}
	}
}

func TestFloors(t *testing.T) {
	in := time.Date(2025, 6, 1, 9, 38, 42, 500, time.UTC)
	if got := floorMinute(in); !got.Equal(time.Date(2025, 6, 1, 9, 38, 0, 0, time.UTC)) {
		t.Errorf("floorMinute = %v", got)
	}
	if got := floor15m(in); !got.Equal(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("floor15m = %v", got)
	}
	if got := floor15m(time.Date(2025, 6, 1, 9, 45, 0, 0, time.UTC)); !got.Equal(time.Date(2025, 6, 1, 9, 45, 0, 0, time.UTC)) {
		t.Errorf("floor15m on boundary = %v", got)
	}
}
