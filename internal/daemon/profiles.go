package daemon

import (
	"errors"
	"sync"
)

// ErrUnknownProfile is returned when selecting a profile name that does not exist.
var ErrUnknownProfile = errors.New("unknown profile")

// Profile groups the port watch list and alert thresholds under a name.
// RequiredPorts is semantically a subset of WatchPorts but not enforced.
type Profile struct {
	Name            string
	WatchPorts      []int
	RequiredPorts   []int
	AlertCPUPercent float64
	AlertRAMPercent float64
}

// builtinProfiles returns the built-in profile set. The "default" profile
// takes its ports and thresholds from config so it can be tuned without code
// changes; the others are fixed.
func builtinProfiles(cfg *ProfileConfig) []Profile {
	return []Profile{
		{
			Name:            "default",
			WatchPorts:      append([]int(nil), cfg.WatchPorts...),
			RequiredPorts:   append([]int(nil), cfg.RequiredPorts...),
			AlertCPUPercent: cfg.AlertCPUPercent,
			AlertRAMPercent: cfg.AlertRAMPercent,
		},
		{
			Name:            "frontend-dev",
			WatchPorts:      []int{3000, 5173, 8000},
			RequiredPorts:   []int{5173},
			AlertCPUPercent: 90,
			AlertRAMPercent: 92,
		},
		{
			Name:            "microservices",
			WatchPorts:      []int{8000, 8001, 8002, 1433, 5432, 5672, 6379, 15672},
			RequiredPorts:   []int{8000, 1433, 5672},
			AlertCPUPercent: 85,
			AlertRAMPercent: 90,
		},
	}
}

// ProfileState tracks the active profile. Shared between the scheduler (reads
// each tick) and the API (select), so access goes through a mutex.
type ProfileState struct {
	mu       sync.Mutex
	profiles []Profile
	active   int
}

// NewProfileState builds the built-in profiles and activates cfg.Active,
// falling back to "default" if the configured name is unknown.
func NewProfileState(cfg *ProfileConfig) *ProfileState {
	ps := &ProfileState{profiles: builtinProfiles(cfg)}
	for i, p := range ps.profiles {
		if p.Name == cfg.Active {
			ps.active = i
			break
		}
	}
	return ps
}

// Active returns a copy of the currently active profile.
func (ps *ProfileState) Active() Profile {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.profiles[ps.active]
}

// List returns all profiles in declaration order.
func (ps *ProfileState) List() []Profile {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]Profile, len(ps.profiles))
	copy(out, ps.profiles)
	return out
}

// Select activates the named profile and returns it. State is unchanged on
// ErrUnknownProfile.
func (ps *ProfileState) Select(name string) (Profile, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, p := range ps.profiles {
		if p.Name == name {
			ps.active = i
			return p, nil
		}
	}
	return Profile{}, ErrUnknownProfile
}
