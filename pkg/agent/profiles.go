package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ProfilePool tracks auth profile health across every handle built by a
// factory. A failing profile cools down for one minute per consecutive
// failure.
type ProfilePool struct {
	mu       sync.Mutex
	profiles []AuthProfile
	cooldown time.Duration
	now      func() time.Time
}

// NewProfilePool validates profiles.
func NewProfilePool(profiles []AuthProfile) (*ProfilePool, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	seen := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("auth profile %d: id is required", i)
		}
		if p.Provider == "" {
			return nil, fmt.Errorf("auth profile %s: provider is required", p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate auth profile id: %s", p.ID)
		}
		seen[p.ID] = true
	}

	cp := make([]AuthProfile, len(profiles))
	copy(cp, profiles)
	return &ProfilePool{profiles: cp, cooldown: time.Minute, now: time.Now}, nil
}

// Available returns the profiles not cooling down, by ascending priority.
func (p *ProfilePool) Available() []AuthProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UnixMilli()
	out := make([]AuthProfile, 0, len(p.profiles))
	for _, profile := range p.profiles {
		if profile.CooldownUntil != nil && now < *profile.CooldownUntil {
			continue
		}
		out = append(out, profile)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// MarkSuccess clears the failure state of a profile.
func (p *ProfilePool) MarkSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.profiles {
		if p.profiles[i].ID == id {
			p.profiles[i].FailureCount = 0
			p.profiles[i].CooldownUntil = nil
			return
		}
	}
}

// MarkFailure puts a profile into cooldown.
func (p *ProfilePool) MarkFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.profiles {
		if p.profiles[i].ID == id {
			p.profiles[i].FailureCount++
			until := p.now().Add(p.cooldown * time.Duration(p.profiles[i].FailureCount)).UnixMilli()
			p.profiles[i].CooldownUntil = &until
			return
		}
	}
}
