package drill

import (
	"fmt"
	"sort"
	"strings"
)

// Profile names accepted by Lookup.
const (
	ProfileQuick    = "quick"
	ProfileStandard = "standard"
	ProfileBurst    = "burst"
	ProfileSoak     = "soak"
	ProfileM1       = "m1_1k"
	ProfileM2       = "m2_5k"
	ProfileM3       = "m3_20k"
)

// Profile shapes one drill run: how many requests, how fast they are
// released, and how many may be in flight at once.
type Profile struct {
	Name        string
	Requests    int
	RPS         float64
	Concurrency int
}

// burst sizes the limiter bucket: a tenth of a second of traffic, at
// least one token.
func (p Profile) burst() int {
	b := int(p.RPS / 10)
	if b < 1 {
		b = 1
	}
	return b
}

// profiles maps names to shapes. quick is a smoke check, standard the
// default gate load, burst releases the same volume much faster, soak
// holds low pressure long enough for leases and windows to cycle. The
// m-profiles are the milestone volumes the rollout is staged by.
var profiles = map[string]Profile{
	ProfileQuick:    {Name: ProfileQuick, Requests: 50, RPS: 25, Concurrency: 5},
	ProfileStandard: {Name: ProfileStandard, Requests: 500, RPS: 50, Concurrency: 20},
	ProfileBurst:    {Name: ProfileBurst, Requests: 300, RPS: 200, Concurrency: 60},
	ProfileSoak:     {Name: ProfileSoak, Requests: 3_000, RPS: 10, Concurrency: 10},
	ProfileM1:       {Name: ProfileM1, Requests: 1_000, RPS: 50, Concurrency: 25},
	ProfileM2:       {Name: ProfileM2, Requests: 5_000, RPS: 100, Concurrency: 50},
	ProfileM3:       {Name: ProfileM3, Requests: 20_000, RPS: 200, Concurrency: 100},
}

// Lookup resolves a profile by name.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, fmt.Errorf("unknown drill profile %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the known profile names, sorted.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
