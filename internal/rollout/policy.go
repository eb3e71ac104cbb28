package rollout

import (
	"strings"

	api "github.com/fleetyard/fleetyard/api/v1alpha1"
	"github.com/gobwas/glob"
	"github.com/samber/lo"
)

// MatchPolicy selects the enabled policy whose image pattern matches ref
// (an "image:tag" without the registry host). When several patterns match,
// the one with the longest literal prefix wins; a full-length literal match
// therefore always beats a glob. Returns nil when nothing matches.
func MatchPolicy(policies []api.UpdatePolicy, ref string) *api.UpdatePolicy {
	var best *api.UpdatePolicy
	bestPrefix := -1
	for i := range policies {
		p := &policies[i]
		if !p.Enabled {
			continue
		}
		g, err := glob.Compile(p.ImagePattern)
		if err != nil {
			continue
		}
		if !g.Match(ref) {
			continue
		}
		if prefix := literalPrefixLen(p.ImagePattern); prefix > bestPrefix {
			best = p
			bestPrefix = prefix
		}
	}
	return best
}

// literalPrefixLen returns the length of the pattern up to its first glob
// metacharacter.
func literalPrefixLen(pattern string) int {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return i
	}
	return len(pattern)
}

// Targets applies the policy's device filters. A policy with no filters
// targets every affected device.
func Targets(policy *api.UpdatePolicy, device *api.Device) bool {
	if policy == nil {
		return true
	}
	if policy.FleetId != "" && device.Fleet != policy.FleetId {
		return false
	}
	if len(policy.DeviceUuids) > 0 && !lo.Contains(policy.DeviceUuids, device.Uuid) {
		return false
	}
	if len(policy.DeviceTags) > 0 {
		if len(lo.Intersect(policy.DeviceTags, device.Tags)) == 0 {
			return false
		}
	}
	return true
}
