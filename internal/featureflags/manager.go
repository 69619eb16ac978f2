// Package featureflags evaluates rollout flags keyed by community.
package featureflags

import (
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// ReconcileSweep gates drift correction per community.
const ReconcileSweep = "reconcile_sweep"

// Manager evaluates feature flags defined in a simple key=value list.
// Example: "reconcile_sweep=25%,strict_policy=off"
type Manager struct {
	flags map[string]string
}

// NewManager creates a feature-flag manager from a comma-separated config string.
func NewManager(raw string) *Manager {
	out := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, value = normalize(key), normalize(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}

	return &Manager{flags: out}
}

// Enabled returns whether a flag is on for a community. Unknown flags are off.
// Supported values:
// - on/true/1
// - off/false/0
// - N% (deterministic rollout by community id, e.g. 25%)
func (m *Manager) Enabled(name string, communityID snowflake.ID) bool {
	return m.EnabledOr(name, communityID, false)
}

// EnabledOr is Enabled with an explicit result for flags that are not configured.
func (m *Manager) EnabledOr(name string, communityID snowflake.ID, fallback bool) bool {
	if m == nil {
		return fallback
	}

	value, ok := m.flags[normalize(name)]
	if !ok {
		return fallback
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	pctRaw, isPct := strings.CutSuffix(value, "%")
	if !isPct {
		return false
	}
	pct, err := strconv.Atoi(pctRaw)
	if err != nil || pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	if communityID == 0 {
		return false
	}
	return rolloutBucket(name, communityID) < pct
}

// Raw returns a copy of configured flags.
func (m *Manager) Raw() map[string]string {
	out := make(map[string]string, len(m.flags))
	for k, v := range m.flags {
		out[k] = v
	}
	return out
}

// Snapshot returns evaluated flag status for one community.
func (m *Manager) Snapshot(communityID snowflake.ID) map[string]bool {
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[name] = m.Enabled(name, communityID)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name string, communityID snowflake.ID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalize(name) + ":" + communityID.String()))
	return int(h.Sum32() % 100)
}
