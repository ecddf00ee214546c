package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/models"
)

// DefaultMaxMinutes bounds an agent run when the policy does not say.
const DefaultMaxMinutes = 30

// Policy is the per-project command execution policy. An empty
// AllowedCommands list means the built-in default allow-list applies.
type Policy struct {
	AllowedCommands []string
	ForbiddenPaths  []string
	AllowNetwork    bool
	MaxMinutes      int
}

// PolicyFromConfig builds a Policy from the YAML project policy block.
func PolicyFromConfig(pc config.PolicyConfig) Policy {
	return Policy{
		AllowedCommands: pc.AllowedCommands,
		ForbiddenPaths:  pc.ForbiddenPaths,
		AllowNetwork:    pc.AllowNetwork,
		MaxMinutes:      pc.MaxMinutes,
	}
}

// PolicyFromProject builds a Policy from a stored project row, decoding its
// JSON list columns.
func PolicyFromProject(p *models.Project) (Policy, error) {
	pol := Policy{
		AllowNetwork: p.AllowNetwork,
		MaxMinutes:   p.MaxMinutes,
	}

	if p.AllowedCommands != "" && p.AllowedCommands != "null" {
		if err := json.Unmarshal([]byte(p.AllowedCommands), &pol.AllowedCommands); err != nil {
			return Policy{}, fmt.Errorf("guard: parse allowed commands for %s: %w", p.ID, err)
		}
	}
	if p.ForbiddenPaths != "" && p.ForbiddenPaths != "null" {
		if err := json.Unmarshal([]byte(p.ForbiddenPaths), &pol.ForbiddenPaths); err != nil {
			return Policy{}, fmt.Errorf("guard: parse forbidden paths for %s: %w", p.ID, err)
		}
	}
	return pol, nil
}

// Timeout returns the policy's agent run limit as a duration.
func (p Policy) Timeout() time.Duration {
	if p.MaxMinutes <= 0 {
		return DefaultMaxMinutes * time.Minute
	}
	return time.Duration(p.MaxMinutes) * time.Minute
}

// Fingerprint returns a stable hash of the policy's decision-relevant
// fields. Cached verdicts are keyed on it so a policy edit invalidates
// every verdict computed under the old policy.
func (p Policy) Fingerprint() string {
	allowed := append([]string(nil), p.AllowedCommands...)
	forbidden := append([]string(nil), p.ForbiddenPaths...)
	sort.Strings(allowed)
	sort.Strings(forbidden)

	h := sha256.New()
	for _, s := range allowed {
		fmt.Fprintf(h, "a:%s\n", s)
	}
	for _, s := range forbidden {
		fmt.Fprintf(h, "f:%s\n", s)
	}
	fmt.Fprintf(h, "net:%t", p.AllowNetwork)
	return hex.EncodeToString(h.Sum(nil))
}
