/*
Package factory provides JSON to Go hold policy conversion.

PURPOSE:
  Converts JSON hold policy definitions into workflow.HoldPolicies. Operations
  can change hold times and the rollback behavior per provider type without
  code changes.

JSON SCHEMA:
  {
    "policies": [
      {
        "provider_type": "hotel",
        "hold_ttl": "72h",
        "response_window": "48h",
        "reminder_lookahead": "4h",
        "rollback_target": "rejected"
      }
    ]
  }

  Durations use Go duration syntax. A field left out keeps the default of
  workflow.DefaultHoldPolicy.

USAGE:
  f := factory.NewPolicyFactory()
  policies, err := f.LoadFile("./config/hold_policies.json")

SEE ALSO:
  - workflow/policy.go: HoldPolicy type definition
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/seferet/allocation-engine/workflow"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicySetJSON is the file layout.
type PolicySetJSON struct {
	Policies []HoldPolicyJSON `json:"policies"`
}

// HoldPolicyJSON is the JSON representation of one hold policy.
type HoldPolicyJSON struct {
	ProviderType      string `json:"provider_type"`
	HoldTTL           string `json:"hold_ttl,omitempty"`
	ResponseWindow    string `json:"response_window,omitempty"`
	ReminderLookahead string `json:"reminder_lookahead,omitempty"`
	RollbackTarget    string `json:"rollback_target,omitempty"` // rejected, pending
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// LoadFile reads a policy set from disk. An empty path yields no overrides.
func (f *PolicyFactory) LoadFile(path string) (workflow.HoldPolicies, error) {
	if path == "" {
		return workflow.HoldPolicies{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hold policies: %w", err)
	}
	return f.Parse(data)
}

// Parse converts a JSON policy set.
func (f *PolicyFactory) Parse(data []byte) (workflow.HoldPolicies, error) {
	var set PolicySetJSON
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("invalid hold policy JSON: %w", err)
	}

	out := make(workflow.HoldPolicies, len(set.Policies))
	for _, pj := range set.Policies {
		policy, err := f.FromJSON(pj)
		if err != nil {
			return nil, err
		}
		pt := workflow.ProviderType(pj.ProviderType)
		if _, dup := out[pt]; dup {
			return nil, fmt.Errorf("duplicate hold policy for provider type %q", pj.ProviderType)
		}
		out[pt] = policy
	}
	return out, nil
}

// FromJSON converts one policy, filling defaults.
func (f *PolicyFactory) FromJSON(pj HoldPolicyJSON) (workflow.HoldPolicy, error) {
	if !workflow.ProviderType(pj.ProviderType).Valid() {
		return workflow.HoldPolicy{}, fmt.Errorf("unknown provider type %q", pj.ProviderType)
	}

	policy := workflow.DefaultHoldPolicy
	var err error
	if policy.HoldTTL, err = parseDuration("hold_ttl", pj.HoldTTL, policy.HoldTTL); err != nil {
		return workflow.HoldPolicy{}, err
	}
	if policy.ResponseWindow, err = parseDuration("response_window", pj.ResponseWindow, policy.ResponseWindow); err != nil {
		return workflow.HoldPolicy{}, err
	}
	if policy.ReminderLookahead, err = parseDuration("reminder_lookahead", pj.ReminderLookahead, policy.ReminderLookahead); err != nil {
		return workflow.HoldPolicy{}, err
	}
	if policy.RollbackTarget, err = parseRollbackTarget(pj.RollbackTarget); err != nil {
		return workflow.HoldPolicy{}, err
	}
	return policy, nil
}

// ToJSON converts a policy back to its JSON form.
func (f *PolicyFactory) ToJSON(pt workflow.ProviderType, p workflow.HoldPolicy) HoldPolicyJSON {
	return HoldPolicyJSON{
		ProviderType:      string(pt),
		HoldTTL:           p.HoldTTL.String(),
		ResponseWindow:    p.ResponseWindow.String(),
		ReminderLookahead: p.ReminderLookahead.String(),
		RollbackTarget:    string(p.RollbackTarget),
	}
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, s)
	}
	return d, nil
}

func parseRollbackTarget(s string) (workflow.RequestStatus, error) {
	switch s {
	case "", string(workflow.StatusRejected):
		return workflow.StatusRejected, nil
	case string(workflow.StatusPending):
		return workflow.StatusPending, nil
	default:
		return "", fmt.Errorf("rollback_target must be rejected or pending, got %q", s)
	}
}
