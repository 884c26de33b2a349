package workflow

import "time"

// =============================================================================
// HOLD POLICY - timing rules per provider type
// =============================================================================

// HoldPolicy controls how long things wait. Loaded from JSON by the factory package.
type HoldPolicy struct {
	// HoldTTL is how long an allocation stays active after approval.
	HoldTTL time.Duration

	// ResponseWindow is the default time a provider has to answer.
	ResponseWindow time.Duration

	// ReminderLookahead: pending requests expiring within this window get a reminder.
	ReminderLookahead time.Duration

	// RollbackTarget is the status an approval falls back to when the booking
	// cannot be created for lack of capacity: StatusRejected or StatusPending.
	RollbackTarget RequestStatus
}

var DefaultHoldPolicy = HoldPolicy{
	HoldTTL:           72 * time.Hour,
	ResponseWindow:    48 * time.Hour,
	ReminderLookahead: 4 * time.Hour,
	RollbackTarget:    StatusRejected,
}

// HoldPolicies maps provider types to their policy.
type HoldPolicies map[ProviderType]HoldPolicy

// For returns the policy of pt, falling back to DefaultHoldPolicy.
func (p HoldPolicies) For(pt ProviderType) HoldPolicy {
	if hp, ok := p[pt]; ok {
		return hp
	}
	return DefaultHoldPolicy
}

// MaxReminderLookahead is the widest reminder window across policies.
func (p HoldPolicies) MaxReminderLookahead() time.Duration {
	max := DefaultHoldPolicy.ReminderLookahead
	for _, hp := range p {
		if hp.ReminderLookahead > max {
			max = hp.ReminderLookahead
		}
	}
	return max
}
