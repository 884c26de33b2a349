/*
statemachine.go - ServiceRequest status transitions

STATES:
  pending   - waiting for the provider
  approved  - capacity reserved, booking attempted
  rejected  - provider said no, or approval rolled back (terminal)
  expired   - nobody answered before expires_at (terminal)
  cancelled - agent withdrew the request (terminal)

TRANSITIONS:
  ┌─────────┐ provider_approve  ┌──────────┐
  │ pending │ ────────────────▶ │ approved │
  └─────────┘                   └──────────┘
     │  │  │                         │
     │  │  │ provider_reject         │ booking_rollback
     │  │  └──────────▶ rejected ◀───┤ (or back to pending,
     │  │ expiration_sweep           │  per hold policy)
     │  └──────────────▶ expired     │
     │ agent_cancel                  │
     └─────────────────▶ cancelled   ▼

  Nothing leaves rejected, expired or cancelled. Approved only accepts the
  rollback trigger.
*/
package workflow

// Trigger names who or what asks for a transition.
type Trigger string

const (
	TriggerProviderApprove Trigger = "provider_approve"
	TriggerProviderReject  Trigger = "provider_reject"
	TriggerExpirationSweep Trigger = "expiration_sweep"
	TriggerAgentCancel     Trigger = "agent_cancel"
	TriggerBookingRollback Trigger = "booking_rollback"
)

type transition struct {
	from RequestStatus
	to   RequestStatus
}

var transitions = map[transition]Trigger{
	{StatusPending, StatusApproved}:  TriggerProviderApprove,
	{StatusPending, StatusRejected}:  TriggerProviderReject,
	{StatusPending, StatusExpired}:   TriggerExpirationSweep,
	{StatusPending, StatusCancelled}: TriggerAgentCancel,
	{StatusApproved, StatusRejected}: TriggerBookingRollback,
	{StatusApproved, StatusPending}:  TriggerBookingRollback,
}

// IsTerminal reports whether no transition may leave status.
func IsTerminal(status RequestStatus) bool {
	switch status {
	case StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransition checks a move against the transition table.
func CanTransition(from, to RequestStatus, trigger Trigger) error {
	allowed, ok := transitions[transition{from, to}]
	if !ok || allowed != trigger {
		return &TransitionError{From: from, To: to, Trigger: trigger}
	}
	return nil
}

// Transition applies a checked status change to req. It does not persist.
func Transition(req *ServiceRequest, to RequestStatus, trigger Trigger) error {
	if err := CanTransition(req.Status, to, trigger); err != nil {
		return err
	}
	req.Status = to
	return nil
}
