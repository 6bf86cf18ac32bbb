package escrow

import (
	"strconv"

	"agentmarket/core/types"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowFunded    = "escrow.funded"
	EventTypeEscrowDelivered = "escrow.delivered"
	EventTypeEscrowReleased  = "escrow.released"
	EventTypeEscrowCancelled = "escrow.cancelled"
	EventTypeEscrowDisputed  = "escrow.disputed"
	EventTypeEscrowResolved  = "escrow.resolved"
	EventTypeDisputePhase    = "escrow.dispute.phase"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewFundedEvent returns the payload emitted when the depositor funds the
// escrow.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

// NewDeliveredEvent returns the payload emitted when the beneficiary submits
// a deliverable.
func NewDeliveredEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDelivered, e) }

// NewReleasedEvent returns the payload for a release of escrowed funds.
func NewReleasedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowReleased, e) }

// NewCancelledEvent returns the payload for a cancelled or expired escrow.
func NewCancelledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

// NewDisputedEvent returns the payload emitted when an escrow enters
// dispute, carrying the dispute id and timeline.
func NewDisputedEvent(e *Escrow, d *Dispute) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e)
	if d != nil {
		evt.Attributes["disputeId"] = d.ID.Hex()
		evt.Attributes["disputeType"] = d.Type.String()
		evt.Attributes["estimatedClose"] = strconv.FormatInt(d.EstimatedClose, 10)
	}
	return evt
}

// NewResolvedEvent returns the payload emitted when a dispute is resolved.
func NewResolvedEvent(e *Escrow, outcome string) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, e)
	evt.Attributes["outcome"] = outcome
	return evt
}

// NewDisputePhaseEvent returns the payload emitted when a dispute advances
// to its next phase.
func NewDisputePhaseEvent(d *Dispute) *types.Event {
	attrs := make(map[string]string)
	if d != nil {
		attrs["id"] = d.ID.Hex()
		attrs["escrowId"] = d.EscrowID.Hex()
		attrs["phase"] = d.Phase()
		attrs["status"] = d.Status.String()
	}
	return &types.Event{Type: EventTypeDisputePhase, Attributes: attrs}
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = e.ID.Hex()
	attrs["depositor"] = e.Depositor.Hex()
	attrs["beneficiary"] = e.Beneficiary.Hex()
	attrs["token"] = e.Token
	attrs["amount"] = strconv.FormatUint(e.Amount, 10)
	attrs["status"] = e.Status.String()
	attrs["deadline"] = strconv.FormatInt(e.Deadline, 10)
	if !e.Arbitrator.IsZero() {
		attrs["arbitrator"] = e.Arbitrator.Hex()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
