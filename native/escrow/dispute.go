package escrow

import (
	"fmt"
	"strings"

	"agentmarket/core/types"
)

// DisputeType classifies the grievance and selects the resolution timeline.
type DisputeType uint8

const (
	DisputeQualityIssue DisputeType = iota + 1
	DisputePaymentDispute
	DisputeScopeDisagreement
	DisputeCommunicationIssue
)

func (t DisputeType) String() string {
	switch t {
	case DisputeQualityIssue:
		return "quality_issue"
	case DisputePaymentDispute:
		return "payment_dispute"
	case DisputeScopeDisagreement:
		return "scope_disagreement"
	case DisputeCommunicationIssue:
		return "communication_issue"
	default:
		return fmt.Sprintf("dispute_type(%d)", uint8(t))
	}
}

// ParseDisputeType maps the wire form onto the enum.
func ParseDisputeType(s string) (DisputeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quality_issue":
		return DisputeQualityIssue, nil
	case "payment_dispute":
		return DisputePaymentDispute, nil
	case "scope_disagreement":
		return DisputeScopeDisagreement, nil
	case "communication_issue":
		return DisputeCommunicationIssue, nil
	default:
		return 0, fmt.Errorf("unknown dispute type %q", s)
	}
}

// DisputeStatus tracks where the dispute sits in its timeline.
type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeInvestigating
	DisputeMediation
	DisputeResolved
	DisputeClosed
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeInvestigating:
		return "investigating"
	case DisputeMediation:
		return "mediation"
	case DisputeResolved:
		return "resolved"
	case DisputeClosed:
		return "closed"
	default:
		return fmt.Sprintf("dispute_status(%d)", uint8(s))
	}
}

const daySecs int64 = 24 * 60 * 60

// timeline returns the phase sequence and the estimated duration for a
// dispute type.
func timeline(t DisputeType) ([]string, int64) {
	switch t {
	case DisputeQualityIssue:
		return []string{"evidence_review", "quality_assessment", "resolution"}, 7 * daySecs
	case DisputePaymentDispute:
		return []string{"evidence_review", "payment_verification", "resolution"}, 5 * daySecs
	case DisputeScopeDisagreement:
		return []string{"evidence_review", "scope_review", "mediation", "resolution"}, 10 * daySecs
	case DisputeCommunicationIssue:
		return []string{"evidence_review", "mediation", "resolution"}, 3 * daySecs
	default:
		return []string{"evidence_review", "resolution"}, 7 * daySecs
	}
}

// Dispute is the grievance entity attached to a disputed escrow. Phase
// advancement is always an explicit arbitrator transition; the engine never
// advances a dispute as a side effect of reading it.
type Dispute struct {
	ID           types.Hash    `json:"id"`
	EscrowID     types.Hash    `json:"escrowId"`
	Type         DisputeType   `json:"type"`
	Evidence     []string      `json:"evidence,omitempty"`
	Phases       []string      `json:"phases"`
	CurrentPhase int           `json:"currentPhase"`
	OpenedAt     int64         `json:"openedAt"`
	// EstimatedClose is the advisory end of the resolution window derived
	// from the dispute type.
	EstimatedClose int64         `json:"estimatedClose"`
	Status         DisputeStatus `json:"status"`
	Resolution     string        `json:"resolution,omitempty"`
	Sequence       uint64        `json:"sequence"`
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if len(d.Evidence) > 0 {
		clone.Evidence = append([]string(nil), d.Evidence...)
	}
	if len(d.Phases) > 0 {
		clone.Phases = append([]string(nil), d.Phases...)
	}
	return &clone
}

// Phase returns the name of the current phase.
func (d *Dispute) Phase() string {
	if d == nil || d.CurrentPhase < 0 || d.CurrentPhase >= len(d.Phases) {
		return ""
	}
	return d.Phases[d.CurrentPhase]
}
