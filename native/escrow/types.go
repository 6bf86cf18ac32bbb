package escrow

import (
	"fmt"
	"regexp"
	"strings"

	"agentmarket/core/types"
	"agentmarket/native/party"
)

// Status represents the lifecycle states of a custodial escrow.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusDelivered
	StatusReleased
	StatusDisputed
	StatusResolved
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusDelivered:
		return "delivered"
	case StatusReleased:
		return "released"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return s <= StatusCancelled }

// Terminal reports whether the status ends the escrow's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled || s == StatusResolved
}

// ReleaseConditions gate when and by whom funds may leave custody. Zero
// values disable the corresponding condition.
type ReleaseConditions struct {
	// TimelockUntil blocks any release before this ledger time.
	TimelockUntil int64 `json:"timelockUntil,omitempty"`
	// AutoReleaseAt lets the beneficiary release without the depositor once
	// this ledger time has been reached.
	AutoReleaseAt int64 `json:"autoReleaseAt,omitempty"`
	// RequiredSignatures is forwarded to the ledger collaborator for
	// multi-signature enforcement; the engine does not count signatures.
	RequiredSignatures uint32 `json:"requiredSignatures,omitempty"`
}

// DeliveryRecord captures a beneficiary delivery submission.
type DeliveryRecord struct {
	Proof       string        `json:"proof"`
	SubmittedBy types.Address `json:"submittedBy"`
	SubmittedAt int64         `json:"submittedAt"`
}

// Split is one leg of a release distribution, in absolute token units.
type Split struct {
	To     types.Address `json:"to"`
	Role   party.Role    `json:"role"`
	Amount uint64        `json:"amount"`
}

// Escrow holds the metadata and runtime status of a single custodial
// agreement. The identifier is the keccak256 hash of the depositor, the
// beneficiary and a caller-supplied nonce.
type Escrow struct {
	ID          types.Hash        `json:"id"`
	Depositor   types.Address     `json:"depositor"`
	Beneficiary types.Address     `json:"beneficiary"`
	Arbitrator  types.Address     `json:"arbitrator,omitempty"`
	Token       string            `json:"token"`
	Amount      uint64            `json:"amount"`
	Conditions  ReleaseConditions `json:"conditions"`
	CreatedAt   int64             `json:"createdAt"`
	Deadline    int64             `json:"deadline"`
	Deliveries  []DeliveryRecord  `json:"deliveries,omitempty"`
	DisputeID   types.Hash        `json:"disputeId,omitempty"`
	Status      Status            `json:"status"`
	// Sequence is the ledger-assigned version used for conditional writes.
	Sequence uint64 `json:"sequence"`
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if len(e.Deliveries) > 0 {
		clone.Deliveries = append([]DeliveryRecord(nil), e.Deliveries...)
	}
	return &clone
}

// Roster maps the escrow parties onto the shared authorization table.
func (e *Escrow) Roster() party.Roster {
	return party.Roster{
		Depositor:   e.Depositor,
		Beneficiary: e.Beneficiary,
		Arbitrator:  e.Arbitrator,
	}
}

var tokenPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,7}$`)

// NormalizeToken canonicalises a payment token symbol: trimmed, uppercase,
// two to eight alphanumerics.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if !tokenPattern.MatchString(trimmed) {
		return "", fmt.Errorf("unsupported payment token: %q", symbol)
	}
	return trimmed, nil
}

// SanitizeEscrow validates and normalises the supplied escrow definition,
// returning a cloned instance with canonical token casing. The original
// value is never mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount == 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if clone.Deadline <= clone.CreatedAt {
		return nil, fmt.Errorf("escrow deadline must follow creation time")
	}
	if clone.Depositor.IsZero() || clone.Beneficiary.IsZero() {
		return nil, fmt.Errorf("escrow requires depositor and beneficiary")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	return clone, nil
}
