package settlement

import (
	"math/bits"

	"agentmarket/core/errors"
	"agentmarket/core/types"
	"agentmarket/native/auction"
	"agentmarket/native/common"
	"agentmarket/native/escrow"
	"agentmarket/native/party"
)

const moduleName = "settlement"

// TotalBps is the exact sum the sharing rule percentages must reach.
const TotalBps = 10_000

// SharingRules describes how settled revenue splits between the agent, the
// platform and an optional referrer. Percentages are basis points and must
// sum to exactly TotalBps.
type SharingRules struct {
	AgentBps    uint32        `json:"agentBps"`
	PlatformBps uint32        `json:"platformBps"`
	ReferralBps uint32        `json:"referralBps,omitempty"`
	Agent       types.Address `json:"agent"`
	Platform    types.Address `json:"platform"`
	Referrer    types.Address `json:"referrer,omitempty"`
}

// Validate checks the rule set before any amounts are computed. The sum is
// taken in 64 bits so oversized shares cannot wrap back to TotalBps.
func (r SharingRules) Validate() error {
	sum := uint64(r.AgentBps) + uint64(r.PlatformBps) + uint64(r.ReferralBps)
	if sum != TotalBps {
		return errors.Validationf(moduleName, "shares sum to %d bps, want %d", sum, TotalBps)
	}
	if r.Agent.IsZero() || r.Platform.IsZero() {
		return errors.Validationf(moduleName, "agent and platform addresses required")
	}
	if r.ReferralBps > 0 && r.Referrer.IsZero() {
		return errors.Validationf(moduleName, "referral share configured without a referrer")
	}
	return nil
}

// bpsShare computes floor(total * bps / TotalBps) without intermediate
// overflow.
func bpsShare(total uint64, bps uint32) uint64 {
	hi, lo := bits.Mul64(total, uint64(bps))
	share, _ := bits.Div64(hi, lo, TotalBps)
	return share
}

// ComputeDistribution splits total into integer-exact legs. Agent and
// referral legs are floored; the rounding remainder lands on the platform so
// the legs always sum to total. Zero-valued legs are omitted.
func ComputeDistribution(total uint64, rules SharingRules) ([]escrow.Split, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, errors.Validationf(moduleName, "nothing to distribute")
	}
	agentShare := bpsShare(total, rules.AgentBps)
	var referralBonus uint64
	if rules.ReferralBps > 0 {
		referralBonus = bpsShare(total, rules.ReferralBps)
	}
	platformFee := total - agentShare - referralBonus

	distribution := make([]escrow.Split, 0, 3)
	if agentShare > 0 {
		distribution = append(distribution, escrow.Split{To: rules.Agent, Role: party.RoleBeneficiary, Amount: agentShare})
	}
	if platformFee > 0 {
		distribution = append(distribution, escrow.Split{To: rules.Platform, Role: party.RolePlatform, Amount: platformFee})
	}
	if referralBonus > 0 {
		distribution = append(distribution, escrow.Split{To: rules.Referrer, Role: party.RoleReferrer, Amount: referralBonus})
	}
	return distribution, nil
}

// Outcome reports a completed settlement.
type Outcome struct {
	Distribution []escrow.Split              `json:"distribution"`
	Instructions []types.TransferInstruction `json:"instructions"`
	TotalPayout  uint64                      `json:"totalPayout"`
}

// Coordinator drives escrow releases from auction outcomes and completed
// work orders. It owns no state of its own; both engines keep theirs.
type Coordinator struct {
	escrows  *escrow.Engine
	auctions *auction.Engine
}

// NewCoordinator wires the coordinator to its engines.
func NewCoordinator(escrows *escrow.Engine, auctions *auction.Engine) *Coordinator {
	return &Coordinator{escrows: escrows, auctions: auctions}
}

// SettleWorkOrder releases a delivered escrow using the sharing rules.
func (c *Coordinator) SettleWorkOrder(escrowID types.Hash, signer types.Address, rules SharingRules) (*Outcome, error) {
	if c == nil || c.escrows == nil {
		return nil, errors.Statef(moduleName, "escrow engine not configured")
	}
	esc, err := c.escrows.Get(escrowID)
	if err != nil {
		return nil, err
	}
	distribution, err := ComputeDistribution(esc.Amount, rules)
	if err != nil {
		return nil, err
	}
	instructions, err := c.escrows.Release(escrowID, signer, distribution)
	if err != nil {
		return nil, err
	}
	return &Outcome{Distribution: distribution, Instructions: instructions, TotalPayout: esc.Amount}, nil
}

// SettleAuction releases the escrow holding an ended listing's proceeds and
// marks the listing settled. The escrow amount must match the winning bids
// exactly.
func (c *Coordinator) SettleAuction(auctionID, escrowID types.Hash, signer types.Address, rules SharingRules) (*Outcome, error) {
	if c == nil || c.escrows == nil || c.auctions == nil {
		return nil, errors.Statef(moduleName, "engines not configured")
	}
	a, err := c.auctions.GetAuction(auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status != auction.StatusEnded {
		return nil, errors.Statef(moduleName, "cannot settle auction in status %s", a.Status).
			WithEntity(auctionID.Hex()).
			WithStates(auction.StatusEnded.String(), a.Status.String())
	}
	if len(a.Winners) == 0 {
		return nil, errors.Statef(moduleName, "auction ended with no sale").WithEntity(auctionID.Hex())
	}
	var total uint64
	for _, w := range a.Winners {
		next, ok := common.SafeAdd(total, w.Amount)
		if !ok {
			return nil, errors.Arithmeticf(moduleName, "winning bids overflow").WithEntity(auctionID.Hex())
		}
		total = next
	}
	esc, err := c.escrows.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Amount != total {
		return nil, errors.Validationf(moduleName, "escrow amount %d does not match auction proceeds %d", esc.Amount, total).WithEntity(escrowID.Hex())
	}
	distribution, err := ComputeDistribution(total, rules)
	if err != nil {
		return nil, err
	}
	instructions, err := c.escrows.Release(escrowID, signer, distribution)
	if err != nil {
		return nil, err
	}
	if err := c.auctions.MarkSettled(auctionID); err != nil {
		return nil, err
	}
	return &Outcome{Distribution: distribution, Instructions: instructions, TotalPayout: total}, nil
}
