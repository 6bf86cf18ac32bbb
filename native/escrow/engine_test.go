package escrow

import (
	"bytes"
	"testing"

	"agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/core/types"
	"agentmarket/native/party"
)

type mockState struct {
	escrows  map[types.Hash]*Escrow
	disputes map[types.Hash]*Dispute
	vaults   map[string]types.Address
}

func newMockState() *mockState {
	return &mockState{
		escrows:  make(map[types.Hash]*Escrow),
		disputes: make(map[types.Hash]*Dispute),
		vaults:   map[string]types.Address{"USDM": testAddr(0xAA)},
	}
}

func testAddr(fill byte) types.Address {
	var addr types.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, len(addr)))
	return addr
}

func (m *mockState) EscrowPut(esc *Escrow, expectedSeq uint64) error {
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	if existing, ok := m.escrows[sanitized.ID]; ok {
		if existing.Sequence != expectedSeq {
			return errors.Statef("state", "stale sequence").WithEntity(sanitized.ID.Hex())
		}
	} else if expectedSeq != 0 {
		return errors.Statef("state", "unknown entity").WithEntity(sanitized.ID.Hex())
	}
	sanitized.Sequence = expectedSeq + 1
	m.escrows[sanitized.ID] = sanitized
	esc.Sequence = sanitized.Sequence
	return nil
}

func (m *mockState) EscrowGet(id types.Hash) (*Escrow, bool) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockState) DisputePut(d *Dispute, expectedSeq uint64) error {
	if existing, ok := m.disputes[d.ID]; ok && existing.Sequence != expectedSeq {
		return errors.Statef("state", "stale sequence").WithEntity(d.ID.Hex())
	}
	clone := d.Clone()
	clone.Sequence = expectedSeq + 1
	m.disputes[clone.ID] = clone
	d.Sequence = clone.Sequence
	return nil
}

func (m *mockState) DisputeGet(id types.Hash) (*Dispute, bool) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (m *mockState) VaultAddress(token string) (types.Address, error) {
	addr, ok := m.vaults[token]
	if !ok {
		return types.Address{}, errors.Validationf("state", "no vault for token %s", token)
	}
	return addr, nil
}

type recordingMover struct {
	transfers []types.TransferInstruction
}

func (r *recordingMover) Transfer(from, to types.Address, token string, amount uint64, memo string) error {
	r.transfers = append(r.transfers, types.TransferInstruction{From: from, To: to, Token: token, Amount: amount, Memo: memo})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *recordingMover, *events.Recorder) {
	t.Helper()
	state := newMockState()
	mover := &recordingMover{}
	recorder := &events.Recorder{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetTokenMover(mover)
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() (int64, error) { return 1_000, nil })
	return engine, state, mover, recorder
}

const (
	dayl       = int64(24 * 60 * 60)
	unitAmount = uint64(1_000_000_000)
)

var (
	depositor   = testAddr(0x01)
	beneficiary = testAddr(0x02)
	arbitrator  = testAddr(0x03)
	platform    = testAddr(0x04)
)

func createFundedEscrow(t *testing.T, engine *Engine) *Escrow {
	t.Helper()
	arb := arbitrator
	esc, err := engine.Create(depositor, beneficiary, "USDM", unitAmount, 1_000+dayl, ReleaseConditions{}, &arb, types.Hash{0x01})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Fund(esc.ID, depositor); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return esc
}

func TestBasicEscrowLifecycle(t *testing.T) {
	engine, state, mover, recorder := newTestEngine(t)
	esc := createFundedEscrow(t, engine)

	if err := engine.SubmitDelivery(esc.ID, beneficiary, "ipfs://deliverable"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	distribution := []Split{
		{To: beneficiary, Role: party.RoleBeneficiary, Amount: 950_000_000},
		{To: platform, Role: party.RoleBeneficiary, Amount: 50_000_000},
	}
	instructions, err := engine.Release(esc.ID, depositor, distribution)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(instructions) != 2 {
		t.Fatalf("expected 2 transfer instructions, got %d", len(instructions))
	}
	var total uint64
	for _, ins := range instructions {
		total += ins.Amount
	}
	if total != unitAmount {
		t.Fatalf("distribution sum %d != escrow amount %d", total, unitAmount)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
	// fund + two release legs
	if len(mover.transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(mover.transfers))
	}
	wantEvents := []string{EventTypeEscrowCreated, EventTypeEscrowFunded, EventTypeEscrowDelivered, EventTypeEscrowReleased}
	got := recorder.Types()
	if len(got) != len(wantEvents) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range wantEvents {
		if got[i] != wantEvents[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], wantEvents[i])
		}
	}
}

func TestReleaseAtMostOnce(t *testing.T) {
	engine, _, mover, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	distribution := []Split{{To: beneficiary, Role: party.RoleBeneficiary, Amount: unitAmount}}
	if _, err := engine.Release(esc.ID, depositor, distribution); err != nil {
		t.Fatalf("first release: %v", err)
	}
	paid := len(mover.transfers)
	_, err := engine.Release(esc.ID, depositor, distribution)
	if !errors.Is(err, errors.ErrState) {
		t.Fatalf("second release: expected state error, got %v", err)
	}
	if len(mover.transfers) != paid {
		t.Fatalf("double release moved funds")
	}
}

func TestCreateValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.Create(depositor, beneficiary, "USDM", 0, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x02}); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("zero amount: expected validation error, got %v", err)
	}
	if _, err := engine.Create(depositor, beneficiary, "USDM", 1, 999, ReleaseConditions{}, nil, types.Hash{0x03}); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("past deadline: expected validation error, got %v", err)
	}
	if _, err := engine.Create(depositor, depositor, "USDM", 1, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x04}); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("same parties: expected validation error, got %v", err)
	}
}

func TestCreateIdempotent(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	first, err := engine.Create(depositor, beneficiary, "USDM", unitAmount, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x05})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := engine.Create(depositor, beneficiary, "USDM", unitAmount, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x05})
	if err != nil {
		t.Fatalf("identical re-create: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("re-create changed id")
	}
	if _, err := engine.Create(depositor, beneficiary, "USDM", unitAmount+1, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x05}); !errors.Is(err, errors.ErrState) {
		t.Fatalf("conflicting re-create: expected state error, got %v", err)
	}
}

func TestFundAuthorization(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc, err := engine.Create(depositor, beneficiary, "USDM", unitAmount, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x06})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Fund(esc.ID, beneficiary); !errors.Is(err, errors.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if err := engine.Fund(esc.ID, depositor); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.Fund(esc.ID, depositor); !errors.Is(err, errors.ErrState) {
		t.Fatalf("double fund: expected state error, got %v", err)
	}
}

func TestDeliveryRequiresFundedAndBeneficiary(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc, err := engine.Create(depositor, beneficiary, "USDM", unitAmount, 1_000+dayl, ReleaseConditions{}, nil, types.Hash{0x07})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "proof"); !errors.Is(err, errors.ErrState) {
		t.Fatalf("deliver unfunded: expected state error, got %v", err)
	}
	if err := engine.Fund(esc.ID, depositor); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.SubmitDelivery(esc.ID, depositor, "proof"); !errors.Is(err, errors.ErrAuthorization) {
		t.Fatalf("deliver by depositor: expected authorization error, got %v", err)
	}
}

func TestDeliveryAfterDeadlineTimesOut(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	engine.SetNowFunc(func() (int64, error) { return 1_000 + 2*dayl, nil })
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "late"); !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCancelRefundsDepositor(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	instructions, err := engine.Cancel(esc.ID, depositor)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(instructions) != 1 || instructions[0].To != depositor || instructions[0].Amount != unitAmount {
		t.Fatalf("unexpected refund %+v", instructions)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
	if _, err := engine.Cancel(esc.ID, depositor); !errors.Is(err, errors.ErrState) {
		t.Fatalf("double cancel: expected state error, got %v", err)
	}
}

func TestCancelAfterDeliveryRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := engine.Cancel(esc.ID, depositor); !errors.Is(err, errors.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestExpireRefundsFundedEscrow(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if _, err := engine.Expire(esc.ID, 1_000); !errors.Is(err, errors.ErrState) {
		t.Fatalf("early expire: expected state error, got %v", err)
	}
	instructions, err := engine.Expire(esc.ID, 1_000+2*dayl)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(instructions) != 1 || instructions[0].To != depositor {
		t.Fatalf("unexpected refund %+v", instructions)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	dispute, err := engine.RaiseDispute(esc.ID, depositor, DisputeQualityIssue, "wrong output format")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	wantPhases := []string{"evidence_review", "quality_assessment", "resolution"}
	if len(dispute.Phases) != len(wantPhases) {
		t.Fatalf("unexpected phases %v", dispute.Phases)
	}
	for i := range wantPhases {
		if dispute.Phases[i] != wantPhases[i] {
			t.Fatalf("phase %d = %s, want %s", i, dispute.Phases[i], wantPhases[i])
		}
	}
	if dispute.EstimatedClose != 1_000+7*dayl {
		t.Fatalf("unexpected estimated close %d", dispute.EstimatedClose)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", stored.Status)
	}

	if _, err := engine.AdvanceDisputePhase(esc.ID, depositor); !errors.Is(err, errors.ErrAuthorization) {
		t.Fatalf("phase advance by depositor: expected authorization error, got %v", err)
	}
	advanced, err := engine.AdvanceDisputePhase(esc.ID, arbitrator)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if advanced.Phase() != "quality_assessment" || advanced.Status != DisputeInvestigating {
		t.Fatalf("unexpected dispute %+v", advanced)
	}

	if err := engine.SubmitEvidence(esc.ID, beneficiary, "delivery log"); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}
	d, _ := state.DisputeGet(dispute.ID)
	if len(d.Evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d", len(d.Evidence))
	}
}

func TestResolveDisputeSplit(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if _, err := engine.RaiseDispute(esc.ID, beneficiary, DisputeScopeDisagreement, "scope creep"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	res := Resolution{
		Outcome: OutcomeSplit,
		Distribution: []Split{
			{To: beneficiary, Role: party.RoleBeneficiary, Amount: 600_000_000},
			{To: depositor, Role: party.RoleDepositor, Amount: 400_000_000},
		},
	}
	if _, err := engine.ResolveDispute(esc.ID, depositor, res); !errors.Is(err, errors.ErrAuthorization) {
		t.Fatalf("resolve by depositor: expected authorization error, got %v", err)
	}
	instructions, err := engine.ResolveDispute(esc.ID, arbitrator, res)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(instructions) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(instructions))
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
	d, _ := state.DisputeGet(stored.DisputeID)
	if d.Status != DisputeResolved {
		t.Fatalf("expected resolved dispute, got %s", d.Status)
	}
}

func TestResolveDisputeRefund(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if _, err := engine.RaiseDispute(esc.ID, depositor, DisputePaymentDispute, "no response"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	instructions, err := engine.ResolveDispute(esc.ID, arbitrator, Resolution{Outcome: OutcomeRefundDepositor})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(instructions) != 1 || instructions[0].To != depositor || instructions[0].Amount != unitAmount {
		t.Fatalf("unexpected refund %+v", instructions)
	}
	stored, _ := state.EscrowGet(esc.ID)
	if stored.Status != StatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
}

func TestReleaseAfterRefundResolutionRejected(t *testing.T) {
	engine, _, mover, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if _, err := engine.RaiseDispute(esc.ID, depositor, DisputePaymentDispute, "no response"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if _, err := engine.ResolveDispute(esc.ID, arbitrator, Resolution{Outcome: OutcomeRefundDepositor}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	paid := len(mover.transfers)
	distribution := []Split{{To: beneficiary, Role: party.RoleBeneficiary, Amount: unitAmount}}
	if _, err := engine.Release(esc.ID, depositor, distribution); !errors.Is(err, errors.ErrState) {
		t.Fatalf("depositor release after refund: expected state error, got %v", err)
	}
	if _, err := engine.Release(esc.ID, arbitrator, distribution); !errors.Is(err, errors.ErrState) {
		t.Fatalf("arbitrator release after refund: expected state error, got %v", err)
	}
	if len(mover.transfers) != paid {
		t.Fatalf("vault paid out again after the refund")
	}
}

func TestLedgerClockFailureSurfaces(t *testing.T) {
	engine, _, mover, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	engine.SetNowFunc(func() (int64, error) { return 0, errors.New("rpc: connection refused") })
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "proof"); !errors.Is(err, errors.ErrLedger) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if len(mover.transfers) != 1 {
		t.Fatalf("clock failure moved funds")
	}
}

func TestBeneficiaryAutoRelease(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	arb := arbitrator
	esc, err := engine.Create(depositor, beneficiary, "USDM", unitAmount, 1_000+dayl,
		ReleaseConditions{AutoReleaseAt: 1_500}, &arb, types.Hash{0x08})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Fund(esc.ID, depositor); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	distribution := []Split{{To: beneficiary, Role: party.RoleBeneficiary, Amount: unitAmount}}
	if _, err := engine.Release(esc.ID, beneficiary, distribution); !errors.Is(err, errors.ErrAuthorization) {
		t.Fatalf("early beneficiary release: expected authorization error, got %v", err)
	}
	engine.SetNowFunc(func() (int64, error) { return 1_600, nil })
	if _, err := engine.Release(esc.ID, beneficiary, distribution); err != nil {
		t.Fatalf("auto release: %v", err)
	}
}

func TestReleaseDistributionValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	esc := createFundedEscrow(t, engine)
	if err := engine.SubmitDelivery(esc.ID, beneficiary, "proof"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	short := []Split{{To: beneficiary, Role: party.RoleBeneficiary, Amount: unitAmount - 1}}
	if _, err := engine.Release(esc.ID, depositor, short); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("short distribution: expected validation error, got %v", err)
	}
	dup := []Split{
		{To: beneficiary, Role: party.RoleBeneficiary, Amount: unitAmount / 2},
		{To: beneficiary, Role: party.RoleBeneficiary, Amount: unitAmount / 2},
	}
	if _, err := engine.Release(esc.ID, depositor, dup); !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("duplicate recipient: expected validation error, got %v", err)
	}
}

func TestStaleSequenceSurfacesAsStateError(t *testing.T) {
	state := newMockState()
	esc := &Escrow{
		ID:          types.Hash{0xEE},
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Token:       "USDM",
		Amount:      1,
		CreatedAt:   1,
		Deadline:    2,
	}
	if err := state.EscrowPut(esc, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	stale := esc.Clone()
	stale.Status = StatusFunded
	if err := state.EscrowPut(stale, 0); !errors.Is(err, errors.ErrState) {
		t.Fatalf("expected state error on stale sequence, got %v", err)
	}
}
