package escrow

import (
	"fmt"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/core/types"
	"agentmarket/native/common"
	"agentmarket/native/party"
)

const moduleName = "escrow"

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilMover = errors.New("escrow engine: token mover not configured")
)

// engineState is the slice of ledger-confirmed state the engine needs. Puts
// are conditional: they apply only when the stored sequence still matches
// expectedSeq, and fail with a state error otherwise.
type engineState interface {
	EscrowPut(esc *Escrow, expectedSeq uint64) error
	EscrowGet(id types.Hash) (*Escrow, bool)
	DisputePut(d *Dispute, expectedSeq uint64) error
	DisputeGet(id types.Hash) (*Dispute, bool)
	VaultAddress(token string) (types.Address, error)
}

// TokenMover is the token-transfer collaborator. The engine only computes
// who gets how much; moving value is external.
type TokenMover interface {
	Transfer(from, to types.Address, token string, amount uint64, memo string) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine owns the escrow lifecycle state machine. All deadline decisions use
// the injected time source, which callers wire to ledger-confirmed time.
type Engine struct {
	state   engineState
	mover   TokenMover
	emitter events.Emitter
	pauses  common.PauseView
	nowFn   func() (int64, error)
}

// NewEngine creates an escrow engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   localClock,
	}
}

func localClock() (int64, error) { return time.Now().Unix(), nil }

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenMover configures the transfer collaborator.
func (e *Engine) SetTokenMover(m TokenMover) { e.mover = m }

// SetPauses configures the administrative pause view.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. The node wires this to the ledger
// clock; tests use it for deterministic timestamps. When the source fails,
// every deadline-gated operation surfaces the failure instead of falling
// back to the local clock.
func (e *Engine) SetNowFunc(now func() (int64, error)) {
	if now == nil {
		e.nowFn = localClock
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

func (e *Engine) now() (int64, error) {
	if e == nil || e.nowFn == nil {
		return localClock()
	}
	now, err := e.nowFn()
	if err != nil {
		return 0, errors.Ledgerf(moduleName, err, "ledger time unavailable")
	}
	return now, nil
}

func (e *Engine) loadEscrow(id types.Hash) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, errors.Statef(moduleName, "escrow not found").WithEntity(id.Hex())
	}
	return esc, nil
}

// Get returns a copy of the stored escrow.
func (e *Engine) Get(id types.Hash) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// GetDispute returns a copy of the stored dispute.
func (e *Engine) GetDispute(id types.Hash) (*Dispute, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	d, ok := e.state.DisputeGet(id)
	if !ok {
		return nil, errors.Statef(moduleName, "dispute not found").WithEntity(id.Hex())
	}
	return d.Clone(), nil
}

func wrongStatus(esc *Escrow, op string, want ...Status) error {
	names := make([]string, 0, len(want))
	for _, s := range want {
		names = append(names, s.String())
	}
	return errors.Statef(moduleName, "cannot %s in status %s", op, esc.Status).
		WithEntity(esc.ID.Hex()).
		WithStates(strings.Join(names, "|"), esc.Status.String())
}

// Create initialises and persists a new escrow definition. Creation is
// idempotent: re-submitting an identical definition returns the stored
// escrow, while a colliding identifier with a different definition fails.
func (e *Engine) Create(depositor, beneficiary types.Address, token string, amount uint64, deadline int64, conditions ReleaseConditions, arbitratorOpt *types.Address, nonce types.Hash) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	normalizedToken, err := NormalizeToken(token)
	if err != nil {
		return nil, errors.Validationf(moduleName, "%v", err)
	}
	if amount == 0 {
		return nil, errors.Validationf(moduleName, "amount must be positive")
	}
	if depositor.IsZero() || beneficiary.IsZero() {
		return nil, errors.Validationf(moduleName, "depositor and beneficiary required")
	}
	if depositor == beneficiary {
		return nil, errors.Validationf(moduleName, "depositor and beneficiary must differ")
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if deadline <= now {
		return nil, errors.Validationf(moduleName, "deadline %d not after current time %d", deadline, now)
	}
	if conditions.TimelockUntil > deadline {
		return nil, errors.Validationf(moduleName, "timelock extends past deadline")
	}
	arbitrator := types.Address{}
	if arbitratorOpt != nil {
		arbitrator = *arbitratorOpt
	}
	id := types.Hash(ethcrypto.Keccak256Hash(depositor[:], beneficiary[:], nonce[:]))
	if existing, ok := e.state.EscrowGet(id); ok {
		if existing.Depositor != depositor || existing.Beneficiary != beneficiary ||
			existing.Token != normalizedToken || existing.Amount != amount ||
			existing.Deadline != deadline || existing.Arbitrator != arbitrator ||
			existing.Conditions != conditions {
			return nil, errors.Statef(moduleName, "identifier already exists with different definition").WithEntity(id.Hex())
		}
		return existing.Clone(), nil
	}
	esc := &Escrow{
		ID:          id,
		Depositor:   depositor,
		Beneficiary: beneficiary,
		Arbitrator:  arbitrator,
		Token:       normalizedToken,
		Amount:      amount,
		Conditions:  conditions,
		CreatedAt:   now,
		Deadline:    deadline,
		Status:      StatusCreated,
	}
	if err := e.state.EscrowPut(esc, 0); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Fund moves the escrow amount from the depositor into the module vault.
func (e *Engine) Fund(id types.Hash, signer types.Address) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := esc.Roster().Authorize(signer, party.ActionFund); err != nil {
		return err
	}
	if esc.Status != StatusCreated {
		return wrongStatus(esc, "fund", StatusCreated)
	}
	now, err := e.now()
	if err != nil {
		return err
	}
	if now > esc.Deadline {
		return errors.Timeoutf(moduleName, "deadline %d passed at %d", esc.Deadline, now).WithEntity(id.Hex())
	}
	vault, err := e.vault(esc.Token)
	if err != nil {
		return err
	}
	if err := e.transfer(esc.Depositor, vault, esc.Token, esc.Amount, "escrow fund"); err != nil {
		return err
	}
	expected := esc.Sequence
	esc.Status = StatusFunded
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// SubmitDelivery records the beneficiary's deliverable and moves the escrow
// to Delivered.
func (e *Engine) SubmitDelivery(id types.Hash, signer types.Address, proof string) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := esc.Roster().Authorize(signer, party.ActionDeliver); err != nil {
		return err
	}
	if esc.Status != StatusFunded {
		return wrongStatus(esc, "deliver", StatusFunded)
	}
	now, err := e.now()
	if err != nil {
		return err
	}
	if now > esc.Deadline {
		return errors.Timeoutf(moduleName, "deadline %d passed at %d", esc.Deadline, now).WithEntity(id.Hex())
	}
	if strings.TrimSpace(proof) == "" {
		return errors.Validationf(moduleName, "delivery proof required")
	}
	expected := esc.Sequence
	esc.Deliveries = append(esc.Deliveries, DeliveryRecord{
		Proof:       strings.TrimSpace(proof),
		SubmittedBy: signer,
		SubmittedAt: now,
	})
	esc.Status = StatusDelivered
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(esc))
	return nil
}

// Release settles the escrow according to the supplied distribution and
// emits the corresponding transfer instructions. Release happens at most
// once per escrow: a second call fails with a state error and never pays
// again.
func (e *Engine) Release(id types.Hash, signer types.Address, distribution []Split) ([]types.TransferInstruction, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status == StatusReleased {
		return nil, errors.Statef(moduleName, "already released").
			WithEntity(id.Hex()).
			WithStates(StatusDelivered.String(), StatusReleased.String())
	}
	if esc.Status != StatusDelivered && esc.Status != StatusResolved {
		return nil, wrongStatus(esc, "release", StatusDelivered, StatusResolved)
	}
	if err := esc.Roster().Authorize(signer, party.ActionRelease); err != nil {
		return nil, err
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	switch signer {
	case esc.Beneficiary:
		if esc.Conditions.AutoReleaseAt == 0 || now < esc.Conditions.AutoReleaseAt {
			return nil, errors.Authorizationf(moduleName, "beneficiary release requires auto-release conditions").WithEntity(id.Hex())
		}
	case esc.Arbitrator:
		if esc.Status != StatusResolved {
			return nil, errors.Authorizationf(moduleName, "arbitrator release requires a resolved dispute").WithEntity(id.Hex())
		}
	}
	if esc.Conditions.TimelockUntil > 0 && now < esc.Conditions.TimelockUntil {
		return nil, errors.Statef(moduleName, "release locked until %d", esc.Conditions.TimelockUntil).WithEntity(id.Hex())
	}
	payouts := make([]party.Payout, 0, len(distribution))
	for _, split := range distribution {
		payouts = append(payouts, party.Payout{Address: split.To, Role: split.Role, Amount: split.Amount})
	}
	if err := party.ValidatePayouts(esc.Amount, payouts); err != nil {
		return nil, err
	}
	return e.finalizeRelease(esc, distribution)
}

func (e *Engine) finalizeRelease(esc *Escrow, distribution []Split) ([]types.TransferInstruction, error) {
	vault, err := e.vault(esc.Token)
	if err != nil {
		return nil, err
	}
	instructions := make([]types.TransferInstruction, 0, len(distribution))
	for _, split := range distribution {
		if err := e.transfer(vault, split.To, esc.Token, split.Amount, "escrow release "+split.Role.String()); err != nil {
			return nil, err
		}
		instructions = append(instructions, types.TransferInstruction{
			From:   vault,
			To:     split.To,
			Token:  esc.Token,
			Amount: split.Amount,
			Memo:   split.Role.String(),
		})
	}
	expected := esc.Sequence
	esc.Status = StatusReleased
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(esc))
	return instructions, nil
}

// Cancel aborts the escrow before delivery and refunds the full amount when
// already funded.
func (e *Engine) Cancel(id types.Hash, signer types.Address) ([]types.TransferInstruction, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if err := esc.Roster().Authorize(signer, party.ActionCancel); err != nil {
		return nil, err
	}
	if esc.Status != StatusCreated && esc.Status != StatusFunded {
		return nil, wrongStatus(esc, "cancel", StatusCreated, StatusFunded)
	}
	var instructions []types.TransferInstruction
	if esc.Status == StatusFunded {
		instructions, err = e.refund(esc, "escrow cancel")
		if err != nil {
			return nil, err
		}
	}
	expected := esc.Sequence
	esc.Status = StatusCancelled
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(esc))
	return instructions, nil
}

// Expire refunds a funded escrow once the deadline has elapsed. Anyone may
// invoke the transition; the supplied time must be ledger-confirmed.
func (e *Engine) Expire(id types.Hash, now int64) ([]types.TransferInstruction, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if now < esc.Deadline {
		return nil, errors.Statef(moduleName, "deadline %d not reached at %d", esc.Deadline, now).WithEntity(id.Hex())
	}
	if esc.Status != StatusCreated && esc.Status != StatusFunded {
		return nil, wrongStatus(esc, "expire", StatusCreated, StatusFunded)
	}
	var instructions []types.TransferInstruction
	if esc.Status == StatusFunded {
		instructions, err = e.refund(esc, "escrow expire")
		if err != nil {
			return nil, err
		}
	}
	expected := esc.Sequence
	esc.Status = StatusCancelled
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(esc))
	return instructions, nil
}

// RaiseDispute freezes the escrow and opens a dispute with the timeline
// implied by its type. Either party may raise it while funds are in custody.
func (e *Engine) RaiseDispute(id types.Hash, signer types.Address, dtype DisputeType, evidence string) (*Dispute, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if err := esc.Roster().Authorize(signer, party.ActionDispute); err != nil {
		return nil, err
	}
	if esc.Status != StatusFunded && esc.Status != StatusDelivered {
		return nil, wrongStatus(esc, "dispute", StatusFunded, StatusDelivered)
	}
	phases, window := timeline(dtype)
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	dispute := &Dispute{
		ID:             types.Hash(ethcrypto.Keccak256Hash(esc.ID[:], []byte("dispute"))),
		EscrowID:       esc.ID,
		Type:           dtype,
		Phases:         phases,
		OpenedAt:       now,
		EstimatedClose: now + window,
		Status:         DisputeOpen,
	}
	if trimmed := strings.TrimSpace(evidence); trimmed != "" {
		dispute.Evidence = []string{trimmed}
	}
	if err := e.state.DisputePut(dispute, 0); err != nil {
		return nil, err
	}
	expected := esc.Sequence
	esc.Status = StatusDisputed
	esc.DisputeID = dispute.ID
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(esc, dispute))
	return dispute.Clone(), nil
}

// SubmitEvidence appends evidence to an open dispute. Either escrow party
// may submit while the dispute is not yet resolved.
func (e *Engine) SubmitEvidence(escrowID types.Hash, signer types.Address, evidence string) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, err := e.loadEscrow(escrowID)
	if err != nil {
		return err
	}
	if err := esc.Roster().Authorize(signer, party.ActionDispute); err != nil {
		return err
	}
	if esc.Status != StatusDisputed {
		return wrongStatus(esc, "submit evidence", StatusDisputed)
	}
	dispute, ok := e.state.DisputeGet(esc.DisputeID)
	if !ok {
		return errors.Statef(moduleName, "dispute not found").WithEntity(esc.DisputeID.Hex())
	}
	trimmed := strings.TrimSpace(evidence)
	if trimmed == "" {
		return errors.Validationf(moduleName, "evidence required")
	}
	expected := dispute.Sequence
	dispute.Evidence = append(dispute.Evidence, trimmed)
	if err := e.state.DisputePut(dispute, expected); err != nil {
		return err
	}
	return nil
}

// AdvanceDisputePhase moves the dispute to its next phase. Only the
// designated arbitrator may advance; expiry of the evidence window does not
// advance a dispute implicitly.
func (e *Engine) AdvanceDisputePhase(escrowID types.Hash, signer types.Address) (*Dispute, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	if err := esc.Roster().Authorize(signer, party.ActionResolve); err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, wrongStatus(esc, "advance dispute", StatusDisputed)
	}
	dispute, ok := e.state.DisputeGet(esc.DisputeID)
	if !ok {
		return nil, errors.Statef(moduleName, "dispute not found").WithEntity(esc.DisputeID.Hex())
	}
	if dispute.CurrentPhase >= len(dispute.Phases)-1 {
		return nil, errors.Statef(moduleName, "dispute already in final phase %q", dispute.Phase()).WithEntity(dispute.ID.Hex())
	}
	expected := dispute.Sequence
	dispute.CurrentPhase++
	switch dispute.Phase() {
	case "mediation":
		dispute.Status = DisputeMediation
	default:
		dispute.Status = DisputeInvestigating
	}
	if err := e.state.DisputePut(dispute, expected); err != nil {
		return nil, err
	}
	e.emit(NewDisputePhaseEvent(dispute))
	return dispute.Clone(), nil
}

// ResolutionOutcome is the arbitrator's verdict for a disputed escrow.
type ResolutionOutcome uint8

const (
	OutcomeRefundDepositor ResolutionOutcome = iota + 1
	OutcomeReleaseBeneficiary
	OutcomeSplit
)

func (o ResolutionOutcome) String() string {
	switch o {
	case OutcomeRefundDepositor:
		return "refund_depositor"
	case OutcomeReleaseBeneficiary:
		return "release_beneficiary"
	case OutcomeSplit:
		return "split"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// ParseResolutionOutcome maps the wire form onto the enum.
func ParseResolutionOutcome(s string) (ResolutionOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "refund_depositor":
		return OutcomeRefundDepositor, nil
	case "release_beneficiary":
		return OutcomeReleaseBeneficiary, nil
	case "split":
		return OutcomeSplit, nil
	default:
		return 0, errors.Validationf(moduleName, "invalid resolution outcome %q", s)
	}
}

// Resolution carries the verdict and, for split outcomes, the distribution.
type Resolution struct {
	Outcome      ResolutionOutcome
	Distribution []Split
	Notes        string
}

// ResolveDispute settles a disputed escrow according to the arbitrator's
// verdict. Every outcome moves the escrow through Resolved straight to
// Released via the verdict's implied distribution, so the vault pays out
// exactly once.
func (e *Engine) ResolveDispute(id types.Hash, signer types.Address, res Resolution) ([]types.TransferInstruction, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Arbitrator.IsZero() {
		return nil, errors.Authorizationf(moduleName, "no arbitrator designated").WithEntity(id.Hex())
	}
	if err := esc.Roster().Authorize(signer, party.ActionResolve); err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, wrongStatus(esc, "resolve", StatusDisputed)
	}
	var distribution []Split
	switch res.Outcome {
	case OutcomeRefundDepositor:
		distribution = []Split{{To: esc.Depositor, Role: party.RoleDepositor, Amount: esc.Amount}}
	case OutcomeReleaseBeneficiary:
		distribution = []Split{{To: esc.Beneficiary, Role: party.RoleBeneficiary, Amount: esc.Amount}}
	case OutcomeSplit:
		payouts := make([]party.Payout, 0, len(res.Distribution))
		for _, split := range res.Distribution {
			payouts = append(payouts, party.Payout{Address: split.To, Role: split.Role, Amount: split.Amount})
		}
		if err := party.ValidatePayouts(esc.Amount, payouts); err != nil {
			return nil, err
		}
		distribution = res.Distribution
	default:
		return nil, errors.Validationf(moduleName, "invalid resolution outcome %d", res.Outcome)
	}

	expected := esc.Sequence
	esc.Status = StatusResolved
	if err := e.state.EscrowPut(esc, expected); err != nil {
		return nil, err
	}
	if dispute, ok := e.state.DisputeGet(esc.DisputeID); ok {
		dexpected := dispute.Sequence
		dispute.Status = DisputeResolved
		dispute.CurrentPhase = len(dispute.Phases) - 1
		dispute.Resolution = res.Outcome.String()
		if strings.TrimSpace(res.Notes) != "" {
			dispute.Resolution += ": " + strings.TrimSpace(res.Notes)
		}
		if err := e.state.DisputePut(dispute, dexpected); err != nil {
			return nil, err
		}
	}
	e.emit(NewResolvedEvent(esc, res.Outcome.String()))

	return e.finalizeRelease(esc, distribution)
}

func (e *Engine) refund(esc *Escrow, memo string) ([]types.TransferInstruction, error) {
	vault, err := e.vault(esc.Token)
	if err != nil {
		return nil, err
	}
	if err := e.transfer(vault, esc.Depositor, esc.Token, esc.Amount, memo); err != nil {
		return nil, err
	}
	return []types.TransferInstruction{{
		From:   vault,
		To:     esc.Depositor,
		Token:  esc.Token,
		Amount: esc.Amount,
		Memo:   memo,
	}}, nil
}

func (e *Engine) vault(token string) (types.Address, error) {
	if e == nil || e.state == nil {
		return types.Address{}, errNilState
	}
	return e.state.VaultAddress(token)
}

func (e *Engine) transfer(from, to types.Address, token string, amount uint64, memo string) error {
	if e == nil || e.mover == nil {
		return errNilMover
	}
	if amount == 0 {
		return nil
	}
	if err := e.mover.Transfer(from, to, token, amount, memo); err != nil {
		return errors.Ledgerf(moduleName, err, "transfer %d %s", amount, token)
	}
	return nil
}
