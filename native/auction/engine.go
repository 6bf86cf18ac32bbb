package auction

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmarket/core/errors"
	"agentmarket/core/events"
	"agentmarket/core/types"
	"agentmarket/native/common"
	"agentmarket/native/escrow"
	"agentmarket/native/party"
)

const moduleName = "auction"

var (
	errNilState   = errors.New("auction engine: state not configured")
	errNilMover   = errors.New("auction engine: token mover not configured")
	errNilEntropy = errors.New("auction engine: entropy source not configured")
)

// engineState is the slice of ledger-confirmed state the engine needs. Puts
// are conditional on the stored sequence still matching expectedSeq.
type engineState interface {
	AuctionPut(a *Auction, expectedSeq uint64) error
	AuctionGet(id types.Hash) (*Auction, bool)
	AuctionList() []*Auction
	VaultAddress(token string) (types.Address, error)
}

// EntropySource supplies ledger entropy for candle end instants. The seed
// must be drawn from ledger-confirmed data so every node derives the same
// end instant.
type EntropySource interface {
	EntropySeed() (types.Hash, error)
}

type auctionEvent struct {
	evt *types.Event
}

func (e auctionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e auctionEvent) Event() *types.Event { return e.evt }

// BidResult is returned to the caller after a bid is accepted. FinalPrice is
// set only when the bid ended the listing on the spot.
type BidResult struct {
	BidID          types.Hash `json:"bidId"`
	IsWinning      bool       `json:"isWinning"`
	NextMinimumBid uint64     `json:"nextMinimumBid,omitempty"`
	FinalPrice     uint64     `json:"finalPrice,omitempty"`
}

// Engine owns the listing lifecycle and the per-type bidding rules. Time and
// entropy are injected so every decision replays identically from ledger
// state.
type Engine struct {
	state   engineState
	mover   escrow.TokenMover
	entropy EntropySource
	emitter events.Emitter
	pauses  common.PauseView
	nowFn   func() (int64, error)
}

// NewEngine creates an auction engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   localClock,
	}
}

func localClock() (int64, error) { return time.Now().Unix(), nil }

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenMover configures the transfer collaborator used for bid deposits.
func (e *Engine) SetTokenMover(m escrow.TokenMover) { e.mover = m }

// SetEntropySource configures the ledger entropy used by candle listings.
func (e *Engine) SetEntropySource(src EntropySource) { e.entropy = src }

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
// clock; tests use it for deterministic timestamps. A failing source stops
// every time-gated operation rather than falling back to the local clock.
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
	e.emitter.Emit(auctionEvent{evt: evt})
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

func (e *Engine) load(id types.Hash) (*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	a, ok := e.state.AuctionGet(id)
	if !ok {
		return nil, errors.Statef(moduleName, "auction not found").WithEntity(id.Hex())
	}
	return a, nil
}

func wrongStatus(a *Auction, op string) error {
	return errors.Statef(moduleName, "cannot %s in status %s", op, a.Status).
		WithEntity(a.ID.Hex()).
		WithStates("active|ending", a.Status.String())
}

// Create validates the configuration and persists a new listing. The
// identifier is derived from the seller and a caller-supplied nonce, so a
// replayed create with an identical definition returns the stored listing.
func (e *Engine) Create(seller types.Address, cfg Config, nonce types.Hash) (*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if seller.IsZero() {
		return nil, errors.Validationf(moduleName, "seller required")
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(now); err != nil {
		return nil, errors.Validationf(moduleName, "%v", err)
	}
	token, err := escrow.NormalizeToken(cfg.PaymentToken)
	if err != nil {
		return nil, errors.Validationf(moduleName, "%v", err)
	}
	cfg.PaymentToken = token
	id := types.Hash(ethcrypto.Keccak256Hash(seller[:], nonce[:]))
	if existing, ok := e.state.AuctionGet(id); ok {
		if existing.Seller != seller || !configEqual(existing.Config, cfg) {
			return nil, errors.Statef(moduleName, "identifier already exists with different definition").WithEntity(id.Hex())
		}
		return existing.Clone(), nil
	}
	status := StatusCreated
	if cfg.StartTime <= now {
		status = StatusActive
	}
	a := &Auction{
		ID:           id,
		Seller:       seller,
		Config:       cfg.clone(),
		Status:       status,
		CurrentPrice: cfg.StartingPrice,
		CreatedAt:    now,
		EndTime:      cfg.StartTime + cfg.Duration,
	}
	if err := e.state.AuctionPut(a, 0); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(a))
	return a.Clone(), nil
}

func configEqual(a, b Config) bool {
	left, _ := json.Marshal(a)
	right, _ := json.Marshal(b)
	return string(left) == string(right)
}

// PlaceBid applies the per-type bidding rules and records the bid. The
// returned result says whether the bid is the standing winner and what the
// next acceptable bid would be.
func (e *Engine) PlaceBid(id types.Hash, bidder types.Address, amount, maxBid uint64) (*BidResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCreated && now >= a.Config.StartTime {
		a.Status = StatusActive
	}
	if !a.Status.open() {
		return nil, wrongStatus(a, "bid")
	}
	if now < a.Config.StartTime {
		return nil, errors.Statef(moduleName, "bidding opens at %d", a.Config.StartTime).WithEntity(id.Hex())
	}
	if now >= a.EndTime {
		return nil, errors.Timeoutf(moduleName, "bidding closed at %d", a.EndTime).WithEntity(id.Hex())
	}
	if bidder.IsZero() {
		return nil, errors.Validationf(moduleName, "bidder required")
	}
	if bidder == a.Seller {
		return nil, errors.Authorizationf(moduleName, "seller cannot bid on own listing").WithEntity(id.Hex())
	}
	if !a.Config.whitelisted(bidder) {
		return nil, errors.Authorizationf(moduleName, "bidder %s not whitelisted", bidder.Hex()).WithEntity(id.Hex())
	}
	if amount == 0 {
		return nil, errors.Validationf(moduleName, "bid amount must be positive")
	}
	if maxBid > 0 {
		if !a.Config.AllowProxyBidding {
			return nil, errors.Validationf(moduleName, "proxy bidding disabled on this listing")
		}
		if maxBid < amount {
			return nil, errors.Validationf(moduleName, "proxy ceiling %d below bid %d", maxBid, amount)
		}
	}

	deposit, err := e.collectDeposit(a, bidder)
	if err != nil {
		return nil, err
	}
	if err := e.checkQuota(a, bidder, deposit); err != nil {
		return nil, err
	}

	expected := a.Sequence
	var result *BidResult
	switch a.Config.Type {
	case TypeEnglish, TypeCandle:
		result, err = e.placeAscending(a, bidder, amount, maxBid, deposit, now)
	case TypeDutch:
		result, err = e.placeDutch(a, bidder, amount, deposit, now)
	case TypeSealedBid:
		result, err = e.placeSealed(a, bidder, amount, deposit, now)
	case TypeReverse:
		result, err = e.placeReverse(a, bidder, amount, deposit, now)
	default:
		err = errors.Validationf(moduleName, "unknown auction type %d", a.Config.Type)
	}
	if err != nil {
		return nil, err
	}
	if a.Status == StatusEnded {
		if err := e.refundLosingDeposits(a); err != nil {
			return nil, err
		}
	}
	if err := e.state.AuctionPut(a, expected); err != nil {
		return nil, err
	}
	e.emit(NewBidEvent(a, result))
	if a.Status == StatusEnded {
		e.emit(NewEndedEvent(a))
	}
	return result, nil
}

// appendBid records the bid with the next ledger ordering number.
func (a *Auction) appendBid(bidder types.Address, amount, maxBid, deposit uint64, status BidStatus, now int64) Bid {
	a.NextBidSeq++
	seq := a.NextBidSeq
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	bid := Bid{
		ID:       types.Hash(ethcrypto.Keccak256Hash(a.ID[:], bidder[:], seqBytes[:])),
		Bidder:   bidder,
		Amount:   amount,
		MaxBid:   maxBid,
		Sequence: seq,
		PlacedAt: now,
		Status:   status,
		Deposit:  deposit,
	}
	a.Bids = append(a.Bids, bid)
	return bid
}

func (e *Engine) placeAscending(a *Auction, bidder types.Address, amount, maxBid, deposit uint64, now int64) (*BidResult, error) {
	// The opening bid clears the same bar as every later one: the standing
	// price plus the increment.
	champ := a.championIndex()
	minimum, ok := common.SafeAdd(a.CurrentPrice, a.Config.MinimumIncrement)
	if !ok {
		return nil, errors.Arithmeticf(moduleName, "next minimum bid overflows").WithEntity(a.ID.Hex())
	}
	if amount < minimum {
		return nil, errors.Validationf(moduleName, "bid %d below minimum %d", amount, minimum).WithEntity(a.ID.Hex())
	}

	newMax := amount
	if maxBid > amount {
		newMax = maxBid
	}
	winning := true
	price := amount
	if champ >= 0 {
		champMax := a.Bids[champ].Amount
		if a.Bids[champ].MaxBid > champMax {
			champMax = a.Bids[champ].MaxBid
		}
		if newMax > champMax {
			// Challenger takes the lead at one increment over the
			// defeated ceiling, capped at its own ceiling.
			step, ok := common.SafeAdd(champMax, a.Config.MinimumIncrement)
			if !ok {
				return nil, errors.Arithmeticf(moduleName, "proxy price overflows").WithEntity(a.ID.Hex())
			}
			price = step
			if price > newMax {
				price = newMax
			}
			if price < amount {
				price = amount
			}
			a.Bids[champ].Status = BidOutbid
		} else {
			// Standing proxy absorbs the challenge.
			step, ok := common.SafeAdd(newMax, a.Config.MinimumIncrement)
			if !ok {
				return nil, errors.Arithmeticf(moduleName, "proxy price overflows").WithEntity(a.ID.Hex())
			}
			price = step
			if price > champMax {
				price = champMax
			}
			if price < a.CurrentPrice {
				price = a.CurrentPrice
			}
			winning = false
		}
	}

	status := BidWinning
	if !winning {
		status = BidOutbid
	}
	bid := a.appendBid(bidder, amount, maxBid, deposit, status, now)
	a.CurrentPrice = price
	if winning {
		a.CurrentWinner = bidder
		if a.Bids[len(a.Bids)-1].Amount < price {
			a.Bids[len(a.Bids)-1].Amount = price
		}
	} else {
		for i := range a.Bids {
			if a.Bids[i].Status == BidWinning {
				a.Bids[i].Amount = price
			}
		}
	}

	if a.Config.ExtensionTrigger > 0 && a.EndTime-now <= a.Config.ExtensionTrigger && a.Extensions < a.Config.MaxExtensions {
		a.EndTime += a.Config.ExtensionTime
		a.Extensions++
		a.Status = StatusEnding
		e.emit(NewExtendedEvent(a))
	}

	if a.Config.BuyNowPrice > 0 && winning && price >= a.Config.BuyNowPrice {
		e.award(a, []Winner{{Bidder: bidder, Amount: price, BidID: bid.ID}}, now)
	}

	nextMin, ok := common.SafeAdd(a.CurrentPrice, a.Config.MinimumIncrement)
	if !ok {
		nextMin = a.CurrentPrice
	}
	result := &BidResult{BidID: bid.ID, IsWinning: winning, NextMinimumBid: nextMin}
	if a.Status == StatusEnded {
		result.NextMinimumBid = 0
		result.FinalPrice = a.CurrentPrice
	}
	return result, nil
}

func (e *Engine) placeDutch(a *Auction, bidder types.Address, amount, deposit uint64, now int64) (*BidResult, error) {
	price := DutchPrice(a.Config, now)
	if amount < price {
		return nil, errors.Validationf(moduleName, "bid %d below current price %d", amount, price).WithEntity(a.ID.Hex())
	}
	bid := a.appendBid(bidder, price, 0, deposit, BidWinning, now)
	a.CurrentPrice = price
	a.CurrentWinner = bidder
	e.award(a, []Winner{{Bidder: bidder, Amount: price, BidID: bid.ID}}, now)
	return &BidResult{BidID: bid.ID, IsWinning: true, FinalPrice: price}, nil
}

func (e *Engine) placeSealed(a *Auction, bidder types.Address, amount, deposit uint64, now int64) (*BidResult, error) {
	bid := a.appendBid(bidder, amount, 0, deposit, BidActive, now)
	// Nothing about the standing order leaks back to the bidder until the
	// listing ends.
	return &BidResult{BidID: bid.ID}, nil
}

func (e *Engine) placeReverse(a *Auction, bidder types.Address, amount, deposit uint64, now int64) (*BidResult, error) {
	ceiling := a.Config.StartingPrice
	if a.Config.PriceCeiling > 0 && a.Config.PriceCeiling < ceiling {
		ceiling = a.Config.PriceCeiling
	}
	maximum := ceiling
	if a.CurrentWinner != (types.Address{}) {
		next, ok := common.SafeSub(a.CurrentPrice, a.Config.MinimumIncrement)
		if !ok {
			return nil, errors.Validationf(moduleName, "standing ask %d cannot be undercut further", a.CurrentPrice).WithEntity(a.ID.Hex())
		}
		maximum = next
	}
	if amount > maximum {
		return nil, errors.Validationf(moduleName, "ask %d above maximum %d", amount, maximum).WithEntity(a.ID.Hex())
	}
	for i := range a.Bids {
		if a.Bids[i].Status == BidWinning {
			a.Bids[i].Status = BidOutbid
		}
	}
	bid := a.appendBid(bidder, amount, 0, deposit, BidWinning, now)
	a.CurrentPrice = amount
	a.CurrentWinner = bidder
	nextMin, _ := common.SafeSub(amount, a.Config.MinimumIncrement)
	return &BidResult{BidID: bid.ID, IsWinning: true, NextMinimumBid: nextMin}, nil
}

// DutchPrice computes the deterministic stepped price of a descending
// listing at the given instant. The price never falls below the reserve.
func DutchPrice(cfg Config, now int64) uint64 {
	if now <= cfg.StartTime {
		return cfg.StartingPrice
	}
	elapsed := now - cfg.StartTime
	steps := uint64(elapsed / cfg.DutchInterval)
	decay, ok := common.SafeMul(steps, cfg.MinimumIncrement)
	if !ok || decay >= cfg.StartingPrice {
		return cfg.ReservePrice
	}
	price := cfg.StartingPrice - decay
	if price < cfg.ReservePrice {
		return cfg.ReservePrice
	}
	return price
}

// BuyNow ends the listing immediately at the posted buy-now price.
func (e *Engine) BuyNow(id types.Hash, buyer types.Address) (*BidResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCreated && now >= a.Config.StartTime {
		a.Status = StatusActive
	}
	if !a.Status.open() {
		return nil, wrongStatus(a, "buy now")
	}
	if now >= a.EndTime {
		return nil, errors.Timeoutf(moduleName, "bidding closed at %d", a.EndTime).WithEntity(id.Hex())
	}
	if a.Config.BuyNowPrice == 0 {
		return nil, errors.Validationf(moduleName, "listing has no buy-now price").WithEntity(id.Hex())
	}
	if buyer.IsZero() || buyer == a.Seller {
		return nil, errors.Authorizationf(moduleName, "invalid buyer").WithEntity(id.Hex())
	}
	if !a.Config.whitelisted(buyer) {
		return nil, errors.Authorizationf(moduleName, "buyer %s not whitelisted", buyer.Hex()).WithEntity(id.Hex())
	}
	expected := a.Sequence
	for i := range a.Bids {
		if a.Bids[i].Status == BidWinning || a.Bids[i].Status == BidActive {
			a.Bids[i].Status = BidOutbid
		}
	}
	bid := a.appendBid(buyer, a.Config.BuyNowPrice, 0, 0, BidWinning, now)
	a.CurrentPrice = a.Config.BuyNowPrice
	a.CurrentWinner = buyer
	e.award(a, []Winner{{Bidder: buyer, Amount: a.Config.BuyNowPrice, BidID: bid.ID}}, now)
	if err := e.refundLosingDeposits(a); err != nil {
		return nil, err
	}
	if err := e.state.AuctionPut(a, expected); err != nil {
		return nil, err
	}
	e.emit(NewBuyNowEvent(a, buyer))
	e.emit(NewEndedEvent(a))
	return &BidResult{BidID: bid.ID, IsWinning: true, FinalPrice: a.Config.BuyNowPrice}, nil
}

// EndResult reports a closed listing together with the winning bids and the
// total the winners owe.
type EndResult struct {
	Auction     *Auction `json:"auction"`
	Winners     []Winner `json:"winners"`
	TotalPayout uint64   `json:"totalPayout"`
}

func closeResult(a *Auction) (*EndResult, error) {
	var total uint64
	for _, w := range a.Winners {
		next, ok := common.SafeAdd(total, w.Amount)
		if !ok {
			return nil, errors.Arithmeticf(moduleName, "winning amounts overflow").WithEntity(a.ID.Hex())
		}
		total = next
	}
	clone := a.Clone()
	return &EndResult{Auction: clone, Winners: clone.Winners, TotalPayout: total}, nil
}

// EndAuction closes the listing and selects the winners. Anyone may end a
// listing whose end time has passed; before that only the seller may close
// it early.
func (e *Engine) EndAuction(id types.Hash, signer types.Address) (*EndResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusEnded {
		return closeResult(a)
	}
	if !a.Status.open() && a.Status != StatusCreated {
		return nil, wrongStatus(a, "end")
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if now < a.EndTime {
		if err := (party.Roster{Seller: a.Seller}).Authorize(signer, party.ActionEndAuction); err != nil {
			return nil, err
		}
	}

	cutoff := a.EndTime
	if a.Config.Type == TypeCandle {
		cutoff, err = e.candleEnd(a)
		if err != nil {
			return nil, err
		}
	}

	winners, err := e.selectWinners(a, cutoff)
	if err != nil {
		return nil, err
	}

	expected := a.Sequence
	e.award(a, winners, now)
	if err := e.refundLosingDeposits(a); err != nil {
		return nil, err
	}
	if err := e.state.AuctionPut(a, expected); err != nil {
		return nil, err
	}
	e.emit(NewEndedEvent(a))
	return closeResult(a)
}

// candleEnd maps ledger entropy into the closing window, giving a true end
// instant no bidder could predict while bidding was open.
func (e *Engine) candleEnd(a *Auction) (int64, error) {
	if e.entropy == nil {
		return 0, errNilEntropy
	}
	seed, err := e.entropy.EntropySeed()
	if err != nil {
		return 0, errors.Ledgerf(moduleName, err, "entropy seed")
	}
	digest := ethcrypto.Keccak256Hash(a.ID[:], seed[:])
	offset := int64(binary.BigEndian.Uint64(digest[:8]) % uint64(a.Config.CandleWindow))
	return a.EndTime - offset, nil
}

// selectWinners applies the per-type winner policy to bids placed up to the
// cutoff instant.
func (e *Engine) selectWinners(a *Auction, cutoff int64) ([]Winner, error) {
	eligible := make([]Bid, 0, len(a.Bids))
	for _, b := range a.Bids {
		if b.Status == BidWithdrawn || b.PlacedAt > cutoff {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	if a.Config.Type == TypeReverse {
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].Amount != eligible[j].Amount {
				return eligible[i].Amount < eligible[j].Amount
			}
			return eligible[i].Sequence < eligible[j].Sequence
		})
		best := eligible[0]
		return []Winner{{Bidder: best.Bidder, Amount: best.Amount, BidID: best.ID}}, nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Amount != eligible[j].Amount {
			return eligible[i].Amount > eligible[j].Amount
		}
		return eligible[i].Sequence < eligible[j].Sequence
	})
	if a.Config.ReservePrice > 0 && eligible[0].Amount < a.Config.ReservePrice {
		return nil, nil
	}

	limit := 1
	if a.Config.MultiWinner.Enabled {
		limit = int(a.Config.MultiWinner.MaxWinners)
	}
	winners := make([]Winner, 0, limit)
	seen := make(map[types.Address]bool, limit)
	for _, b := range eligible {
		if seen[b.Bidder] {
			continue
		}
		if a.Config.ReservePrice > 0 && b.Amount < a.Config.ReservePrice {
			break
		}
		winners = append(winners, Winner{Bidder: b.Bidder, Amount: b.Amount, BidID: b.ID})
		seen[b.Bidder] = true
		if len(winners) == limit {
			break
		}
	}
	return winners, nil
}

// award finalises the listing with the given winners.
func (e *Engine) award(a *Auction, winners []Winner, now int64) {
	winningIDs := make(map[types.Hash]bool, len(winners))
	for _, w := range winners {
		winningIDs[w.BidID] = true
	}
	for i := range a.Bids {
		if a.Bids[i].Status == BidWithdrawn {
			continue
		}
		if winningIDs[a.Bids[i].ID] {
			a.Bids[i].Status = BidWinning
		} else {
			a.Bids[i].Status = BidOutbid
		}
	}
	a.Winners = winners
	if len(winners) > 0 {
		a.CurrentWinner = winners[0].Bidder
		a.CurrentPrice = winners[0].Amount
	} else {
		a.CurrentWinner = types.Address{}
	}
	a.Status = StatusEnded
	a.EndedAt = now
}

// Cancel withdraws a listing that has attracted no bids.
func (e *Engine) Cancel(id types.Hash, signer types.Address) error {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	a, err := e.load(id)
	if err != nil {
		return err
	}
	if err := (party.Roster{Seller: a.Seller}).Authorize(signer, party.ActionCancelAuction); err != nil {
		return err
	}
	if a.Status != StatusCreated && !a.Status.open() {
		return wrongStatus(a, "cancel")
	}
	if len(a.Bids) > 0 {
		return errors.Statef(moduleName, "cannot cancel a listing with bids").WithEntity(id.Hex())
	}
	now, err := e.now()
	if err != nil {
		return err
	}
	expected := a.Sequence
	a.Status = StatusCancelled
	a.EndedAt = now
	if err := e.state.AuctionPut(a, expected); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(a))
	return nil
}

// MarkSettled records that settlement completed for an ended listing.
func (e *Engine) MarkSettled(id types.Hash) error {
	a, err := e.load(id)
	if err != nil {
		return err
	}
	if a.Status != StatusEnded {
		return wrongStatus(a, "settle")
	}
	expected := a.Sequence
	a.Status = StatusSettled
	if err := e.state.AuctionPut(a, expected); err != nil {
		return err
	}
	e.emit(NewSettledEvent(a))
	return nil
}

// MarkDisputed freezes an ended listing pending dispute resolution.
func (e *Engine) MarkDisputed(id types.Hash) error {
	a, err := e.load(id)
	if err != nil {
		return err
	}
	if a.Status != StatusEnded {
		return wrongStatus(a, "dispute")
	}
	expected := a.Sequence
	a.Status = StatusDisputed
	if err := e.state.AuctionPut(a, expected); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(a))
	return nil
}

// championIndex returns the index of the standing winning bid, or -1.
func (a *Auction) championIndex() int {
	for i := range a.Bids {
		if a.Bids[i].Status == BidWinning {
			return i
		}
	}
	return -1
}

// collectDeposit moves the bid deposit into the module vault the first time
// an address bids on a deposit-gated listing.
func (e *Engine) collectDeposit(a *Auction, bidder types.Address) (uint64, error) {
	if !a.Config.RequireDeposit {
		return 0, nil
	}
	for _, b := range a.Bids {
		if b.Bidder == bidder && b.Deposit > 0 && b.Status != BidWithdrawn {
			return 0, nil
		}
	}
	if e.mover == nil {
		return 0, errNilMover
	}
	vault, err := e.state.VaultAddress(a.Config.PaymentToken)
	if err != nil {
		return 0, err
	}
	if err := e.mover.Transfer(bidder, vault, a.Config.PaymentToken, a.Config.DepositAmount, "auction bid deposit"); err != nil {
		return 0, errors.Ledgerf(moduleName, err, "deposit %d %s", a.Config.DepositAmount, a.Config.PaymentToken)
	}
	return a.Config.DepositAmount, nil
}

// refundLosingDeposits returns deposits held for bidders who did not win.
// The winner's deposit stays in the vault and is credited at settlement.
func (e *Engine) refundLosingDeposits(a *Auction) error {
	if !a.Config.RequireDeposit {
		return nil
	}
	winning := make(map[types.Address]bool, len(a.Winners))
	for _, w := range a.Winners {
		winning[w.Bidder] = true
	}
	vault, err := e.state.VaultAddress(a.Config.PaymentToken)
	if err != nil {
		return err
	}
	refunded := make(map[types.Address]bool)
	for _, b := range a.Bids {
		if b.Deposit == 0 || winning[b.Bidder] || refunded[b.Bidder] {
			continue
		}
		if e.mover == nil {
			return errNilMover
		}
		if err := e.mover.Transfer(vault, b.Bidder, a.Config.PaymentToken, b.Deposit, "auction deposit refund"); err != nil {
			return errors.Ledgerf(moduleName, err, "deposit refund %d %s", b.Deposit, a.Config.PaymentToken)
		}
		refunded[b.Bidder] = true
	}
	return nil
}

// checkQuota enforces the per-bidder bid count limit for the listing.
func (e *Engine) checkQuota(a *Auction, bidder types.Address, addStake uint64) error {
	if a.Config.MaxBidsPerUser == 0 {
		return nil
	}
	var prev common.QuotaNow
	for _, b := range a.Bids {
		if b.Bidder != bidder || b.Status == BidWithdrawn {
			continue
		}
		prev.BidCount++
		prev.StakeAtRisk += b.Deposit
	}
	quota := common.Quota{MaxBids: a.Config.MaxBidsPerUser}
	if _, err := common.CheckQuota(quota, prev, addStake); err != nil {
		return errors.Validationf(moduleName, "%v", err).WithEntity(a.ID.Hex())
	}
	return nil
}
