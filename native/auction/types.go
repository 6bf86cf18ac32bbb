package auction

import (
	"fmt"
	"strings"

	"agentmarket/core/types"
	"agentmarket/native/escrow"
)

// Type selects the price-discovery mechanic for a listing.
type Type uint8

const (
	TypeEnglish Type = iota + 1
	TypeDutch
	TypeSealedBid
	TypeReverse
	TypeCandle
)

func (t Type) String() string {
	switch t {
	case TypeEnglish:
		return "english"
	case TypeDutch:
		return "dutch"
	case TypeSealedBid:
		return "sealed_bid"
	case TypeReverse:
		return "reverse"
	case TypeCandle:
		return "candle"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType maps the wire form onto the enum.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "english":
		return TypeEnglish, nil
	case "dutch":
		return TypeDutch, nil
	case "sealed_bid", "sealedbid":
		return TypeSealedBid, nil
	case "reverse":
		return TypeReverse, nil
	case "candle":
		return TypeCandle, nil
	default:
		return 0, fmt.Errorf("unknown auction type %q", s)
	}
}

// Status represents the lifecycle states of a listing.
type Status uint8

const (
	StatusCreated Status = iota
	StatusActive
	StatusEnding
	StatusEnded
	StatusCancelled
	StatusSettled
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusEnding:
		return "ending"
	case StatusEnded:
		return "ended"
	case StatusCancelled:
		return "cancelled"
	case StatusSettled:
		return "settled"
	case StatusDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return s <= StatusDisputed }

// open reports whether the listing still accepts bids.
func (s Status) open() bool { return s == StatusActive || s == StatusEnding }

// BidStatus tracks a bid relative to the standing price.
type BidStatus uint8

const (
	BidActive BidStatus = iota
	BidOutbid
	BidWinning
	BidWithdrawn
)

func (s BidStatus) String() string {
	switch s {
	case BidActive:
		return "active"
	case BidOutbid:
		return "outbid"
	case BidWinning:
		return "winning"
	case BidWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("bid_status(%d)", uint8(s))
	}
}

// Bid is one accepted offer. Sequence is assigned by the ledger when the bid
// is accepted and is the only ordering that matters; client wall-clocks are
// untrusted.
type Bid struct {
	ID       types.Hash    `json:"id"`
	Bidder   types.Address `json:"bidder"`
	Amount   uint64        `json:"amount"`
	// MaxBid is the hidden proxy ceiling; zero when the bid is not a proxy.
	MaxBid   uint64        `json:"maxBid,omitempty"`
	Sequence uint64        `json:"sequence"`
	PlacedAt int64         `json:"placedAt"`
	Status   BidStatus     `json:"status"`
	Deposit  uint64        `json:"deposit,omitempty"`
}

// MultiWinner configures endings that award several distinct bidders.
type MultiWinner struct {
	Enabled    bool   `json:"enabled"`
	MaxWinners uint32 `json:"maxWinners,omitempty"`
	// Selection names the winner-selection policy; "highest_bids" picks the
	// top N distinct bidders by amount.
	Selection string `json:"selection,omitempty"`
}

// SelectionHighestBids is the only multi-winner policy currently supported.
const SelectionHighestBids = "highest_bids"

// Config is the per-listing configuration. The Type tag decides which
// optional fields apply; Validate enforces the per-type invariants once, at
// construction.
type Config struct {
	Type          Type   `json:"type"`
	StartingPrice uint64 `json:"startingPrice"`
	ReservePrice  uint64 `json:"reservePrice,omitempty"`
	BuyNowPrice   uint64 `json:"buyNowPrice,omitempty"`
	// MinimumIncrement is the bid step for English-style types and the price
	// decay step per interval for Dutch.
	MinimumIncrement uint64 `json:"minimumIncrement"`
	PaymentToken     string `json:"paymentToken"`
	StartTime        int64  `json:"startTime"`
	Duration         int64  `json:"duration"`
	// Soft close: a bid landing within ExtensionTrigger of the end pushes
	// the end out by ExtensionTime, at most MaxExtensions times.
	ExtensionTrigger int64  `json:"extensionTrigger,omitempty"`
	ExtensionTime    int64  `json:"extensionTime,omitempty"`
	MaxExtensions    uint32 `json:"maxExtensions,omitempty"`

	AllowProxyBidding bool   `json:"allowProxyBidding,omitempty"`
	RequireDeposit    bool   `json:"requireDeposit,omitempty"`
	DepositAmount     uint64 `json:"depositAmount,omitempty"`
	MaxBidsPerUser    uint32 `json:"maxBidsPerUser,omitempty"`

	Private   bool            `json:"private,omitempty"`
	Whitelist []types.Address `json:"whitelist,omitempty"`

	MultiWinner MultiWinner `json:"multiWinner,omitempty"`

	// DutchInterval is the fixed number of seconds between Dutch price steps.
	DutchInterval int64 `json:"dutchInterval,omitempty"`
	// PriceCeiling caps acceptable asks on reverse listings; zero means the
	// starting price is the only ceiling.
	PriceCeiling uint64 `json:"priceCeiling,omitempty"`
	// CandleWindow is the length, in seconds, of the closing window within
	// which a candle listing's true end instant falls.
	CandleWindow int64 `json:"candleWindow,omitempty"`
}

// Validate enforces the configuration invariants for the tagged type.
func (c Config) Validate(now int64) error {
	switch c.Type {
	case TypeEnglish, TypeDutch, TypeSealedBid, TypeReverse, TypeCandle:
	default:
		return fmt.Errorf("unknown auction type %d", c.Type)
	}
	if c.StartingPrice == 0 {
		return fmt.Errorf("starting price must be positive")
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.StartTime < now {
		return fmt.Errorf("start time %d before current time %d", c.StartTime, now)
	}
	if _, err := escrow.NormalizeToken(c.PaymentToken); err != nil {
		return err
	}
	switch c.Type {
	case TypeEnglish, TypeCandle, TypeSealedBid:
		if c.ReservePrice > 0 && c.ReservePrice < c.StartingPrice {
			return fmt.Errorf("reserve price below starting price on an ascending listing")
		}
		if c.BuyNowPrice > 0 && c.BuyNowPrice <= c.StartingPrice {
			return fmt.Errorf("buy-now price must exceed starting price on an ascending listing")
		}
	case TypeDutch:
		if c.ReservePrice > c.StartingPrice {
			return fmt.Errorf("reserve price above starting price on a descending listing")
		}
		if c.BuyNowPrice > 0 && c.BuyNowPrice >= c.StartingPrice {
			return fmt.Errorf("buy-now price must undercut starting price on a descending listing")
		}
		if c.DutchInterval <= 0 {
			return fmt.Errorf("dutch price interval must be positive")
		}
		if c.MinimumIncrement == 0 {
			return fmt.Errorf("dutch price step must be positive")
		}
	case TypeReverse:
		if c.PriceCeiling > 0 && c.PriceCeiling > c.StartingPrice {
			return fmt.Errorf("price ceiling above starting ask")
		}
	}
	switch c.Type {
	case TypeEnglish, TypeCandle, TypeReverse:
		if c.MinimumIncrement == 0 {
			return fmt.Errorf("minimum increment must be positive")
		}
	}
	if c.ExtensionTrigger > 0 || c.ExtensionTime > 0 {
		if c.Type != TypeEnglish {
			return fmt.Errorf("soft close applies only to english listings")
		}
		if c.ExtensionTrigger <= 0 || c.ExtensionTime <= 0 || c.MaxExtensions == 0 {
			return fmt.Errorf("soft close requires trigger, extension and a bounded count")
		}
	}
	if c.Type == TypeCandle {
		if c.CandleWindow <= 0 || c.CandleWindow > c.Duration {
			return fmt.Errorf("candle window must fit inside the listing duration")
		}
	}
	if c.RequireDeposit && c.DepositAmount == 0 {
		return fmt.Errorf("deposit requirement without a deposit amount")
	}
	if !c.RequireDeposit && c.DepositAmount > 0 {
		return fmt.Errorf("deposit amount without a deposit requirement")
	}
	if c.Private && len(c.Whitelist) == 0 {
		return fmt.Errorf("private listing requires a whitelist")
	}
	if !c.Private && len(c.Whitelist) > 0 {
		return fmt.Errorf("whitelist on a public listing")
	}
	if c.MultiWinner.Enabled {
		if c.MultiWinner.MaxWinners < 2 {
			return fmt.Errorf("multi-winner listings need at least two winners")
		}
		if c.MultiWinner.Selection != SelectionHighestBids {
			return fmt.Errorf("unsupported winner selection %q", c.MultiWinner.Selection)
		}
		if c.Type == TypeDutch {
			return fmt.Errorf("multi-winner does not apply to dutch listings")
		}
	}
	if c.AllowProxyBidding && c.Type != TypeEnglish && c.Type != TypeCandle {
		return fmt.Errorf("proxy bidding applies only to english-style listings")
	}
	return nil
}

// clone returns a deep copy of the config.
func (c Config) clone() Config {
	clone := c
	if len(c.Whitelist) > 0 {
		clone.Whitelist = append([]types.Address(nil), c.Whitelist...)
	}
	return clone
}

// whitelisted reports whether the address may bid on a private listing.
func (c Config) whitelisted(addr types.Address) bool {
	if !c.Private {
		return true
	}
	for _, entry := range c.Whitelist {
		if entry == addr {
			return true
		}
	}
	return false
}

// Winner records one awarded bid after the listing ends.
type Winner struct {
	Bidder types.Address `json:"bidder"`
	Amount uint64        `json:"amount"`
	BidID  types.Hash    `json:"bidId"`
}

// Auction holds the metadata and runtime status of a single listing. The
// identifier is the keccak256 hash of the seller and a caller-supplied
// nonce.
type Auction struct {
	ID      types.Hash    `json:"id"`
	Seller  types.Address `json:"seller"`
	Config  Config        `json:"config"`
	Status  Status        `json:"status"`
	// CurrentPrice is the standing price for ascending listings and the
	// standing ask for reverse listings. For Dutch listings the live price
	// is computed from elapsed time instead.
	CurrentPrice  uint64        `json:"currentPrice"`
	CurrentWinner types.Address `json:"currentWinner,omitempty"`
	Bids          []Bid         `json:"bids,omitempty"`
	Winners       []Winner      `json:"winners,omitempty"`
	CreatedAt     int64         `json:"createdAt"`
	EndTime       int64         `json:"endTime"`
	EndedAt       int64         `json:"endedAt,omitempty"`
	Extensions    uint32        `json:"extensions,omitempty"`
	// NextBidSeq is the ledger-assigned ordering counter for bids.
	NextBidSeq uint64 `json:"nextBidSeq"`
	Sequence   uint64 `json:"sequence"`
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Config = a.Config.clone()
	if len(a.Bids) > 0 {
		clone.Bids = append([]Bid(nil), a.Bids...)
	}
	if len(a.Winners) > 0 {
		clone.Winners = append([]Winner(nil), a.Winners...)
	}
	return &clone
}

// SanitizeAuction validates and normalises the supplied listing, returning a
// cloned instance. The original value is never mutated.
func SanitizeAuction(a *Auction) (*Auction, error) {
	if a == nil {
		return nil, fmt.Errorf("nil auction")
	}
	clone := a.Clone()
	token, err := escrow.NormalizeToken(clone.Config.PaymentToken)
	if err != nil {
		return nil, err
	}
	clone.Config.PaymentToken = token
	if clone.Seller.IsZero() {
		return nil, fmt.Errorf("auction requires a seller")
	}
	if clone.Config.StartingPrice == 0 {
		return nil, fmt.Errorf("starting price must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid auction status: %d", clone.Status)
	}
	return clone, nil
}
