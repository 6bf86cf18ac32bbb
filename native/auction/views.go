package auction

import (
	"sort"
	"strings"

	"agentmarket/core/types"
)

// GetAuction returns a copy of the stored listing with sealed bids redacted
// while bidding is open. The bid count stays visible; amounts, proxy
// ceilings and bidder identities do not.
func (e *Engine) GetAuction(id types.Hash) (*Auction, error) {
	a, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return redact(a.Clone()), nil
}

func redact(a *Auction) *Auction {
	if a.Config.Type != TypeSealedBid {
		return a
	}
	if a.Status == StatusEnded || a.Status == StatusSettled || a.Status == StatusDisputed || a.Status == StatusCancelled {
		return a
	}
	for i := range a.Bids {
		a.Bids[i].Bidder = types.Address{}
		a.Bids[i].Amount = 0
		a.Bids[i].MaxBid = 0
	}
	a.CurrentWinner = types.Address{}
	return a
}

// SearchQuery filters listings. Zero fields match everything.
type SearchQuery struct {
	Seller types.Address
	Type   Type
	Status *Status
	Token  string
}

func (q SearchQuery) matches(a *Auction) bool {
	if !q.Seller.IsZero() && a.Seller != q.Seller {
		return false
	}
	if q.Type != 0 && a.Config.Type != q.Type {
		return false
	}
	if q.Status != nil && a.Status != *q.Status {
		return false
	}
	if q.Token != "" && !strings.EqualFold(q.Token, a.Config.PaymentToken) {
		return false
	}
	return true
}

// SearchAuctions returns the listings matching the query, newest first with
// the identifier as the tie-break so paging stays stable.
func (e *Engine) SearchAuctions(q SearchQuery, limit int) ([]*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out []*Auction
	for _, a := range e.state.AuctionList() {
		if q.matches(a) {
			out = append(out, redact(a.Clone()))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return clip(out, limit), nil
}

// TrendingAuctions ranks open listings by bid activity.
func (e *Engine) TrendingAuctions(limit int) ([]*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out []*Auction
	for _, a := range e.state.AuctionList() {
		if a.Status.open() {
			out = append(out, redact(a.Clone()))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Bids) != len(out[j].Bids) {
			return len(out[i].Bids) > len(out[j].Bids)
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return clip(out, limit), nil
}

// EndingSoonAuctions returns open listings ordered by how soon they close.
func (e *Engine) EndingSoonAuctions(limit int) ([]*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	var out []*Auction
	for _, a := range e.state.AuctionList() {
		if a.Status.open() && a.EndTime > now {
			out = append(out, redact(a.Clone()))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EndTime != out[j].EndTime {
			return out[i].EndTime < out[j].EndTime
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return clip(out, limit), nil
}

func clip(list []*Auction, limit int) []*Auction {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
