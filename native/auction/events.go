package auction

import (
	"strconv"

	"agentmarket/core/types"
)

const (
	EventTypeAuctionCreated   = "auction.created"
	EventTypeAuctionBid       = "auction.bid"
	EventTypeAuctionExtended  = "auction.extended"
	EventTypeAuctionBuyNow    = "auction.buy_now"
	EventTypeAuctionEnded     = "auction.ended"
	EventTypeAuctionCancelled = "auction.cancelled"
	EventTypeAuctionSettled   = "auction.settled"
	EventTypeAuctionDisputed  = "auction.disputed"
)

// NewCreatedEvent returns the payload for a newly created listing.
func NewCreatedEvent(a *Auction) *types.Event { return newAuctionEvent(EventTypeAuctionCreated, a) }

// NewBidEvent returns the payload emitted for an accepted bid. Amounts are
// omitted on sealed listings so the event stream leaks nothing.
func NewBidEvent(a *Auction, res *BidResult) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionBid, a)
	if res != nil {
		evt.Attributes["bidId"] = res.BidID.Hex()
		evt.Attributes["isWinning"] = strconv.FormatBool(res.IsWinning)
	}
	if a != nil && a.Config.Type == TypeSealedBid {
		delete(evt.Attributes, "currentPrice")
	}
	return evt
}

// NewExtendedEvent returns the payload emitted when a soft close pushes the
// end time out.
func NewExtendedEvent(a *Auction) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionExtended, a)
	if a != nil {
		evt.Attributes["extensions"] = strconv.FormatUint(uint64(a.Extensions), 10)
	}
	return evt
}

// NewBuyNowEvent returns the payload for an immediate buy-now purchase.
func NewBuyNowEvent(a *Auction, buyer types.Address) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionBuyNow, a)
	evt.Attributes["buyer"] = buyer.Hex()
	return evt
}

// NewEndedEvent returns the payload emitted when the listing closes,
// carrying the winner count.
func NewEndedEvent(a *Auction) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionEnded, a)
	if a != nil {
		evt.Attributes["winners"] = strconv.Itoa(len(a.Winners))
	}
	return evt
}

// NewCancelledEvent returns the payload for a withdrawn listing.
func NewCancelledEvent(a *Auction) *types.Event { return newAuctionEvent(EventTypeAuctionCancelled, a) }

// NewSettledEvent returns the payload emitted once settlement completes.
func NewSettledEvent(a *Auction) *types.Event { return newAuctionEvent(EventTypeAuctionSettled, a) }

// NewDisputedEvent returns the payload emitted when an ended listing is
// frozen for dispute resolution.
func NewDisputedEvent(a *Auction) *types.Event { return newAuctionEvent(EventTypeAuctionDisputed, a) }

func newAuctionEvent(eventType string, a *Auction) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = a.ID.Hex()
	attrs["seller"] = a.Seller.Hex()
	attrs["type"] = a.Config.Type.String()
	attrs["token"] = a.Config.PaymentToken
	attrs["status"] = a.Status.String()
	attrs["currentPrice"] = strconv.FormatUint(a.CurrentPrice, 10)
	attrs["endTime"] = strconv.FormatInt(a.EndTime, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
