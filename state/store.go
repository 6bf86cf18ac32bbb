package state

import (
	"encoding/json"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentmarket/core/errors"
	"agentmarket/core/types"
	"agentmarket/native/auction"
	"agentmarket/native/escrow"
	"agentmarket/storage"
)

const moduleName = "state"

var (
	escrowPrefix  = []byte("escrow/")
	disputePrefix = []byte("dispute/")
	auctionPrefix = []byte("auction/")
	entropyKey    = []byte("meta/entropy")
)

// EntityStore is the canonical entity state shared by the escrow and auction
// engines. Every put is conditional on the caller's expected sequence, so two
// racing writers cannot both win; the loser gets a state error and must
// re-read.
type EntityStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewEntityStore wraps the database.
func NewEntityStore(db storage.Database) *EntityStore {
	return &EntityStore{db: db}
}

func escrowKey(id types.Hash) []byte {
	return append(append([]byte(nil), escrowPrefix...), id[:]...)
}

func disputeKey(id types.Hash) []byte {
	return append(append([]byte(nil), disputePrefix...), id[:]...)
}

func auctionKey(id types.Hash) []byte {
	return append(append([]byte(nil), auctionPrefix...), id[:]...)
}

func staleSequence(entity string, want, got uint64) error {
	return errors.Statef(moduleName, "stale sequence for %s: expected %d, stored %d", entity, want, got).
		WithEntity(entity)
}

// putConditional implements the compare-and-swap write shared by all entity
// kinds. loadSeq reads the stored sequence (0 when absent); store marshals
// the entity with sequence expectedSeq+1.
func (s *EntityStore) putConditional(key []byte, entity string, expectedSeq uint64, encode func(seq uint64) ([]byte, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(key)
	switch {
	case err == nil:
		var header struct {
			Sequence uint64 `json:"sequence"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			return 0, errors.Ledgerf(moduleName, err, "decode %s", entity)
		}
		if header.Sequence != expectedSeq {
			return 0, staleSequence(entity, expectedSeq, header.Sequence)
		}
	case storage.IsNotFound(err):
		if expectedSeq != 0 {
			return 0, staleSequence(entity, expectedSeq, 0)
		}
	default:
		return 0, errors.Ledgerf(moduleName, err, "read %s", entity)
	}
	next := expectedSeq + 1
	encoded, err := encode(next)
	if err != nil {
		return 0, errors.Ledgerf(moduleName, err, "encode %s", entity)
	}
	if err := s.db.Put(key, encoded); err != nil {
		return 0, errors.Ledgerf(moduleName, err, "write %s", entity)
	}
	return next, nil
}

// EscrowPut persists the escrow when its stored sequence still matches.
func (s *EntityStore) EscrowPut(esc *escrow.Escrow, expectedSeq uint64) error {
	clone, err := escrow.SanitizeEscrow(esc)
	if err != nil {
		return errors.Validationf(moduleName, "%v", err)
	}
	seq, err := s.putConditional(escrowKey(clone.ID), clone.ID.Hex(), expectedSeq, func(seq uint64) ([]byte, error) {
		clone.Sequence = seq
		return json.Marshal(clone)
	})
	if err != nil {
		return err
	}
	esc.Sequence = seq
	return nil
}

// EscrowGet loads an escrow by identifier.
func (s *EntityStore) EscrowGet(id types.Hash) (*escrow.Escrow, bool) {
	raw, err := s.db.Get(escrowKey(id))
	if err != nil {
		return nil, false
	}
	var esc escrow.Escrow
	if err := json.Unmarshal(raw, &esc); err != nil {
		return nil, false
	}
	return &esc, true
}

// DisputePut persists the dispute when its stored sequence still matches.
func (s *EntityStore) DisputePut(d *escrow.Dispute, expectedSeq uint64) error {
	clone := d.Clone()
	seq, err := s.putConditional(disputeKey(clone.ID), clone.ID.Hex(), expectedSeq, func(seq uint64) ([]byte, error) {
		clone.Sequence = seq
		return json.Marshal(clone)
	})
	if err != nil {
		return err
	}
	d.Sequence = seq
	return nil
}

// DisputeGet loads a dispute by identifier.
func (s *EntityStore) DisputeGet(id types.Hash) (*escrow.Dispute, bool) {
	raw, err := s.db.Get(disputeKey(id))
	if err != nil {
		return nil, false
	}
	var d escrow.Dispute
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return &d, true
}

// AuctionPut persists the listing when its stored sequence still matches.
func (s *EntityStore) AuctionPut(a *auction.Auction, expectedSeq uint64) error {
	clone, err := auction.SanitizeAuction(a)
	if err != nil {
		return errors.Validationf(moduleName, "%v", err)
	}
	seq, err := s.putConditional(auctionKey(clone.ID), clone.ID.Hex(), expectedSeq, func(seq uint64) ([]byte, error) {
		clone.Sequence = seq
		return json.Marshal(clone)
	})
	if err != nil {
		return err
	}
	a.Sequence = seq
	return nil
}

// AuctionGet loads a listing by identifier.
func (s *EntityStore) AuctionGet(id types.Hash) (*auction.Auction, bool) {
	raw, err := s.db.Get(auctionKey(id))
	if err != nil {
		return nil, false
	}
	var a auction.Auction
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false
	}
	return &a, true
}

// AuctionList returns every stored listing. Projections sort; the store does
// not promise an order beyond the key walk.
func (s *EntityStore) AuctionList() []*auction.Auction {
	var out []*auction.Auction
	_ = s.db.IteratePrefix(auctionPrefix, func(key, value []byte) bool {
		var a auction.Auction
		if err := json.Unmarshal(value, &a); err == nil {
			out = append(out, &a)
		}
		return true
	})
	return out
}

// VaultAddress derives the module vault for a token. The address is the
// truncated keccak256 of a fixed domain tag and the token symbol, so every
// node computes the same custody account without storing it.
func (s *EntityStore) VaultAddress(token string) (types.Address, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return types.Address{}, errors.Validationf(moduleName, "%v", err)
	}
	digest := ethcrypto.Keccak256Hash([]byte("vault/"), []byte(normalized))
	var addr types.Address
	copy(addr[:], digest[12:])
	return addr, nil
}

// SetEntropySeed records the latest ledger entropy beacon. The auction
// engine reads it when closing candle listings.
func (s *EntityStore) SetEntropySeed(seed types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(entropyKey, seed[:]); err != nil {
		return errors.Ledgerf(moduleName, err, "write entropy seed")
	}
	return nil
}

// EntropySeed returns the recorded ledger entropy beacon.
func (s *EntityStore) EntropySeed() (types.Hash, error) {
	raw, err := s.db.Get(entropyKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return types.Hash{}, errors.Statef(moduleName, "entropy seed not yet observed")
		}
		return types.Hash{}, errors.Ledgerf(moduleName, err, "read entropy seed")
	}
	var seed types.Hash
	copy(seed[:], raw)
	return seed, nil
}
