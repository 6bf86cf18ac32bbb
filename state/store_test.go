package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agentmarket/core/errors"
	"agentmarket/core/types"
	"agentmarket/native/auction"
	"agentmarket/native/escrow"
	"agentmarket/storage"
)

func testAddr(b byte) types.Address {
	var addr types.Address
	addr[19] = b
	return addr
}

func testEscrow(id byte) *escrow.Escrow {
	return &escrow.Escrow{
		ID:          types.Hash{id},
		Depositor:   testAddr(0x01),
		Beneficiary: testAddr(0x02),
		Token:       "USDM",
		Amount:      1_000,
		CreatedAt:   100,
		Deadline:    200,
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	store := NewEntityStore(storage.NewMemDB())
	esc := testEscrow(0x01)
	require.NoError(t, store.EscrowPut(esc, 0))
	require.Equal(t, uint64(1), esc.Sequence)

	got, ok := store.EscrowGet(esc.ID)
	require.True(t, ok)
	require.Equal(t, esc.Amount, got.Amount)
	require.Equal(t, "USDM", got.Token)
	require.Equal(t, uint64(1), got.Sequence)

	_, ok = store.EscrowGet(types.Hash{0xFF})
	require.False(t, ok)
}

func TestConditionalPutRejectsStaleSequence(t *testing.T) {
	store := NewEntityStore(storage.NewMemDB())
	esc := testEscrow(0x01)
	require.NoError(t, store.EscrowPut(esc, 0))

	first, _ := store.EscrowGet(esc.ID)
	second, _ := store.EscrowGet(esc.ID)

	first.Status = escrow.StatusFunded
	require.NoError(t, store.EscrowPut(first, first.Sequence))

	second.Status = escrow.StatusCancelled
	err := store.EscrowPut(second, 1)
	require.True(t, errors.IsKind(err, errors.KindState), "second writer won the race: %v", err)

	got, _ := store.EscrowGet(esc.ID)
	require.Equal(t, escrow.StatusFunded, got.Status)
	require.Equal(t, uint64(2), got.Sequence)

	err = store.EscrowPut(testEscrow(0x02), 7)
	require.True(t, errors.IsKind(err, errors.KindState), "create with nonzero sequence accepted")
}

func TestAuctionListAndRoundTrip(t *testing.T) {
	store := NewEntityStore(storage.NewMemDB())
	for i := byte(1); i <= 3; i++ {
		a := &auction.Auction{
			ID:     types.Hash{i},
			Seller: testAddr(0x01),
			Config: auction.Config{
				Type:             auction.TypeEnglish,
				StartingPrice:    100,
				MinimumIncrement: 10,
				PaymentToken:     "USDM",
				StartTime:        100,
				Duration:         1_000,
			},
			Status:       auction.StatusActive,
			CurrentPrice: 100,
			CreatedAt:    100,
			EndTime:      1_100,
		}
		require.NoError(t, store.AuctionPut(a, 0))
	}
	require.Len(t, store.AuctionList(), 3)

	got, ok := store.AuctionGet(types.Hash{2})
	require.True(t, ok)
	require.Equal(t, uint64(100), got.Config.StartingPrice)
}

func TestDisputeRoundTrip(t *testing.T) {
	store := NewEntityStore(storage.NewMemDB())
	d := &escrow.Dispute{
		ID:       types.Hash{0x0A},
		EscrowID: types.Hash{0x01},
		Type:     escrow.DisputeQualityIssue,
		Phases:   []string{"evidence_review", "quality_assessment", "resolution"},
		OpenedAt: 100,
		Status:   escrow.DisputeOpen,
	}
	require.NoError(t, store.DisputePut(d, 0))

	got, ok := store.DisputeGet(d.ID)
	require.True(t, ok)
	require.Equal(t, escrow.DisputeQualityIssue, got.Type)
	require.Len(t, got.Phases, 3)
}

func TestVaultAddressDeterministic(t *testing.T) {
	store := NewEntityStore(storage.NewMemDB())
	a, err := store.VaultAddress("USDM")
	require.NoError(t, err)
	b, err := store.VaultAddress(" usdm ")
	require.NoError(t, err)
	require.Equal(t, a, b, "vault address not canonical")

	other, err := store.VaultAddress("AGM")
	require.NoError(t, err)
	require.NotEqual(t, a, other, "distinct tokens share a vault")

	_, err = store.VaultAddress("no pe")
	require.True(t, errors.IsKind(err, errors.KindValidation), "invalid token accepted: %v", err)
}

func TestEntropySeed(t *testing.T) {
	store := NewEntityStore(storage.NewMemDB())
	_, err := store.EntropySeed()
	require.True(t, errors.IsKind(err, errors.KindState), "missing seed should be a state error: %v", err)

	seed := types.Hash{0x42}
	require.NoError(t, store.SetEntropySeed(seed))

	got, err := store.EntropySeed()
	require.NoError(t, err)
	require.Equal(t, seed, got)
}
