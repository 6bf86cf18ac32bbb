package auction

import "testing"

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"english":    TypeEnglish,
		" Dutch ":    TypeDutch,
		"sealed_bid": TypeSealedBid,
		"reverse":    TypeReverse,
		"candle":     TypeCandle,
	}
	for in, want := range cases {
		got, err := ParseType(in)
		if err != nil || got != want {
			t.Fatalf("ParseType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseType("vickrey"); err == nil {
		t.Fatalf("unknown type accepted")
	}
}

func TestConfigValidatePerType(t *testing.T) {
	now := int64(1_000)

	dutch := Config{
		Type:             TypeDutch,
		StartingPrice:    3 * unitAmount,
		ReservePrice:     1 * unitAmount,
		MinimumIncrement: 100_000_000,
		DutchInterval:    600,
		PaymentToken:     "USDM",
		StartTime:        now,
		Duration:         7_200,
	}
	if err := dutch.Validate(now); err != nil {
		t.Fatalf("valid dutch rejected: %v", err)
	}
	badReserve := dutch
	badReserve.ReservePrice = 4 * unitAmount
	if err := badReserve.Validate(now); err == nil {
		t.Fatalf("dutch reserve above start accepted")
	}
	noInterval := dutch
	noInterval.DutchInterval = 0
	if err := noInterval.Validate(now); err == nil {
		t.Fatalf("dutch without interval accepted")
	}

	candle := Config{
		Type:             TypeCandle,
		StartingPrice:    500_000_000,
		MinimumIncrement: 50_000_000,
		PaymentToken:     "USDM",
		StartTime:        now,
		Duration:         3_600,
		CandleWindow:     1_800,
	}
	if err := candle.Validate(now); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}
	wideWindow := candle
	wideWindow.CandleWindow = 7_200
	if err := wideWindow.Validate(now); err == nil {
		t.Fatalf("candle window beyond duration accepted")
	}

	softOnDutch := dutch
	softOnDutch.ExtensionTrigger = 300
	softOnDutch.ExtensionTime = 600
	softOnDutch.MaxExtensions = 2
	if err := softOnDutch.Validate(now); err == nil {
		t.Fatalf("soft close on dutch accepted")
	}

	multi := candle
	multi.MultiWinner = MultiWinner{Enabled: true, MaxWinners: 1, Selection: SelectionHighestBids}
	if err := multi.Validate(now); err == nil {
		t.Fatalf("single-winner multi config accepted")
	}
}
