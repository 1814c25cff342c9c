package valuation

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func rat(s string) *big.Rat {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		panic("invalid rat " + s)
	}
	return r
}

func TestScoreCryptoIO(t *testing.T) {
	// crypto.io: A=10, D=10, K=9.4, R=98.2, V=9820 USD.
	v := Score(DomainMetrics{
		Name:             "crypto.io",
		TLD:              "io",
		NameLength:       6,
		YearsOnChain:     rat("2.5"),
		YearsUntilExpiry: rat("8"),
		ActiveOffers:     12,
		LivePriceUSD:     rat("10000"),
	})
	require.True(t, v.HasValue)
	require.Equal(t, 0, v.DomaRank.Cmp(rat("98.2")), "rank %s", v.DomaRank.FloatString(4))
	require.Equal(t, 0, v.USD.Cmp(rat("9820")), "usd %s", v.USD.FloatString(4))
	expectedWei, _ := new(big.Int).SetString("9820000000000000000000", 10)
	require.Equal(t, 0, v.Wei.Cmp(expectedWei), "wei %s", v.Wei)
}

func TestScoreDeterministic(t *testing.T) {
	m := DomainMetrics{
		Name:             "vault.xyz",
		TLD:              "xyz",
		NameLength:       5,
		YearsOnChain:     rat("0.75"),
		YearsUntilExpiry: rat("3.2"),
		ActiveOffers:     3,
		LivePriceUSD:     rat("123.456"),
	}
	first := Score(m)
	for i := 0; i < 5; i++ {
		again := Score(m)
		require.Equal(t, 0, first.DomaRank.Cmp(again.DomaRank))
		require.Equal(t, 0, first.Wei.Cmp(again.Wei))
	}
}

func TestScoreZeroAgeAndOffers(t *testing.T) {
	v := Score(DomainMetrics{
		Name:             "example.com",
		TLD:              "com",
		NameLength:       7,
		YearsOnChain:     rat("0"),
		YearsUntilExpiry: rat("2"),
		ActiveOffers:     0,
		LivePriceUSD:     rat("100"),
	})
	// A = 0 + min(2,5) = 2, D = 0.
	require.True(t, v.HasValue)
	// K = 0.5*10 + 0.3*4 + 0.2*7 = 7.6; R = 4 + 0 + 22.8 = 26.8.
	require.Equal(t, 0, v.DomaRank.Cmp(rat("26.8")), "rank %s", v.DomaRank.FloatString(4))
}

func TestScoreZeroPriceSkipped(t *testing.T) {
	v := Score(DomainMetrics{
		Name:         "crypto.com",
		TLD:          "com",
		NameLength:   6,
		ActiveOffers: 5,
		LivePriceUSD: rat("0"),
	})
	require.False(t, v.HasValue)
	require.Equal(t, 0, v.Wei.Sign())
}

func TestScoreSubWeiValueSkipped(t *testing.T) {
	v := Score(DomainMetrics{
		Name:             "x.com",
		TLD:              "com",
		NameLength:       1,
		YearsOnChain:     rat("1"),
		YearsUntilExpiry: rat("1"),
		ActiveOffers:     1,
		LivePriceUSD:     rat("1/100000000000000000000"),
	})
	require.False(t, v.HasValue)
}

func TestLengthBoundaries(t *testing.T) {
	cases := []struct {
		length int
		want   string
	}{
		{1, "10"},
		{5, "10"},
		{6, "7"},
		{10, "7"},
		{11, "4"},
	}
	for _, tc := range cases {
		k := keywordScore(DomainMetrics{Name: "zzzz", TLD: "com", NameLength: tc.length})
		// K = 0.5*10 + 0.3*4 + 0.2*length
		want := new(big.Rat).Add(rat("6.2"), new(big.Rat).Mul(rat("0.2"), rat(tc.want)))
		require.Equal(t, 0, k.Cmp(want), "length %d: got %s", tc.length, k.FloatString(4))
	}
}

func TestUnknownTLDScore(t *testing.T) {
	k := keywordScore(DomainMetrics{Name: "zzzz", TLD: "museum", NameLength: 4})
	// K = 0.5*5 + 0.3*4 + 0.2*10 = 5.7
	require.Equal(t, 0, k.Cmp(rat("5.7")), "got %s", k.FloatString(4))
}

func TestRoundHalfEven(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1.5", 2},
		{"2.5", 2},
		{"3.5", 4},
		{"2.4", 2},
		{"2.6", 3},
		{"0", 0},
	}
	for _, tc := range cases {
		got := roundHalfEven(rat(tc.in))
		require.Equal(t, tc.want, got.Int64(), "round(%s)", tc.in)
	}
}

func TestBaseUnitRoundTrip(t *testing.T) {
	for _, value := range []string{"0", "1", "1.5", "0.00000001", "9820", "123.456", "1000000000000000000"} {
		raw, err := ToBaseUnit(value, 8)
		require.NoError(t, err, value)
		require.Equal(t, value, FromBaseUnit(raw, 8), value)
	}
}

func TestToBaseUnitRejectsExcessPrecision(t *testing.T) {
	if _, err := ToBaseUnit("1.123456789", 8); err == nil {
		t.Fatalf("expected precision error")
	}
}

func TestRatFromBaseUnit(t *testing.T) {
	price := RatFromBaseUnit(big.NewInt(1_000_000_000_000), 8)
	require.Equal(t, 0, price.Cmp(rat("10000")))
}
