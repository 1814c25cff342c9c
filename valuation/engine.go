// Package valuation scores fractional domain tokens. The engine is a pure
// function: fixed inputs yield bit-identical outputs across runs and
// machines. All arithmetic runs on big.Rat; no float64 intermediates.
package valuation

import (
	"math/big"
	"strings"
)

var (
	two     = big.NewRat(2, 1)
	five    = big.NewRat(5, 1)
	ten     = big.NewRat(10, 1)
	hundred = big.NewRat(100, 1)

	weiPerUSD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	// Valuations below one wei of USD are reported as "no valuation" rather
	// than silently rounding to zero.
	minUSD = new(big.Rat).SetFrac(big.NewInt(1), new(big.Int).Set(weiPerUSD))
)

var tldScores = map[string]int64{
	"com": 10,
	"io":  10,
	"ai":  10,
	"net": 9,
	"org": 9,
	"xyz": 8,
}

const unknownTLDScore = 5

var premiumKeywords = []string{"crypto", "nft", "defi", "web3", "dao", "ai"}

// DomainMetrics is the per-token input to the engine.
type DomainMetrics struct {
	Name             string
	TLD              string
	NameLength       int
	YearsOnChain     *big.Rat
	YearsUntilExpiry *big.Rat
	ActiveOffers     int
	LivePriceUSD     *big.Rat
}

// Valuation is the engine output. HasValue is false when the USD value falls
// under the representable wei floor; such tokens must be skipped downstream.
type Valuation struct {
	DomaRank *big.Rat
	USD      *big.Rat
	Wei      *big.Int
	HasValue bool
}

// Score computes the DomaRank and risk-adjusted USD valuation for one token.
func Score(m DomainMetrics) Valuation {
	age := ageScore(m.YearsOnChain, m.YearsUntilExpiry)
	demand := demandScore(m.ActiveOffers)
	keyword := keywordScore(m)

	// DomaRank = clamp(2A + 5D + 3K, 0, 100)
	rank := new(big.Rat).Mul(two, age)
	rank.Add(rank, new(big.Rat).Mul(five, demand))
	rank.Add(rank, new(big.Rat).Mul(big.NewRat(3, 1), keyword))
	rank = clamp(rank, new(big.Rat), hundred)

	price := m.LivePriceUSD
	if price == nil {
		price = new(big.Rat)
	}
	usd := new(big.Rat).Mul(price, new(big.Rat).Quo(rank, hundred))
	if usd.Sign() <= 0 || usd.Cmp(minUSD) < 0 {
		return Valuation{DomaRank: rank, USD: usd, Wei: new(big.Int), HasValue: false}
	}
	wei := roundHalfEven(new(big.Rat).Mul(usd, new(big.Rat).SetInt(weiPerUSD)))
	return Valuation{DomaRank: rank, USD: usd, Wei: wei, HasValue: true}
}

// ageScore = min(yearsOnChain*2, 5) + min(yearsUntilExpiry, 5), in [0,10].
func ageScore(onChain, untilExpiry *big.Rat) *big.Rat {
	a := new(big.Rat)
	if onChain != nil {
		a.Add(a, capAt(new(big.Rat).Mul(onChain, two), five))
	}
	if untilExpiry != nil {
		a.Add(a, capAt(new(big.Rat).Set(untilExpiry), five))
	}
	return clamp(a, new(big.Rat), ten)
}

// demandScore = min(activeOffers*2, 10).
func demandScore(offers int) *big.Rat {
	if offers <= 0 {
		return new(big.Rat)
	}
	return capAt(big.NewRat(int64(offers)*2, 1), ten)
}

// keywordScore = 0.5*tld + 0.3*keyword + 0.2*length, in [0,10].
func keywordScore(m DomainMetrics) *big.Rat {
	tld := int64(unknownTLDScore)
	if score, ok := tldScores[strings.ToLower(strings.TrimSpace(m.TLD))]; ok {
		tld = score
	}
	keyword := int64(4)
	name := strings.ToLower(m.Name)
	for _, kw := range premiumKeywords {
		if strings.Contains(name, kw) {
			keyword = 10
			break
		}
	}
	length := int64(4)
	switch {
	case m.NameLength <= 5:
		length = 10
	case m.NameLength <= 10:
		length = 7
	}
	k := new(big.Rat).Mul(big.NewRat(1, 2), big.NewRat(tld, 1))
	k.Add(k, new(big.Rat).Mul(big.NewRat(3, 10), big.NewRat(keyword, 1)))
	k.Add(k, new(big.Rat).Mul(big.NewRat(1, 5), big.NewRat(length, 1)))
	return k
}

func capAt(v, max *big.Rat) *big.Rat {
	if v.Cmp(max) > 0 {
		return new(big.Rat).Set(max)
	}
	return v
}

func clamp(v, lo, hi *big.Rat) *big.Rat {
	if v.Cmp(lo) < 0 {
		return new(big.Rat).Set(lo)
	}
	if v.Cmp(hi) > 0 {
		return new(big.Rat).Set(hi)
	}
	return v
}

// roundHalfEven rounds a non-negative rational to the nearest integer,
// breaking ties toward the even neighbour.
func roundHalfEven(r *big.Rat) *big.Int {
	quo, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	rem.Abs(rem)
	doubled := rem.Lsh(rem, 1)
	switch doubled.Cmp(r.Denom()) {
	case 1:
		quo.Add(quo, big.NewInt(1))
	case 0:
		if quo.Bit(0) == 1 {
			quo.Add(quo, big.NewInt(1))
		}
	}
	return quo
}
