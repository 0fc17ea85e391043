package consensus

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrNoObservations is returned when a median is requested over an empty or zero-stake set.
var ErrNoObservations = errors.New("consensus: no stake-weighted observations")

var half = decimal.New(5, -1)

// Observation is one reporter's value for one asset together with the reporter's stake.
type Observation struct {
	Reporter common.Address
	Seq      uint64
	Value    decimal.Decimal
	Stake    decimal.Decimal
}

// WeightedMedian sorts observations by value and returns the value at which cumulative stake
// first reaches half of the total. When the cumulative stake lands exactly on the half-way point
// the boundary values are averaged, which reduces to the usual even-length median for equal stakes.
// Ties on value are ordered by reporter address so the result only depends on the inputs.
func WeightedMedian(obs []Observation) (decimal.Decimal, error) {
	sorted := make([]Observation, 0, len(obs))
	total := decimal.Zero
	for _, o := range obs {
		if o.Stake.Sign() <= 0 {
			continue
		}
		sorted = append(sorted, o)
		total = total.Add(o.Stake)
	}
	if len(sorted) == 0 {
		return decimal.Decimal{}, ErrNoObservations
	}
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Value.Cmp(sorted[j].Value); c != 0 {
			return c < 0
		}
		return bytes.Compare(sorted[i].Reporter.Bytes(), sorted[j].Reporter.Bytes()) < 0
	})

	cumulative := decimal.Zero
	for i, o := range sorted {
		cumulative = cumulative.Add(o.Stake)
		doubled := cumulative.Add(cumulative)
		switch doubled.Cmp(total) {
		case 0:
			if i+1 < len(sorted) {
				return o.Value.Add(sorted[i+1].Value).Mul(half), nil
			}
			return o.Value, nil
		case 1:
			return o.Value, nil
		}
	}
	return sorted[len(sorted)-1].Value, nil
}
