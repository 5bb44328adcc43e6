package orders

import (
	"context"
	"sort"

	"cosmossdk.io/math"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/ledger"
)

// HoldingView is one active holding contract of a party.
type HoldingView struct {
	ContractID string         `json:"contractId"`
	Symbol     string         `json:"symbol"`
	Amount     math.LegacyDec `json:"amount"`
	Locked     bool           `json:"locked,omitempty"`
}

// BalanceView is the derived balance of a party: free amounts per symbol plus
// the holdings they come from.
type BalanceView struct {
	Available map[string]math.LegacyDec `json:"available"`
	Holdings  []HoldingView             `json:"holdings"`
}

// Balances sums a party's unlocked holdings per symbol. Locked holdings are
// listed but excluded from the available totals.
func (s *Service) Balances(ctx context.Context, party string) (*BalanceView, error) {
	contracts, err := s.gw.QueryActive(ctx, s.operator, s.tmpl.Holding)
	if err != nil {
		return nil, err
	}

	view := &BalanceView{Available: make(map[string]math.LegacyDec)}
	for _, c := range contracts {
		h, err := ledger.DecodePayload[book.Holding](c.Payload)
		if err != nil {
			return nil, err
		}
		if h.Owner != party {
			continue
		}
		view.Holdings = append(view.Holdings, HoldingView{
			ContractID: c.ContractID,
			Symbol:     h.Symbol,
			Amount:     h.Amount,
			Locked:     h.Locked,
		})
		if h.Locked {
			continue
		}
		sum, ok := view.Available[h.Symbol]
		if !ok {
			sum = math.LegacyZeroDec()
		}
		view.Available[h.Symbol] = sum.Add(h.Amount)
	}
	sort.Slice(view.Holdings, func(i, j int) bool {
		a, b := view.Holdings[i], view.Holdings[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.ContractID < b.ContractID
	})
	return view, nil
}
