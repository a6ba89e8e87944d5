package prices

import (
	"github.com/shopspring/decimal"

	"github.com/riskgate/riskgate/internal/domain"
	"github.com/riskgate/riskgate/internal/numerics"
)

// LotRoundingEps compensates binary representation error before the floor in
// lot-step quantization, so 0.299999999 at step 0.1 yields 3 steps, not 2.
const LotRoundingEps = 1e-9

// PnLToR converts PnL in USD to R-units against the position's risk amount.
func PnLToR(pnlUSD, riskAmountUSD float64) float64 {
	return pnlUSD / numerics.DenomSafeSigned(riskAmountUSD, numerics.EpsCalc)
}

// RiskPct converts a USD risk amount to a fraction of equity.
func RiskPct(riskAmountUSD, equityUSD float64) float64 {
	return riskAmountUSD / numerics.DenomSafeUnsigned(equityUSD, numerics.EpsPrice)
}

// RiskUSD converts an equity fraction back to USD.
func RiskUSD(riskPct, equityUSD float64) float64 { return riskPct * equityUSD }

// QtyForRisk sizes a position so qty * unitRisk equals the USD risk budget.
func QtyForRisk(riskAmountUSD, unitRiskAllinNet float64) float64 {
	return riskAmountUSD / numerics.DenomSafeUnsigned(unitRiskAllinNet, AbsMinUnitRiskUSD)
}

// RoundQtyToLotStep floors qty to the lot step with epsilon compensation:
// steps = floor((qty + eps) / step). Quantization runs in decimal space so
// the result is exact at the exchange's step resolution.
func RoundQtyToLotStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	dq := decimal.NewFromFloat(qty + LotRoundingEps)
	ds := decimal.NewFromFloat(step)
	steps := dq.Div(ds).Floor()
	return steps.Mul(ds).InexactFloat64()
}

// RoundPriceConservative quantizes a price to the tick grid against the
// trader: LONG rounds entry up and tp/sl down, SHORT mirrors.
func RoundPriceConservative(price, tick float64, side domain.Direction, isEntry bool) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	dp := decimal.NewFromFloat(price)
	dt := decimal.NewFromFloat(tick)
	ratio := dp.Div(dt)
	roundUp := (side == domain.Long) == isEntry
	var steps decimal.Decimal
	if roundUp {
		steps = ratio.Ceil()
	} else {
		steps = ratio.Floor()
	}
	return steps.Mul(dt).InexactFloat64()
}
