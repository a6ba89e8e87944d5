package numerics

import (
	"fmt"
	"math"
)

// Compounding constants. The r floor guards the log domain: any per-trade
// return r <= -1+CompoundingRFloorEps means the equity path crossed zero and
// the whole decision is invalid.
const (
	CompoundingRFloorEps     = 1e-6
	Log1pSwitchThreshold     = 0.01
	VarianceDragCriticalFrac = 0.35
	TradesPerYearDefault     = 140
	TargetReturnAnnualDefault = 0.12
)

// DomainViolationError is raised when a computation leaves its mathematical
// domain (log of non-positive growth, negative variance denominator). It is
// the only error type allowed to cross a gate boundary; the pipeline edge
// converts it into an EMERGENCY reject.
type DomainViolationError struct {
	Op     string
	Value  float64
	Detail string
}

func (e *DomainViolationError) Error() string {
	return fmt.Sprintf("numerical domain violation in %s: value=%v (%s)", e.Op, e.Value, e.Detail)
}

// SafeLogReturn computes log(1+r) using log1p for small |r|. Returns a
// DomainViolationError when r <= -1+CompoundingRFloorEps.
func SafeLogReturn(r float64) (float64, error) {
	if !IsValid(r) {
		return 0, &DomainViolationError{Op: "safe_log_return", Value: r, Detail: "non-finite return"}
	}
	if r <= -1+CompoundingRFloorEps {
		return 0, &DomainViolationError{Op: "safe_log_return", Value: r, Detail: "return at or below -100%"}
	}
	if math.Abs(r) < Log1pSwitchThreshold {
		return math.Log1p(r), nil
	}
	return math.Log(1 + r), nil
}

// CompoundEquity computes terminal equity from E0 through the return series
// in log space: log(E) = log(E0) + sum(log(1+r_k)).
func CompoundEquity(initial float64, returns []float64) (float64, error) {
	if initial <= 0 {
		return 0, &DomainViolationError{Op: "compound_equity", Value: initial, Detail: "initial equity must be positive"}
	}
	logE := math.Log(initial)
	for i, r := range returns {
		lr, err := SafeLogReturn(r)
		if err != nil {
			return 0, fmt.Errorf("return[%d]: %w", i, err)
		}
		logE += lr
	}
	return math.Exp(logE), nil
}

// VarianceDrag measures the gap between arithmetic and geometric mean return
// per trade, annualized by tradesPerYear.
type VarianceDrag struct {
	PerTrade  float64 `json:"per_trade"`
	Annual    float64 `json:"annual"`
	Critical  bool    `json:"critical"`
	CritFrac  float64 `json:"critical_frac"`
	TargetAnn float64 `json:"target_return_annual"`
}

// ComputeVarianceDrag computes drag = mean(r) - (exp(mean(log(1+r))) - 1).
// Critical is set when the annualized drag exceeds
// VarianceDragCriticalFrac * targetReturnAnnual; the DRP may escalate to
// DEFENSIVE on that signal.
func ComputeVarianceDrag(returns []float64, tradesPerYear, targetReturnAnnual float64) (VarianceDrag, error) {
	if len(returns) == 0 {
		return VarianceDrag{}, nil
	}
	var sum, logSum float64
	for i, r := range returns {
		lr, err := SafeLogReturn(r)
		if err != nil {
			return VarianceDrag{}, fmt.Errorf("return[%d]: %w", i, err)
		}
		sum += r
		logSum += lr
	}
	n := float64(len(returns))
	arith := sum / n
	geo := math.Exp(logSum/n) - 1
	drag := arith - geo
	annual := drag * tradesPerYear
	return VarianceDrag{
		PerTrade:  drag,
		Annual:    annual,
		Critical:  annual > VarianceDragCriticalFrac*targetReturnAnnual,
		CritFrac:  VarianceDragCriticalFrac,
		TargetAnn: targetReturnAnnual,
	}, nil
}
