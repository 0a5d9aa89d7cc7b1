package tools

// CostTable maps cost classes to pre-authorization estimates.
type CostTable map[CostClass]float64

// DefaultCostTable returns the built-in estimates in monetary units.
func DefaultCostTable() CostTable {
	return CostTable{
		CostFree:     0,
		CostLow:      0.01,
		CostMedium:   0.05,
		CostHigh:     0.25,
		CostDelegate: 0.01,
	}
}

// Estimate returns the estimate for class. Unknown classes fall back to the
// medium estimate.
func (t CostTable) Estimate(class CostClass) float64 {
	if v, ok := t[class]; ok {
		return v
	}
	if class == "" {
		if v, ok := t[CostLow]; ok {
			return v
		}
	}
	if v, ok := t[CostMedium]; ok {
		return v
	}
	return DefaultCostTable()[CostMedium]
}

// Merge returns a copy of t with the entries of o applied on top.
func (t CostTable) Merge(o CostTable) CostTable {
	out := make(CostTable, len(t)+len(o))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range o {
		out[k] = v
	}
	return out
}
