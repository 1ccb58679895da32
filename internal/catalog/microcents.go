package catalog

import "fmt"

// Microcents is the currency unit for all cost arithmetic: one millionth of
// a cent. Integer math end to end; convert to dollars only when reporting.
type Microcents int64

const (
	// MicrocentsPerCent is the number of microcents in one cent.
	MicrocentsPerCent Microcents = 1_000_000
	// MicrocentsPerDollar is the number of microcents in one dollar.
	MicrocentsPerDollar Microcents = 100 * MicrocentsPerCent
)

// FromDollars converts a dollar amount to microcents, rounding to the
// nearest microcent.
func FromDollars(d float64) Microcents {
	if d < 0 {
		return 0
	}
	return Microcents(d*float64(MicrocentsPerDollar) + 0.5)
}

// Dollars converts to dollars at the reporting boundary.
func (m Microcents) Dollars() float64 {
	return float64(m) / float64(MicrocentsPerDollar)
}

// Cents converts to cents at the reporting boundary.
func (m Microcents) Cents() float64 {
	return float64(m) / float64(MicrocentsPerCent)
}

// String renders a human-readable dollar amount for logs.
func (m Microcents) String() string {
	return fmt.Sprintf("$%.6f", m.Dollars())
}
