// Package features derives the per-transaction feature rows consumed by the
// spontaneous-purchase classifier and lays them out as a table whose columns
// follow the model bundle's feature list.
package features

import "math"

// Feature names produced by the Deriver.
const (
	DayOfWeek          = "day_of_week"
	IsWeekend          = "is_weekend"
	TransactionHour    = "transaction_hour"
	AmountNormalized   = "amount_normalized"
	MerchantFrequency  = "merchant_frequency"
	CategoryFrequency  = "category_frequency"
	BalanceBefore      = "balance_before"
	IsHighRiskMerchant = "is_high_risk_merchant"
	DeltaTimePrevious  = "delta_time_previous"
	MCCEncoded         = "mcc_encoded"
)

// Names lists every feature the Deriver can produce.
var Names = []string{
	DayOfWeek,
	IsWeekend,
	TransactionHour,
	AmountNormalized,
	MerchantFrequency,
	CategoryFrequency,
	BalanceBefore,
	IsHighRiskMerchant,
	DeltaTimePrevious,
	MCCEncoded,
}

// MissingMCC is the mcc_encoded value of transactions without an MCC.
const MissingMCC = -1

// Missing is the in-table marker for a missing value.
var Missing = math.NaN()

// IsMissing reports whether v marks a missing value.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// Row is the derived feature record of one transaction. Missing values are NaN.
type Row struct {
	DayOfWeek          float64
	IsWeekend          float64
	TransactionHour    float64
	AmountNormalized   float64
	MerchantFrequency  float64
	CategoryFrequency  float64
	BalanceBefore      float64
	IsHighRiskMerchant float64
	DeltaTimePrevious  float64
	MCCEncoded         float64
}

// Value returns the named feature. Unknown names report false.
func (r Row) Value(name string) (float64, bool) {
	switch name {
	case DayOfWeek:
		return r.DayOfWeek, true
	case IsWeekend:
		return r.IsWeekend, true
	case TransactionHour:
		return r.TransactionHour, true
	case AmountNormalized:
		return r.AmountNormalized, true
	case MerchantFrequency:
		return r.MerchantFrequency, true
	case CategoryFrequency:
		return r.CategoryFrequency, true
	case BalanceBefore:
		return r.BalanceBefore, true
	case IsHighRiskMerchant:
		return r.IsHighRiskMerchant, true
	case DeltaTimePrevious:
		return r.DeltaTimePrevious, true
	case MCCEncoded:
		return r.MCCEncoded, true
	}
	return Missing, false
}

// IsKnown reports whether the Deriver produces the named feature.
func IsKnown(name string) bool {
	_, ok := Row{}.Value(name)
	return ok
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
