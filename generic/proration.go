package generic

import "github.com/shopspring/decimal"

// ProrationDenominator is the fixed month length rental income is prorated
// over, whatever the calendar length of the month.
const ProrationDenominator = 30

// ClampSuccessfulDays bounds a successful-day count to [0, ProrationDenominator].
func ClampSuccessfulDays(days int) int {
	if days < 0 {
		return 0
	}
	if days > ProrationDenominator {
		return ProrationDenominator
	}
	return days
}

// Prorate returns floor(reward × days / 30) in whole rupees. A full month
// returns the reward unchanged, paise included.
func Prorate(reward Amount, successfulDays int) Amount {
	days := ClampSuccessfulDays(successfulDays)
	switch days {
	case 0:
		return ZeroAmount()
	case ProrationDenominator:
		return reward
	}
	num := reward.Value.Mul(decimal.NewFromInt(int64(days)))
	q, _ := num.QuoRem(decimal.NewFromInt(ProrationDenominator), 0)
	return AmountOf(q)
}
