package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/incentive-ledger/generic"
)

func TestProrate(t *testing.T) {
	cases := []struct {
		name   string
		reward generic.Amount
		days   int
		want   generic.Amount
	}{
		{"no successful days", inr(500), 0, inr(0)},
		{"full month keeps reward exactly", generic.NewAmount(500.50), 30, generic.NewAmount(500.50)},
		{"18 of 30", inr(500), 18, inr(300)},
		{"29 of 30 floors", inr(500), 29, inr(483)},
		{"1 of 30 floors to zero", inr(20), 1, inr(0)},
		{"more than 30 clamps", inr(500), 31, inr(500)},
		{"negative clamps", inr(500), -3, inr(0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := generic.Prorate(tc.reward, tc.days)
			assert.True(t, got.Equal(tc.want), "got %s, want %s", got, tc.want)
		})
	}
}

func TestProrate_NeverExceedsReward(t *testing.T) {
	reward := generic.NewAmount(777.77)
	for days := 0; days <= 30; days++ {
		got := generic.Prorate(reward, days)
		if got.GreaterThan(reward) {
			t.Errorf("days=%d: prorated %s exceeds reward %s", days, got, reward)
		}
	}
}
