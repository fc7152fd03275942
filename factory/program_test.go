package factory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/generic/store"
)

func TestParseSlabSet_JSON(t *testing.T) {
	data := []byte(`{
		"name": "daily",
		"kind": "entry_count",
		"slabs": [
			{"min": 0, "max": 49, "reward": 0, "label": "starter"},
			{"min": "50", "max": "99", "reward": "20", "label": "silver"},
			{"min": 100, "reward": 50, "label": "gold"}
		]
	}`)

	set, err := ParseSlabSet(data)

	require.NoError(t, err)
	require.Len(t, set.Slabs, 3)
	assert.Nil(t, set.Slabs[2].Max)
	assert.True(t, set.Slabs[1].Reward.Equal(generic.NewAmountFromInt(20)))

	slab, err := generic.Resolve(set, decimal.NewFromInt(75))
	require.NoError(t, err)
	assert.Equal(t, "silver", slab.Label)
}

func TestParseSlabSet_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"gap":          `{"name":"d","kind":"entry_count","slabs":[{"min":0,"max":49,"reward":0},{"min":51,"reward":5}]}`,
		"bounded last": `{"name":"d","kind":"entry_count","slabs":[{"min":0,"max":49,"reward":0}]}`,
		"bad number":   `{"name":"d","kind":"entry_count","slabs":[{"min":"ten","reward":0}]}`,
		"unknown kind": `{"name":"d","kind":"weight","slabs":[{"min":0,"reward":0}]}`,
		"no name":      `{"kind":"entry_count","slabs":[{"min":0,"reward":0}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSlabSet([]byte(doc))
			assert.ErrorIs(t, err, generic.ErrConfiguration)
		})
	}
}

func TestParseSlabSet_NotJSON(t *testing.T) {
	_, err := ParseSlabSet([]byte("{"))
	assert.Error(t, err)
}

func TestSlabSetJSON_RoundTrip(t *testing.T) {
	p, err := ParseProgram([]byte(DefaultProgramYAML))
	require.NoError(t, err)

	for _, set := range p.SlabSets {
		back, err := SlabSetFromJSON(SlabSetToJSON(set))
		require.NoError(t, err, set.Name)
		assert.Equal(t, len(set.Slabs), len(back.Slabs))
	}
}

func TestParseProgram_DefaultDocument(t *testing.T) {
	p, err := ParseProgram([]byte(DefaultProgramYAML))
	require.NoError(t, err)

	require.NotNil(t, p.Settings)
	assert.Equal(t, "200.00", p.Settings.MinWithdrawalAmount.String())
	assert.Len(t, p.SlabSets, 3)

	rental := p.SlabSets[2]
	assert.Equal(t, generic.SlabVolume, rental.Kind)
	slab, err := generic.Resolve(rental, decimal.NewFromInt(120000))
	require.NoError(t, err)
	assert.True(t, slab.Reward.Equal(generic.NewAmountFromInt(500)))
}

func TestParseProgram_FeeRules(t *testing.T) {
	doc := `
fee_rules:
  - owner_id: vendor-1
    kind: slab
    slabs:
      - {min_order_value: 0, value: 5}
      - {min_order_value: 500, value: "15.50"}
  - owner_id: vendor-2
    kind: percentage
    value: "0.025"
`
	p, err := ParseProgram([]byte(doc))
	require.NoError(t, err)
	require.Len(t, p.FeeRules, 2)
	assert.Equal(t, generic.FeeSlab, p.FeeRules[0].Kind)
	assert.Equal(t, "15.50", p.FeeRules[0].Slabs[1].Value.String())
	assert.True(t, p.FeeRules[1].Value.Equal(decimal.RequireFromString("0.025")))
}

func TestParseProgram_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate set": `
slab_sets:
  - {name: daily, kind: entry_count, slabs: [{min: 0, reward: 0}]}
  - {name: daily, kind: entry_count, slabs: [{min: 0, reward: 0}]}`,
		"percentage above one": `
fee_rules:
  - {owner_id: v, kind: percentage, value: 3}`,
		"negative setting": `
settings: {signup_bonus_amount: -1, min_withdrawal_amount: 0, min_instant_transfer_amount: 0}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProgram([]byte(doc))
			assert.ErrorIs(t, err, generic.ErrConfiguration)
		})
	}
}

func TestApply(t *testing.T) {
	// GIVEN: the default program
	p, err := ParseProgram([]byte(DefaultProgramYAML))
	require.NoError(t, err)
	mem := store.NewMemory()
	ctx := context.Background()

	// WHEN: applying twice
	require.NoError(t, Apply(ctx, mem, p))
	require.NoError(t, Apply(ctx, mem, p))

	// THEN: the store holds each set once and the settings
	sets, err := mem.ListSlabSets(ctx)
	require.NoError(t, err)
	assert.Len(t, sets, 3)
	settings, err := mem.GetVendorSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "50.00", settings.SignupBonusAmount.String())
}

func TestFeeRuleJSON_RoundTrip(t *testing.T) {
	rule := generic.FeeRule{
		OwnerID: "vendor-1",
		Kind:    generic.FeeFixed,
		Value:   decimal.NewFromInt(12),
	}
	back, err := FeeRuleFromJSON(FeeRuleToJSON(rule))
	require.NoError(t, err)
	assert.True(t, back.Value.Equal(rule.Value))
	assert.Equal(t, rule.Kind, back.Kind)
}
