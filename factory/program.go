/*
Package factory converts admin-authored JSON/YAML into program configuration.

PURPOSE:
  Slab sets, fee rules and vendor settings are edited by admins, stored as
  documents and loaded at startup from a seed file. The factory turns those
  documents into generic types and validates them before anything is saved,
  so a malformed slab set is rejected at the edge instead of failing the
  nightly batch.

DOCUMENT SCHEMA (YAML shown, JSON uses the same keys):
  settings:
    signup_bonus_amount: 50
    min_withdrawal_amount: 200
    min_instant_transfer_amount: 100
  slab_sets:
    - name: daily
      kind: entry_count
      slabs:
        - {min: 0,   max: 49, reward: 0,  label: starter}
        - {min: 50,  max: 99, reward: 20, label: silver}
        - {min: 100,          reward: 50, label: gold}
  fee_rules:
    - owner_id: vendor-1
      kind: slab
      slabs:
        - {min_order_value: 0,   value: 5}
        - {min_order_value: 500, value: 15}

  Numbers may be written bare or quoted; both are parsed as decimals so
  "0.01" never goes through float64.

USAGE:
  program, err := factory.LoadProgram("config/program.yaml")
  err = factory.Apply(ctx, store, program)

SEE ALSO:
  - generic/slab.go: SlabSet.Validate
  - fees/fees.go: ValidateRule
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/incentive-ledger/fees"
	"github.com/warp/incentive-ledger/generic"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// Number is a decimal literal that accepts bare or quoted JSON/YAML values.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = ""
		return nil
	}
	*n = Number(strings.Trim(s, `"`))
	return nil
}

func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	*n = Number(node.Value)
	return nil
}

func (n Number) decimal(field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %q is not a number", field, string(n))
	}
	return d, nil
}

func (n Number) amount(field string) (generic.Amount, error) {
	if n == "" {
		return generic.ZeroAmount(), nil
	}
	d, err := n.decimal(field)
	return generic.AmountOf(d), err
}

func numberOf(d decimal.Decimal) Number { return Number(d.String()) }

type SlabJSON struct {
	Min    Number  `json:"min" yaml:"min"`
	Max    *Number `json:"max,omitempty" yaml:"max,omitempty"`
	Reward Number  `json:"reward" yaml:"reward"`
	Label  string  `json:"label" yaml:"label"`
}

type SlabSetJSON struct {
	Name  string     `json:"name" yaml:"name"`
	Kind  string     `json:"kind" yaml:"kind"`
	Slabs []SlabJSON `json:"slabs" yaml:"slabs"`
}

type FeeBracketJSON struct {
	MinOrderValue Number `json:"min_order_value" yaml:"min_order_value"`
	Value         Number `json:"value" yaml:"value"`
}

type FeeRuleJSON struct {
	OwnerID       string           `json:"owner_id" yaml:"owner_id"`
	Kind          string           `json:"kind" yaml:"kind"`
	Value         Number           `json:"value,omitempty" yaml:"value,omitempty"`
	MinOrderValue Number           `json:"min_order_value,omitempty" yaml:"min_order_value,omitempty"`
	Slabs         []FeeBracketJSON `json:"slabs,omitempty" yaml:"slabs,omitempty"`
	IsExempt      bool             `json:"is_exempt,omitempty" yaml:"is_exempt,omitempty"`
}

type SettingsJSON struct {
	SignupBonusAmount        Number `json:"signup_bonus_amount" yaml:"signup_bonus_amount"`
	MinWithdrawalAmount      Number `json:"min_withdrawal_amount" yaml:"min_withdrawal_amount"`
	MinInstantTransferAmount Number `json:"min_instant_transfer_amount" yaml:"min_instant_transfer_amount"`
}

// ProgramJSON is a full seed document.
type ProgramJSON struct {
	Settings *SettingsJSON `json:"settings,omitempty" yaml:"settings,omitempty"`
	SlabSets []SlabSetJSON `json:"slab_sets,omitempty" yaml:"slab_sets,omitempty"`
	FeeRules []FeeRuleJSON `json:"fee_rules,omitempty" yaml:"fee_rules,omitempty"`
}

// Program is a parsed and validated seed document.
type Program struct {
	Settings *generic.VendorSettings
	SlabSets []generic.SlabSet
	FeeRules []generic.FeeRule
}

// =============================================================================
// SLAB SETS
// =============================================================================

// ParseSlabSet parses and validates one JSON slab set.
func ParseSlabSet(data []byte) (generic.SlabSet, error) {
	var sj SlabSetJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return generic.SlabSet{}, fmt.Errorf("parse slab set: %w", err)
	}
	return SlabSetFromJSON(sj)
}

// SlabSetFromJSON converts and validates. Every failure is a
// ConfigurationError naming the set.
func SlabSetFromJSON(sj SlabSetJSON) (generic.SlabSet, error) {
	set := generic.SlabSet{Name: sj.Name, Kind: generic.SlabKind(sj.Kind)}
	invalid := func(err error) error {
		return &generic.ConfigurationError{Subject: "slab set " + sj.Name, Reason: err.Error()}
	}
	if sj.Name == "" {
		return set, invalid(fmt.Errorf("name is required"))
	}
	for i, s := range sj.Slabs {
		field := fmt.Sprintf("slabs[%d]", i)
		lower, err := s.Min.decimal(field + ".min")
		if err != nil {
			return set, invalid(err)
		}
		reward, err := s.Reward.amount(field + ".reward")
		if err != nil {
			return set, invalid(err)
		}
		slab := generic.Slab{Min: lower, Reward: reward, Label: s.Label, Kind: set.Kind}
		if s.Max != nil && *s.Max != "" {
			upper, err := s.Max.decimal(field + ".max")
			if err != nil {
				return set, invalid(err)
			}
			slab.Max = &upper
		}
		set.Slabs = append(set.Slabs, slab)
	}
	if err := set.Validate(); err != nil {
		return set, err
	}
	return set, nil
}

func SlabSetToJSON(set generic.SlabSet) SlabSetJSON {
	sj := SlabSetJSON{Name: set.Name, Kind: string(set.Kind)}
	for _, s := range set.Slabs {
		out := SlabJSON{Min: numberOf(s.Min), Reward: numberOf(s.Reward.Value), Label: s.Label}
		if s.Max != nil {
			upper := numberOf(*s.Max)
			out.Max = &upper
		}
		sj.Slabs = append(sj.Slabs, out)
	}
	return sj
}

// =============================================================================
// FEE RULES AND SETTINGS
// =============================================================================

func FeeRuleFromJSON(fj FeeRuleJSON) (generic.FeeRule, error) {
	rule := generic.FeeRule{
		OwnerID:  generic.OwnerID(fj.OwnerID),
		Kind:     generic.FeeRuleKind(fj.Kind),
		IsExempt: fj.IsExempt,
	}
	invalid := func(err error) error {
		return &generic.ConfigurationError{Subject: "fee rule " + fj.OwnerID, Reason: err.Error()}
	}
	var err error
	if fj.Value != "" {
		if rule.Value, err = fj.Value.decimal("value"); err != nil {
			return rule, invalid(err)
		}
	}
	if rule.MinOrderValue, err = fj.MinOrderValue.amount("min_order_value"); err != nil {
		return rule, invalid(err)
	}
	for i, b := range fj.Slabs {
		field := fmt.Sprintf("slabs[%d]", i)
		minValue, err := b.MinOrderValue.amount(field + ".min_order_value")
		if err != nil {
			return rule, invalid(err)
		}
		value, err := b.Value.amount(field + ".value")
		if err != nil {
			return rule, invalid(err)
		}
		rule.Slabs = append(rule.Slabs, generic.FeeBracket{MinOrderValue: minValue, Value: value})
	}
	return rule, fees.ValidateRule(rule)
}

func FeeRuleToJSON(rule generic.FeeRule) FeeRuleJSON {
	fj := FeeRuleJSON{
		OwnerID:       string(rule.OwnerID),
		Kind:          string(rule.Kind),
		Value:         numberOf(rule.Value),
		MinOrderValue: numberOf(rule.MinOrderValue.Value),
		IsExempt:      rule.IsExempt,
	}
	for _, b := range rule.Slabs {
		fj.Slabs = append(fj.Slabs, FeeBracketJSON{MinOrderValue: numberOf(b.MinOrderValue.Value), Value: numberOf(b.Value.Value)})
	}
	return fj
}

func SettingsFromJSON(sj SettingsJSON) (generic.VendorSettings, error) {
	var (
		s   generic.VendorSettings
		err error
	)
	invalid := func(err error) error {
		return &generic.ConfigurationError{Subject: "vendor settings", Reason: err.Error()}
	}
	if s.SignupBonusAmount, err = sj.SignupBonusAmount.amount("signup_bonus_amount"); err != nil {
		return s, invalid(err)
	}
	if s.MinWithdrawalAmount, err = sj.MinWithdrawalAmount.amount("min_withdrawal_amount"); err != nil {
		return s, invalid(err)
	}
	if s.MinInstantTransferAmount, err = sj.MinInstantTransferAmount.amount("min_instant_transfer_amount"); err != nil {
		return s, invalid(err)
	}
	for name, a := range map[string]generic.Amount{
		"signup_bonus_amount":         s.SignupBonusAmount,
		"min_withdrawal_amount":       s.MinWithdrawalAmount,
		"min_instant_transfer_amount": s.MinInstantTransferAmount,
	} {
		if a.IsNegative() {
			return s, invalid(fmt.Errorf("%s must not be negative", name))
		}
	}
	return s, nil
}

func SettingsToJSON(s generic.VendorSettings) SettingsJSON {
	return SettingsJSON{
		SignupBonusAmount:        numberOf(s.SignupBonusAmount.Value),
		MinWithdrawalAmount:      numberOf(s.MinWithdrawalAmount.Value),
		MinInstantTransferAmount: numberOf(s.MinInstantTransferAmount.Value),
	}
}

// =============================================================================
// PROGRAM DOCUMENTS
// =============================================================================

// ParseProgram parses a YAML or JSON seed document. JSON is valid YAML, so
// one decoder serves both.
func ParseProgram(data []byte) (Program, error) {
	var pj ProgramJSON
	if err := yaml.Unmarshal(data, &pj); err != nil {
		return Program{}, fmt.Errorf("parse program: %w", err)
	}
	return ProgramFromJSON(pj)
}

func LoadProgram(path string) (Program, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Program{}, fmt.Errorf("read program %s: %w", path, err)
	}
	return ParseProgram(data)
}

func ProgramFromJSON(pj ProgramJSON) (Program, error) {
	var p Program
	if pj.Settings != nil {
		s, err := SettingsFromJSON(*pj.Settings)
		if err != nil {
			return p, err
		}
		p.Settings = &s
	}
	seen := make(map[string]bool)
	for _, sj := range pj.SlabSets {
		if seen[sj.Name] {
			return p, &generic.ConfigurationError{Subject: "slab set " + sj.Name, Reason: "defined twice"}
		}
		seen[sj.Name] = true
		set, err := SlabSetFromJSON(sj)
		if err != nil {
			return p, err
		}
		p.SlabSets = append(p.SlabSets, set)
	}
	for _, fj := range pj.FeeRules {
		rule, err := FeeRuleFromJSON(fj)
		if err != nil {
			return p, err
		}
		p.FeeRules = append(p.FeeRules, rule)
	}
	return p, nil
}

// Apply saves a validated program. It is safe to re-apply.
func Apply(ctx context.Context, store generic.ConfigStore, p Program) error {
	if p.Settings != nil {
		if err := store.SaveVendorSettings(ctx, *p.Settings); err != nil {
			return fmt.Errorf("save vendor settings: %w", err)
		}
	}
	for _, set := range p.SlabSets {
		if err := store.SaveSlabSet(ctx, set); err != nil {
			return fmt.Errorf("save slab set %s: %w", set.Name, err)
		}
	}
	for _, rule := range p.FeeRules {
		if err := store.SaveFeeRule(ctx, rule); err != nil {
			return fmt.Errorf("save fee rule %s: %w", rule.OwnerID, err)
		}
	}
	return nil
}

// DefaultProgramYAML is the demo program used by the scenarios and the
// "seed" command when no file is given.
const DefaultProgramYAML = `
settings:
  signup_bonus_amount: 50
  min_withdrawal_amount: 200
  min_instant_transfer_amount: 100
slab_sets:
  - name: daily
    kind: entry_count
    slabs:
      - {min: 0, max: 49, reward: 0, label: starter}
      - {min: 50, max: 99, reward: 20, label: silver}
      - {min: 100, reward: 50, label: gold}
  - name: monthly
    kind: entry_count
    slabs:
      - {min: 0, max: 999, reward: 0, label: starter}
      - {min: 1000, max: 2999, reward: 200, label: silver}
      - {min: 3000, reward: 750, label: gold}
  - name: rental
    kind: volume
    slabs:
      - {min: 0, max: "99999.99", reward: 0, label: none}
      - {min: 100000, max: "499999.99", reward: 500, label: rental}
      - {min: 500000, reward: 1500, label: rental_plus}
`
