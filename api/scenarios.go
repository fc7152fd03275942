/*
scenarios.go - Demo scenarios for walkthroughs and smoke tests

PURPOSE:
  Each scenario builds a throwaway ledger (in-memory store, fixed clock,
  the default program from factory.DefaultProgramYAML), drives the real
  engine through one documented flow and checks the outcome. Running a
  scenario never touches the server's own store, so it is safe against a
  production deployment.

AVAILABLE SCENARIOS:
  daily-incentive:        75 entries → ₹20 pending, re-run keeps one row
  rental-proration:       ₹500 slab × 18/30 successful days = ₹300
  instant-payout-minimum: ₹80 request under the ₹100 minimum is refused
  bulk-partial-failure:   one drained wallet does not stop the other two

USAGE VIA API:
  GET  /api/scenarios
  POST /api/scenarios/{id}/run

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' with ID, name, description and run function
  2. Return an error from run when the outcome is not the documented one
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/incentive-ledger/factory"
	"github.com/warp/incentive-ledger/fees"
	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/generic/store"
	"github.com/warp/incentive-ledger/incentive"
	"github.com/warp/incentive-ledger/rental"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	run func(ctx context.Context, env *scenarioEnv) (any, error)
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "daily-incentive",
			Name:        "Daily Incentive",
			Description: "75 paid orders in one day reach the ₹20 tier; re-running the job keeps a single entry",
		},
		run: runDailyIncentiveScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "rental-proration",
			Name:        "Rental Proration",
			Description: "₹1,20,000 monthly volume earns the ₹500 rental slab, prorated to 18 of 30 days",
		},
		run: runRentalScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "instant-payout-minimum",
			Name:        "Instant Payout Minimum",
			Description: "An ₹80 instant payout is refused below the ₹100 minimum and balances stay put",
		},
		run: runInstantMinimumScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "bulk-partial-failure",
			Name:        "Bulk Approval With One Failure",
			Description: "Three redemptions approved in bulk; the one whose wallet was drained fails alone",
		},
		run: runBulkScenario,
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// RunScenario runs one scenario in a sandbox and reports the outcome. A
// scenario whose check fails still answers 200 with passed=false.
// POST /api/scenarios/{id}/run
func (h *Handler) RunScenario(w http.ResponseWriter, r *http.Request) {
	result, err := RunScenario(r.Context(), chi.URLParam(r, "id"), h.svc.Logger)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunScenario looks up id and runs it against a fresh sandbox.
func RunScenario(ctx context.Context, id string, logger zerolog.Logger) (ScenarioResultDTO, error) {
	for _, s := range scenarios {
		if s.ID != id {
			continue
		}
		env, err := newScenarioEnv(ctx, logger)
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		out := ScenarioResultDTO{ID: id}
		result, runErr := s.run(ctx, env)
		out.Steps = env.steps
		out.Result = result
		out.Balances = env.balances(ctx)
		out.Passed = runErr == nil
		if runErr != nil {
			out.Error = runErr.Error()
		}
		return out, nil
	}
	return ScenarioResultDTO{}, fmt.Errorf("scenario %q: %w", id, generic.ErrNotFound)
}

// =============================================================================
// SANDBOX
// =============================================================================

// scenarioNow is the sandbox clock: mid-morning on 15 March 2025, UTC.
var scenarioNow = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

type scenarioEnv struct {
	svc    *Services
	runner *Runner
	owners []generic.OwnerID
	steps  []string
}

func newScenarioEnv(ctx context.Context, logger zerolog.Logger) (*scenarioEnv, error) {
	mem := store.NewMemory()
	program, err := factory.ParseProgram([]byte(factory.DefaultProgramYAML))
	if err != nil {
		return nil, err
	}
	if err := factory.Apply(ctx, mem, program); err != nil {
		return nil, err
	}

	cfg := incentive.DefaultConfig()
	cfg.Location = time.UTC
	svc := NewServices(mem, ServiceOptions{
		Incentives: cfg,
		Fees:       fees.DefaultConfig(),
		Location:   time.UTC,
		Logger:     logger.With().Str("scenario", "sandbox").Logger(),
		Now:        func() time.Time { return scenarioNow },
	})
	return &scenarioEnv{svc: svc, runner: NewRunner(svc)}, nil
}

func (e *scenarioEnv) step(format string, args ...any) {
	e.steps = append(e.steps, fmt.Sprintf(format, args...))
}

func (e *scenarioEnv) vendor(ctx context.Context, id string) (generic.OwnerID, error) {
	owner := generic.OwnerID(id)
	e.owners = append(e.owners, owner)
	err := e.svc.Store.SaveVendor(ctx, generic.Vendor{ID: owner, Name: id, CreatedAt: scenarioNow})
	e.step("created vendor %s", id)
	return owner, err
}

func (e *scenarioEnv) balances(ctx context.Context) map[string]string {
	out := make(map[string]string, len(e.owners))
	for _, owner := range e.owners {
		if acct, err := e.svc.Ledger.Account(ctx, owner); err == nil {
			out[string(owner)] = acct.Balance.String()
		}
	}
	return out
}

func expectAmount(what string, got generic.Amount, want string) error {
	if got.String() != want {
		return fmt.Errorf("%s: got ₹%s, want ₹%s", what, got, want)
	}
	return nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

func runDailyIncentiveScenario(ctx context.Context, env *scenarioEnv) (any, error) {
	owner, err := env.vendor(ctx, "vendor-daily")
	if err != nil {
		return nil, err
	}
	day := generic.LastCompletedDay(scenarioNow, time.UTC)
	start, _ := day.Range(time.UTC)
	for i := 0; i < 75; i++ {
		err := env.svc.Store.SaveOrder(ctx, generic.OrderCompleted{
			OrderID:   fmt.Sprintf("daily-%03d", i),
			OwnerID:   owner,
			Total:     generic.NewAmountFromInt(250),
			Status:    generic.OrderPaid,
			CreatedAt: start.Add(8*time.Hour + time.Duration(i)*time.Minute),
		})
		if err != nil {
			return nil, err
		}
	}
	env.step("recorded 75 paid orders on %s", day)

	for i := 1; i <= 2; i++ {
		if _, err := env.runner.Run(ctx, incentive.JobDailyIncentive, generic.DayKey(day)); err != nil {
			return nil, err
		}
		env.step("ran %s for %s (pass %d)", incentive.JobDailyIncentive, day, i)
	}

	entries, err := env.svc.Incentives.Entries(ctx, generic.EntryDaily, generic.ListFilter{OwnerID: owner, Period: generic.DayKey(day)})
	if err != nil {
		return nil, err
	}
	if len(entries) != 1 {
		return entries, fmt.Errorf("expected one daily entry, found %d", len(entries))
	}
	entry := entries[0]
	env.step("entry %s: %s entries, tier %s, reward ₹%s, %s", entry.ID, entry.MetricValue, entry.SlabLabel, entry.RewardAmount, entry.Status)
	if err := expectAmount("daily reward", entry.RewardAmount, "20.00"); err != nil {
		return toEntryDTO(entry), err
	}
	if entry.Status != generic.StatusPending {
		return toEntryDTO(entry), fmt.Errorf("entry status %s, want pending", entry.Status)
	}

	if _, err := env.runner.Run(ctx, incentive.JobSettleDaily, generic.DayKey(day)); err != nil {
		return nil, err
	}
	env.step("ran %s for %s", incentive.JobSettleDaily, day)
	balance, err := env.svc.Ledger.Balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	return toEntryDTO(entry), expectAmount("wallet after settlement", balance, "20.00")
}

func runRentalScenario(ctx context.Context, env *scenarioEnv) (any, error) {
	owner, err := env.vendor(ctx, "vendor-rental")
	if err != nil {
		return nil, err
	}
	month := generic.LastCompletedMonth(scenarioNow, time.UTC)
	start, _ := month.Range(time.UTC)
	for i, total := range []int64{70000, 50000} {
		err := env.svc.Store.SaveOrder(ctx, generic.OrderCompleted{
			OrderID:   fmt.Sprintf("rental-%d", i),
			OwnerID:   owner,
			Total:     generic.NewAmountFromInt(total),
			Status:    generic.OrderPaid,
			CreatedAt: start.Add(time.Duration(i+1) * 24 * time.Hour),
		})
		if err != nil {
			return nil, err
		}
	}
	env.step("recorded ₹1,20,000 of paid orders in %s", month)
	for i, d := range month.Days() {
		err := env.svc.Store.SaveDailyActivity(ctx, generic.DailyActivity{
			OwnerID:          owner,
			Day:              d,
			TransactionCount: 10,
			IsSuccessful:     i < 18,
		})
		if err != nil {
			return nil, err
		}
	}
	env.step("recorded 18 successful days in %s", month)

	if _, err := env.runner.Run(ctx, rental.JobRentalIncome, generic.MonthKey(month)); err != nil {
		return nil, err
	}
	payouts, err := env.svc.Rental.Payouts(ctx, generic.ListFilter{OwnerID: owner})
	if err != nil {
		return nil, err
	}
	if len(payouts) != 1 {
		return nil, fmt.Errorf("expected one rental payout, found %d", len(payouts))
	}
	p := payouts[0]
	env.step("payout %s: slab ₹%s × %d/30 = ₹%s", p.ID, p.SlabReward, p.SuccessfulDays, p.IncentiveAmount)
	if err := expectAmount("rental payout", p.IncentiveAmount, "300.00"); err != nil {
		return toRentalPayoutDTO(p), err
	}

	paid, err := env.svc.Rental.MarkPaid(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	env.step("marked payout paid")
	balance, err := env.svc.Ledger.Balance(ctx, owner)
	if err != nil {
		return nil, err
	}
	return toRentalPayoutDTO(paid), expectAmount("wallet after payout", balance, "300.00")
}

func runInstantMinimumScenario(ctx context.Context, env *scenarioEnv) (any, error) {
	owner, err := env.vendor(ctx, "vendor-instant")
	if err != nil {
		return nil, err
	}
	_, err = env.svc.Ledger.Post(ctx, generic.Posting{
		OwnerID:     owner,
		Type:        generic.TxCredit,
		Source:      generic.SourceCustomerPayment,
		Amount:      generic.NewAmountFromInt(80),
		Description: "Customer payment",
		Instant:     true,
	})
	if err != nil {
		return nil, err
	}
	env.step("credited ₹80 customer payment (instant eligible)")

	_, err = env.svc.Payouts.SubmitInstantPayout(ctx, owner, generic.NewAmountFromInt(80))
	if !errors.Is(err, generic.ErrBelowMinimum) {
		return nil, fmt.Errorf("expected below-minimum refusal, got %v", err)
	}
	env.step("instant payout of ₹80 refused: %s", generic.UserMessage(err))

	acct, err := env.svc.Ledger.Account(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := expectAmount("balance", acct.Balance, "80.00"); err != nil {
		return toAccountDTO(acct), err
	}
	return toAccountDTO(acct), expectAmount("instant balance", acct.EligibleInstantBalance, "80.00")
}

func runBulkScenario(ctx context.Context, env *scenarioEnv) (any, error) {
	var ids []string
	var owners []generic.OwnerID
	for _, id := range []string{"vendor-a", "vendor-b", "vendor-c"} {
		owner, err := env.vendor(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := env.svc.Ledger.Credit(ctx, owner, generic.NewAmountFromInt(300), "Opening balance"); err != nil {
			return nil, err
		}
		req, err := env.svc.Payouts.SubmitRedemption(ctx, owner, generic.RedeemCash, generic.NewAmountFromInt(150))
		if err != nil {
			return nil, err
		}
		env.step("%s requested a ₹%s cash redemption", id, req.Amount)
		ids = append(ids, req.ID)
		owners = append(owners, owner)
	}
	drained := owners[1]
	if _, err := env.svc.Ledger.Debit(ctx, drained, generic.NewAmountFromInt(200), "Chargeback"); err != nil {
		return nil, err
	}
	env.step("%s lost ₹200 to a chargeback before approval", drained)

	result := env.svc.Payouts.BulkDecide(ctx, ids, generic.DecisionApprove, "admin", "weekly redemption run")
	env.step("bulk approve: %d succeeded, %d failed", result.Succeeded, result.Failed)
	if result.Succeeded != 2 || result.Failed != 1 {
		return result, fmt.Errorf("expected 2 succeeded and 1 failed, got %d and %d", result.Succeeded, result.Failed)
	}
	if failed := result.Errors[0]; failed.ID != ids[1] || failed.Kind != generic.KindInsufficientBalance {
		return result, fmt.Errorf("failed item %s (%s), want %s (%s)", failed.ID, failed.Kind, ids[1], generic.KindInsufficientBalance)
	}
	req, err := env.svc.Payouts.Get(ctx, ids[1])
	if err != nil {
		return result, err
	}
	if !req.IsPending() {
		return result, fmt.Errorf("failed request is %s, want pending", req.Status)
	}
	env.step("%s's redemption stays pending", drained)
	return result, nil
}
