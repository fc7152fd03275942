package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
)

func TestScenarios_AllPass(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			result, err := RunScenario(context.Background(), s.ID, zerolog.Nop())

			require.NoError(t, err)
			assert.True(t, result.Passed, result.Error)
			assert.NotEmpty(t, result.Steps)
		})
	}
}

func TestScenario_RentalBalance(t *testing.T) {
	result, err := RunScenario(context.Background(), "rental-proration", zerolog.Nop())

	require.NoError(t, err)
	assert.Equal(t, "300.00", result.Balances["vendor-rental"])
}

func TestScenario_BulkResult(t *testing.T) {
	result, err := RunScenario(context.Background(), "bulk-partial-failure", zerolog.Nop())

	require.NoError(t, err)
	batch, ok := result.Result.(generic.BatchResult)
	require.True(t, ok)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, "150.00", result.Balances["vendor-a"])
	assert.Equal(t, "100.00", result.Balances["vendor-b"])
	assert.Equal(t, "150.00", result.Balances["vendor-c"])
}

func TestScenario_Unknown(t *testing.T) {
	_, err := RunScenario(context.Background(), "nope", zerolog.Nop())

	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestScenarioHandlers(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = a.do(t, http.MethodPost, "/api/scenarios/instant-payout-minimum/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[ScenarioResultDTO](t, rec)
	assert.True(t, result.Passed, result.Error)

	// The sandbox never writes to the server's store
	rec = a.do(t, http.MethodGet, "/api/wallets/vendor-instant", nil)
	assert.Equal(t, "0.00", decode[AccountDTO](t, rec).Balance)
}
