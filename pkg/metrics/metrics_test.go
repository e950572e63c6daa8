package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExposition(t *testing.T) {
	m := New("perps")
	m.RecordSettlement()
	m.RecordDeposit()
	m.RecordLiquidation(40, 8893)
	m.RecordDebtPayment(900)
	m.SetOpenAccounts(3)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, "perps_settlements_total 1")
	assert.Contains(t, body, "perps_deposits_total 1")
	assert.Contains(t, body, "perps_liquidation_calls_total 1")
	assert.Contains(t, body, "perps_liquidated_size_total 40")
	assert.Contains(t, body, "perps_debt_paid_total 900")
	assert.Contains(t, body, "perps_open_accounts 3")
}

func TestIsolatedRegistries(t *testing.T) {
	a := New("a")
	b := New("b")
	a.RecordSettlement()

	// Registering the same namespace twice on a shared registry would
	// panic; private registries keep instances independent.
	assert.NotPanics(t, func() { _ = New("a") })
	_ = b
}
