package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFloatRoundsToFourDecimals(t *testing.T) {
	assert.Equal(t, Amount(50000), FromFloat(5.00))
	assert.Equal(t, Amount(2500), FromFloat(0.25))
	assert.Equal(t, Amount(1), FromFloat(0.00006))
	assert.Equal(t, Amount(0), FromFloat(0.00004))
	assert.Equal(t, Amount(-1), FromFloat(-0.00006))
}

func TestDecimalAndString(t *testing.T) {
	assert.Equal(t, "0.0001", Amount(1).Decimal())
	assert.Equal(t, "5.0100", Amount(50100).Decimal())
	assert.Equal(t, "-0.2500", Amount(-2500).Decimal())
	assert.Equal(t, "$0.3000", Amount(3000).String())
	assert.Equal(t, "-$1.0000", Amount(-10000).String())
}

func TestRemainingNeverNegative(t *testing.T) {
	assert.Equal(t, Amount(0), Remaining(FromFloat(5), FromFloat(5.01)))
	assert.Equal(t, FromFloat(1), Remaining(FromFloat(5), FromFloat(4)))
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 0.8, Ratio(FromFloat(4), FromFloat(5)), 1e-9)
	assert.Equal(t, 0.0, Ratio(FromFloat(4), 0))
}

func TestJSON(t *testing.T) {
	var doc struct {
		Cost Amount `json:"cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"cost":0.1163}`), &doc))
	assert.Equal(t, Amount(1163), doc.Cost)
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cost":0.1163}`, string(out))
}

func TestScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan(int64(42)))
	assert.Equal(t, Amount(42), a)
	require.NoError(t, a.Scan([]byte("1200")))
	assert.Equal(t, Amount(1200), a)
	require.NoError(t, a.Scan("77.0"))
	assert.Equal(t, Amount(77), a)
	require.NoError(t, a.Scan(nil))
	assert.Equal(t, Amount(0), a)
	assert.Error(t, a.Scan(true))
}
