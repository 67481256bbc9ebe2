package calculator

import (
	"encoding/json"
	"testing"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDevices = map[string]string{
	"dev-meter": "site/meter",
	"dev-main":  "site/main",
	"dev-pdu-a": "site/pdu-a",
	"dev-pdu-b": "site/pdu-b",
}

func resolveTestDevice(id string) (string, bool) {
	topic, ok := testDevices[id]
	return topic, ok
}

func strPtr(s string) *string { return &s }

func billRow() models.CalcConfigRow {
	return models.CalcConfigRow{
		ID:             "c-bill",
		Kind:           models.CalcKindBill,
		Name:           "Energy bill",
		PublishTopic:   "metrics/bill",
		SourceDeviceID: strPtr("dev-meter"),
		SourceKey:      strPtr("energy"),
		RupiahRate:     1467,
		DollarRate:     0.09,
	}
}

func powerRow(kind models.CalcKind) models.CalcConfigRow {
	return models.CalcConfigRow{
		ID:           "c-" + string(kind),
		Kind:         kind,
		Name:         "Data hall " + string(kind),
		PublishTopic: "metrics/" + string(kind),
		MainPower:    []byte(`{"deviceId":"dev-main","key":"power"}`),
		PDUGroups: []byte(`[
			{"name":"PDU-A","deviceId":"dev-pdu-a","keys":["p1","p2"]},
			{"name":"PDU-B","deviceId":"dev-pdu-b","keys":["p1"]}
		]`),
	}
}

func seedPower(cache *telemetry.Cache, facility, a1, a2, b1 float64) {
	now := time.Now()
	cache.Put("site/main:power", facility, now)
	cache.Put("site/pdu-a:p1", a1, now)
	cache.Put("site/pdu-a:p2", a2, now)
	cache.Put("site/pdu-b:p1", b1, now)
}

func TestParse_Bill(t *testing.T) {
	calc, err := Parse(billRow(), resolveTestDevice)
	require.NoError(t, err)

	bill, ok := calc.(*Bill)
	require.True(t, ok)
	assert.Equal(t, models.CalcKindBill, bill.Kind())
	assert.Equal(t, "metrics/bill", bill.PublishTopic())
	assert.Equal(t, []SourceRef{{Topic: "site/meter", Key: "energy"}}, bill.RequiredSources())
}

func TestParse_PowerSources(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPUE), resolveTestDevice)
	require.NoError(t, err)

	assert.Equal(t, []SourceRef{
		{Topic: "site/main", Key: "power"},
		{Topic: "site/pdu-a", Key: "p1"},
		{Topic: "site/pdu-a", Key: "p2"},
		{Topic: "site/pdu-b", Key: "p1"},
	}, calc.RequiredSources())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.CalcConfigRow)
		errMsg string
	}{
		{"malformed pdu groups", func(r *models.CalcConfigRow) { r.PDUGroups = []byte(`[{"name":`) }, "failed to parse pdu_groups"},
		{"malformed main power", func(r *models.CalcConfigRow) { r.MainPower = []byte(`"dev-main"`) }, "failed to parse main_power"},
		{"missing main power", func(r *models.CalcConfigRow) { r.MainPower = nil }, "main_power is required"},
		{"incomplete main power", func(r *models.CalcConfigRow) { r.MainPower = []byte(`{"deviceId":"dev-main"}`) }, "requires deviceId and key"},
		{"unknown pdu device", func(r *models.CalcConfigRow) {
			r.PDUGroups = []byte(`[{"name":"X","deviceId":"dev-gone","keys":["p"]}]`)
		}, "unknown pdu device"},
		{"unknown kind", func(r *models.CalcConfigRow) { r.Kind = "COOLING" }, "unsupported kind"},
		{"no publish topic", func(r *models.CalcConfigRow) { r.PublishTopic = "" }, "publish_topic is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := powerRow(models.CalcKindPUE)
			tt.mutate(&row)
			calc, err := Parse(row, resolveTestDevice)
			assert.Nil(t, calc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParse_BillUnknownDevice(t *testing.T) {
	row := billRow()
	row.SourceDeviceID = strPtr("dev-unknown")

	_, err := Parse(row, resolveTestDevice)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device")
}

func TestBill_Compute(t *testing.T) {
	calc, err := Parse(billRow(), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	cache.Put("site/meter:energy", 2000, time.Now())

	result, err := calc.Compute(cache)
	require.NoError(t, err)

	bill := result.(BillResult)
	assert.Equal(t, 2000.0, bill.RawValue)
	assert.Equal(t, 2934.0, bill.RupiahCost)
	assert.Equal(t, 0.18, bill.DollarCost)
}

func TestPUE_Compute(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPUE), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	seedPower(cache, 1000, 150, 100, 150)

	result, err := calc.Compute(cache)
	require.NoError(t, err)

	pue := result.(PUEResult)
	assert.Equal(t, 1000.0, pue.TotalFacilityPower)
	assert.Equal(t, 400.0, pue.TotalItPower)
	assert.Equal(t, 2.5, pue.PUEValue)
	assert.Equal(t, []PowerDetail{{Name: "PDU-A", Value: 250}, {Name: "PDU-B", Value: 150}}, pue.ItPowerDetails)
}

func TestPUE_ZeroItPower(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPUE), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	seedPower(cache, 1000, 0, 0, 0)

	result, err := calc.Compute(cache)
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.(PUEResult).PUEValue)
}

func TestPowerAnalyzer_Compute(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPowerAnalyzer), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	seedPower(cache, 1000, 150, 100, 150)

	result, err := calc.Compute(cache)
	require.NoError(t, err)

	pa := result.(PowerAnalyzerResult)
	assert.Equal(t, "40.00%", pa.ItLoadPercentage)
	assert.Equal(t, 400.0, pa.TotalItPower)
}

func TestPowerAnalyzer_ZeroFacilityPower(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPowerAnalyzer), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	seedPower(cache, 0, 10, 10, 10)

	result, err := calc.Compute(cache)
	require.NoError(t, err)
	assert.Equal(t, "0.00%", result.(PowerAnalyzerResult).ItLoadPercentage)
}

func TestCompute_NotReady(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPUE), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	cache.Put("site/main:power", 1000, time.Now())

	_, err = calc.Compute(cache)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPUE_ResultJSON(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPUE), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	seedPower(cache, 1000, 150, 100, 150)

	result, err := calc.Compute(cache)
	require.NoError(t, err)

	b, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"totalFacilityPower": 1000,
		"totalItPower": 400,
		"pueValue": 2.5,
		"itPowerDetails": [{"name":"PDU-A","value":250},{"name":"PDU-B","value":150}]
	}`, string(b))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.01, round2(1.005))
	assert.Equal(t, 2934.0, round2(2*1467.0))
	assert.Equal(t, 0.3, round2(0.1+0.2))
	assert.Equal(t, -2.35, round2(-2.345))
}

func TestPowerAnalyzer_FractionalPercentage(t *testing.T) {
	calc, err := Parse(powerRow(models.CalcKindPowerAnalyzer), resolveTestDevice)
	require.NoError(t, err)

	cache := telemetry.NewCache()
	seedPower(cache, 3000, 500, 500, 0)

	result, err := calc.Compute(cache)
	require.NoError(t, err)
	assert.Equal(t, "33.33%", result.(PowerAnalyzerResult).ItLoadPercentage)
}

func TestCompute_NonFinite(t *testing.T) {
	now := time.Now()

	t.Run("pdu sum overflows", func(t *testing.T) {
		for _, kind := range []models.CalcKind{models.CalcKindPUE, models.CalcKindPowerAnalyzer} {
			calc, err := Parse(powerRow(kind), resolveTestDevice)
			require.NoError(t, err)
			cache := telemetry.NewCache()
			seedPower(cache, 1000, 1e308, 1e308, 150)

			_, err = calc.Compute(cache)
			assert.ErrorIs(t, err, ErrNonFinite, string(kind))
		}
	})

	t.Run("pue ratio overflows", func(t *testing.T) {
		calc, err := Parse(powerRow(models.CalcKindPUE), resolveTestDevice)
		require.NoError(t, err)
		cache := telemetry.NewCache()
		seedPower(cache, 1e300, 1e-10, 0, 0)

		_, err = calc.Compute(cache)
		assert.ErrorIs(t, err, ErrNonFinite)
	})

	t.Run("bill cost overflows", func(t *testing.T) {
		calc, err := Parse(billRow(), resolveTestDevice)
		require.NoError(t, err)
		cache := telemetry.NewCache()
		cache.Put("site/meter:energy", 1.7e308, now)

		_, err = calc.Compute(cache)
		assert.ErrorIs(t, err, ErrNonFinite)
	})
}
