package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oisentry/internal/model"
)

func TestDecodeTrigger_RoundTripsSavedFields(t *testing.T) {
	fields := map[string]string{
		"userId":                   "u1",
		"direction":                "up",
		"oiChangePercent":          "5.5",
		"timeIntervalMinutes":      "15",
		"notificationLimitSeconds": "60",
		"isActive":                 "true",
	}
	got, err := decodeTrigger("t1", fields)
	require.NoError(t, err)
	assert.Equal(t, model.Trigger{
		ID: "t1", UserID: "u1", Direction: model.DirectionUp,
		OIChangePercent: 5.5, TimeIntervalMinutes: 15,
		NotificationLimitSeconds: 60, IsActive: true,
	}, got)
}

func TestDecodeTrigger_RejectsMalformedNumericFields(t *testing.T) {
	_, err := decodeTrigger("t1", map[string]string{
		"oiChangePercent":     "not-a-number",
		"timeIntervalMinutes": "15",
	})
	assert.Error(t, err)

	_, err = decodeTrigger("t1", map[string]string{
		"oiChangePercent":     "5",
		"timeIntervalMinutes": "",
	})
	assert.Error(t, err)
}

func TestKeyHelpers_ScopePerOwnerAndSymbol(t *testing.T) {
	assert.Equal(t, "trigger:t1", triggerKey("t1"))
	assert.Equal(t, "triggers:user:u1", userTriggersKey("u1"))
	assert.Equal(t, "signals:t1:BTCUSDT", signalsKey("t1", "BTCUSDT"))
	assert.Equal(t, "signals:user:u1:BTCUSDT", userSignalsKey("u1", "BTCUSDT"))
	assert.Equal(t, "signals:symbol:BTCUSDT", symbolSignalsKey("BTCUSDT"))
}
