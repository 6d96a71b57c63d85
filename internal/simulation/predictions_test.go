package simulation

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
)

const predictionsCSV = `channel_id,balance_ratio,predicted_optimal_ratio,adjustment_needed
alice_bob,0.3,0.5,0.2
bob_carol,0.8,0.5,-0.3
`

func TestLoadLatestPredictionsEmptyDir(t *testing.T) {
	preds, path, err := LoadLatestPredictions(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, preds)
	assert.Empty(t, path)
}

func TestLoadLatestPredictionsParsesNewest(t *testing.T) {
	dir := t.TempDir()
	older := writeFile(t, dir, "predictions_001.csv", "channel_id\nstale_channel\n")
	newest := writeFile(t, dir, "predictions_002.csv", predictionsCSV)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	preds, path, err := LoadLatestPredictions(dir)
	require.NoError(t, err)
	assert.Equal(t, newest, path)
	require.Len(t, preds, 2)
	assert.Equal(t, Prediction{
		ChannelID:        "alice_bob",
		BalanceRatio:     0.3,
		OptimalRatio:     0.5,
		AdjustmentNeeded: 0.2,
	}, preds[0])
	assert.Equal(t, -0.3, preds[1].AdjustmentNeeded)
}

func TestLoadLatestPredictionsMissingChannelColumn(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "predictions_001.csv", "balance_ratio,adjustment_needed\n0.3,0.2\n")

	_, _, err := LoadLatestPredictions(dir)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestLoadLatestPredictionsNoRows(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "predictions_001.csv", "channel_id,balance_ratio\n")

	_, _, err := LoadLatestPredictions(dir)
	require.Error(t, err)
}
