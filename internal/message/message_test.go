package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/simulation"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestEveryOutboundMessageCarriesTimestamp(t *testing.T) {
	rec := simulation.Record{Sender: "lnd-alice", Receiver: "lnd-bob", Amount: 50000}

	msgs := []Message{
		NewTransaction(rec, 1, 10, testNow),
		NewNoSimulation("no files", testNow),
		NewAllSimulations([]string{"a.csv"}, testNow),
		NewSimulationSwitched("a.csv", true, testNow),
		NewSimulationReset(testNow),
		NewConnectionStatus("connected", "c1", "", testNow),
		NewError("boom", "internal", testNow),
		NewPing(testNow),
		NewPong(testNow),
		NewNoPredictions(testNow),
	}

	for _, m := range msgs {
		data, err := Encode(m)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "2025-06-01T12:00:00Z", raw["timestamp"], "kind %s", m.MessageKind())
		assert.NotEmpty(t, raw["type"], "kind %s", m.MessageKind())
	}
}

func TestParseRoundTrip(t *testing.T) {
	rec := simulation.Record{Timestamp: "2025-06-01T11:59:00Z", Sender: "lnd-alice", Receiver: "lnd-bob", Amount: 50000, Success: true}
	data, err := Encode(NewTransaction(rec, 3, 10, testNow))
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	tx, ok := parsed.(*Transaction)
	require.True(t, ok)
	assert.Equal(t, KindTransaction, tx.MessageKind())
	assert.Equal(t, 3, tx.Current)
	assert.Equal(t, 10, tx.Total)
	assert.Equal(t, "lnd-alice", tx.Record.Sender)
	assert.Equal(t, 50000.0, tx.Record.Amount)
}

func TestParseSwitchSimulation(t *testing.T) {
	parsed, err := Parse([]byte(`{"type":"switch_simulation","file":"lightning_simulation_2.csv","isUserSelected":true}`))
	require.NoError(t, err)

	sw, ok := parsed.(*SwitchSimulation)
	require.True(t, ok)
	assert.Equal(t, "lightning_simulation_2.csv", sw.File)
	assert.True(t, sw.UserSelected)
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"channel_teleport"}`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestParseRejectsMissingType(t *testing.T) {
	_, err := Parse([]byte(`{"data":{}}`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"type":"ping"`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestPeekKind(t *testing.T) {
	kind, err := PeekKind([]byte(`{"type":"pong","timestamp":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, KindPong, kind)

	_, err = PeekKind([]byte(`not json`))
	require.Error(t, err)
}

func TestControlClassification(t *testing.T) {
	assert.True(t, IsControl(KindPing))
	assert.True(t, IsControl(KindPong))
	assert.True(t, IsControl(KindConnectionStatus))
	assert.False(t, IsControl(KindTransaction))
	assert.False(t, IsControl(KindSwitchSimulation))
}

func TestDroppableClassification(t *testing.T) {
	assert.True(t, IsDroppable(KindRequestLatest))
	assert.False(t, IsDroppable(KindSwitchSimulation))
	assert.False(t, IsDroppable(KindTransaction))
}

func TestUpstreamErrorCarriesTargetAndAttempts(t *testing.T) {
	data, err := Encode(NewUpstreamError("upstream retries exhausted", "ws://localhost:8768", 3, testNow))
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	e, ok := parsed.(*Error)
	require.True(t, ok)
	assert.Equal(t, "ws://localhost:8768", e.Target)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "upstream_unavailable", e.Code)
}
