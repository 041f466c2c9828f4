package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/crdt"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/vclock"
)

func validEvent() Event {
	return Event{
		EventID:        "ev-1",
		IdempotencyKey: Key("key-1"),
		AggregateID:    "product/42",
		DeviceID:       "A",
		Clock:          vclock.Clock{"A": 1},
		Type:           TypeDelta,
		Payload: Payload{
			Field: "name",
			Delta: crdt.RegisterDelta{Value: ir.IRString("Milk"), Timestamp: 100, TieBreak: "A"},
		},
		OccurredAt: 1700000000000,
	}
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	ev := validEvent()
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev, got)
}

func TestEvent_NullIdempotencyKey(t *testing.T) {
	ev := validEvent()
	ev.IdempotencyKey = nil
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"idempotency_key":null`)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Nil(t, got.IdempotencyKey)
	assert.Equal(t, "", got.Key())
}

func TestDecodeBatch(t *testing.T) {
	batch, err := DecodeBatch([]byte(`[{
		"event_id": "e1",
		"idempotency_key": "k1",
		"aggregate_id": "cash_session/s1",
		"device_id": "A",
		"clock": {"A": 1},
		"type": "field.delta",
		"payload": {"field": "cash_in_bs", "delta": {"kind": "pncounter", "data": {"device": "A", "increment": 100}}},
		"occurred_at": 1
	}]`))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].Validate())
	assert.Equal(t, crdt.KindPNCounter, batch[0].Payload.Delta.Kind())

	_, err = DecodeBatch([]byte(`{"not":"an array"}`))
	assert.Error(t, err)
}

func TestEvent_Validate(t *testing.T) {
	require.NoError(t, validEvent().Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
		want   string
	}{
		{"missing id", func(e *Event) { e.EventID = "" }, "event_id"},
		{"blank key", func(e *Event) { e.IdempotencyKey = Key(" ") }, "idempotency_key"},
		{"bad aggregate", func(e *Event) { e.AggregateID = "product" }, "aggregate"},
		{"missing device", func(e *Event) { e.DeviceID = "" }, "device_id"},
		{"clock not ticked by device", func(e *Event) { e.Clock = vclock.Clock{"B": 3} }, "tick"},
		{"missing field", func(e *Event) { e.Payload.Field = "" }, "field"},
		{"missing delta", func(e *Event) { e.Payload.Delta = nil }, "delta"},
		{"invalid delta", func(e *Event) {
			e.Payload.Delta = crdt.PNCounterDelta{}
		}, "pncounter"},
		{"unknown type", func(e *Event) { e.Type = "field.patch" }, "type"},
		{"resolution on delta", func(e *Event) {
			e.Payload.Resolution = &Resolution{ConflictID: "c1", Decision: KeepMine}
		}, "resolution"},
		{"resolution missing", func(e *Event) { e.Type = TypeResolution }, "resolution"},
		{"resolution bad decision", func(e *Event) {
			e.Type = TypeResolution
			e.Payload.Resolution = &Resolution{ConflictID: "c1", Decision: "merge"}
		}, "decision"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestEvent_ValidateResolution(t *testing.T) {
	ev := validEvent()
	ev.Type = TypeResolution
	ev.Payload.Resolution = &Resolution{ConflictID: "c1", Decision: TakeTheirs}
	assert.NoError(t, ev.Validate())

	ev.Payload.Delta = crdt.ORSetDelta{Op: crdt.SetAdd, Element: "x", Tag: "t"}
	assert.Error(t, ev.Validate())
}

func TestParseAggregate(t *testing.T) {
	agg, err := ParseAggregate("cash_session/2024-01/7")
	require.NoError(t, err)
	assert.Equal(t, "cash_session", agg.Kind)
	assert.Equal(t, "2024-01/7", agg.ID)
	assert.Equal(t, "cash_session/2024-01/7", agg.String())

	for _, bad := range []string{"", "product", "/42", "product/"} {
		_, err := ParseAggregate(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "sale/9", AggregateID("sale", "9"))
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("take_theirs")
	require.NoError(t, err)
	assert.Equal(t, TakeTheirs, d)
	_, err = ParseDecision("both")
	assert.Error(t, err)
}

func TestGenerators(t *testing.T) {
	seq := NewSequenceGenerator("ev")
	assert.Equal(t, "ev-1", seq.Generate())
	assert.Equal(t, "ev-2", seq.Generate())

	a := UUIDv7Generator{}.Generate()
	b := UUIDv7Generator{}.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
