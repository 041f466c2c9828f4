package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := Discover("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err)

		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(s.Steps))
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "concurrent_rename.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	a, err := Snapshot(s.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_TraceRecordsSyncAndRejections(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "stock_counter.yaml"))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	rejected := result.Trace[3]
	assert.Equal(t, OpIncrement, rejected.Op)
	assert.Contains(t, rejected.Error, "UNKNOWN_AGGREGATE")
	assert.Empty(t, rejected.Events)

	synced := result.Trace[4]
	assert.Equal(t, OpSync, synced.Op)
	assert.Equal(t, "devices=A,B acked=3 pulled=6", synced.Detail)

	// The refused aggregate never reaches the captured state.
	assert.NotContains(t, result.State["A"], "invoice/1")
}

func TestRun_FailedAssertions(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing
description: "Assertions that do not hold"
devices: [A, B]
steps:
  - {device: A, op: increment, aggregate: product/1, field: stock, amount: 2}
assertions:
  - {type: value, aggregate: product/1, field: stock, expect: 2}
  - {type: converged, aggregate: product/1}
  - {type: outbox, on: [A], pending: 0}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	joined := strings.Join(result.Errors, "\n")
	// Only A applied the increment: B and the authority still read null.
	assert.Contains(t, joined, "Assertion failed: value on B")
	assert.Contains(t, joined, "Assertion failed: value on authority")
	assert.NotContains(t, joined, "value on A")
	assert.Contains(t, joined, "Assertion failed: converged")
	assert.Contains(t, joined, "pending=1 dead=0")
}

func TestRun_UnexpectedOutcome(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
description: "A refused write without reject and an accepted write with reject"
devices: [A]
steps:
  - {device: A, op: set, aggregate: invoice/1, field: total, value: 1}
  - {device: A, op: set, aggregate: product/1, field: name, value: Milk, reject: MALFORMED_DELTA}
  - {device: A, op: increment, aggregate: product/1, field: name, amount: 1, reject: MALFORMED_DELTA}
assertions:
  - {type: value, on: [A], aggregate: product/1, field: name, expect: Milk}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Contains(t, result.Errors[1], "write succeeded")
	// A helper misuse is not an ingest rejection.
	assert.Contains(t, result.Errors[2], "expected rejection MALFORMED_DELTA")
}

func TestRun_UnknownNodeLabel(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_label
description: "Removing a node that was never labelled"
devices: [A]
steps:
  - {device: A, op: remove_node, aggregate: sale/1, field: lines, node: ghost}
assertions:
  - {type: event_count, aggregate: sale/1, count: 0}
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Trace[0].Error, `unknown node label "ghost"`)
}

func TestSnapshot_Format(t *testing.T) {
	result := NewResult()
	result.OpenConflicts["A"] = 1
	result.State["A"] = nil

	data, err := Snapshot("empty", result)
	require.NoError(t, err)
	assert.Equal(t, `{"open_conflicts":{"A":1},"replicas":{"A":{}},"scenario":"empty"}`+"\n", string(data))
}
