package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tillsync/internal/ir"
)

// Snapshot renders the final replica state of a run as JSON with sorted
// keys, one line, newline-terminated.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	replicas := ir.IRObject{}
	for name, aggs := range result.State {
		obj := ir.IRObject{}
		for agg, fields := range aggs {
			obj[agg] = ir.IRObject(fields)
		}
		replicas[name] = obj
	}
	conflicts := ir.IRObject{}
	for name, n := range result.OpenConflicts {
		conflicts[name] = ir.IRInt(n)
	}

	out, err := ir.MarshalIRValue(ir.IRObject{
		"scenario":       ir.IRString(scenarioName),
		"replicas":       replicas,
		"open_conflicts": conflicts,
	})
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// RunWithGolden runs a scenario, fails the test on any scenario error and
// compares the final state with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares a result's final state with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
