package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/crdt"
)

func TestDefault_Lookup(t *testing.T) {
	table := Default()

	name, err := table.Lookup("product", "name")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindLWW, name.Strategy)
	assert.True(t, name.RequiresConfirmation)
	assert.Equal(t, PriorityMedium, name.Priority)

	cash, err := table.Lookup("cash_session", "cash_out_usd")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindPNCounter, cash.Strategy)
	assert.Equal(t, PriorityCritical, cash.Priority)

	lines, err := table.Lookup("sale", "lines")
	require.NoError(t, err)
	assert.Equal(t, crdt.KindRGA, lines.Strategy)

	display, err := table.Lookup("product", "display_price")
	require.NoError(t, err)
	assert.False(t, display.RequiresConfirmation)
}

func TestDefault_UnknownKindAndField(t *testing.T) {
	table := Default()

	_, err := table.Lookup("invoice", "total")
	assert.True(t, errors.Is(err, ErrUnknownAggregate))

	_, err = table.Lookup("product", "colour")
	assert.True(t, errors.Is(err, ErrUnknownField))

	assert.True(t, table.HasAggregate("debt"))
	assert.Equal(t, []string{"cash_session", "customer", "debt", "product", "sale"}, table.Aggregates())
	assert.Equal(t, []string{"payments", "status"}, table.Fields("debt"))
}

func TestPriority_Rank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("urgent").Rank())
}

func TestNewTable_Rejects(t *testing.T) {
	_, err := NewTable(map[string]map[string]FieldPolicy{
		"product": {"tags": {Strategy: crdt.KindORSet, RequiresConfirmation: true, Priority: PriorityLow}},
	})
	assert.Error(t, err)

	_, err = NewTable(map[string]map[string]FieldPolicy{
		"product": {"name": {Strategy: "mvreg", Priority: PriorityLow}},
	})
	assert.Error(t, err)

	_, err = NewTable(map[string]map[string]FieldPolicy{
		"product": {"name": {Strategy: crdt.KindLWW, Priority: "urgent"}},
	})
	assert.Error(t, err)
}

func TestParse_AppliesSchemaDefaults(t *testing.T) {
	src := []byte(`
aggregates: {
	product: {
		name:  {strategy: "lww", confirm: true, priority: "medium"}
		stock: {strategy: "pncounter"}
	}
}
`)
	table, err := Parse(src, "policy.cue")
	require.NoError(t, err)

	stock, err := table.Lookup("product", "stock")
	require.NoError(t, err)
	assert.Equal(t, PriorityLow, stock.Priority)
	assert.False(t, stock.RequiresConfirmation)

	name, err := table.Lookup("product", "name")
	require.NoError(t, err)
	assert.True(t, name.RequiresConfirmation)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown strategy": `aggregates: product: name: {strategy: "mvreg"}`,
		"bad priority":     `aggregates: product: name: {strategy: "lww", priority: "urgent"}`,
		"confirm on set":   `aggregates: product: tags: {strategy: "orset", confirm: true}`,
		"missing strategy": `aggregates: product: name: {priority: "low"}`,
		"syntax":           `aggregates: {`,
		"empty":            `aggregates: {}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src), "policy.cue")
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(`aggregates: debt: status: {strategy: "lww"}`), 0o644))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"debt"}, table.Aggregates())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
