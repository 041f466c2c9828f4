package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/event"
)

// Authority is the replica name of the in-process authority.
const Authority = "authority"

// Scenario is one convergence scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Policy is an optional CUE policy file, relative to the scenario file.
	// Empty means the built-in table.
	Policy string `yaml:"policy,omitempty"`

	// Devices lists the device ids taking part.
	Devices []string `yaml:"devices"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action in a scenario.
type Step struct {
	Op     string `yaml:"op"`
	Device string `yaml:"device,omitempty"`

	Aggregate string `yaml:"aggregate,omitempty"`
	Field     string `yaml:"field,omitempty"`

	// Value is the register value or sequence element.
	Value any `yaml:"value,omitempty"`
	// Element is the OR-Set element.
	Element string `yaml:"element,omitempty"`
	// Amount is the counter step or the signed cash amount.
	Amount int64 `yaml:"amount,omitempty"`

	// Label names the node created by append or insert_after.
	Label string `yaml:"label,omitempty"`
	// After is the anchor label for insert_after; empty is the head.
	After string `yaml:"after,omitempty"`
	// Node is the label removed by remove_node.
	Node string `yaml:"node,omitempty"`

	Session  string `yaml:"session,omitempty"`
	Currency string `yaml:"currency,omitempty"`
	// Movement is the index among earlier movement steps undone by reverse.
	Movement int `yaml:"movement,omitempty"`

	Decision string `yaml:"decision,omitempty"`

	// Devices limits a sync to some devices; empty means all.
	Devices []string `yaml:"devices,omitempty"`

	// Reject is the ingest code the step is expected to fail with.
	Reject string `yaml:"reject,omitempty"`
}

// Step ops.
const (
	OpSet         = "set"
	OpAdd         = "add"
	OpRemove      = "remove"
	OpIncrement   = "increment"
	OpDecrement   = "decrement"
	OpAppend      = "append"
	OpInsertAfter = "insert_after"
	OpRemoveNode  = "remove_node"
	OpMovement    = "movement"
	OpReverse     = "reverse"
	OpResolve     = "resolve"
	OpSync        = "sync"
)

// Assertion checks the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// On lists replicas to check; empty means every replica.
	On []string `yaml:"on,omitempty"`

	Aggregate string `yaml:"aggregate,omitempty"`
	Field     string `yaml:"field,omitempty"`
	Expect    any    `yaml:"expect,omitempty"`
	Count     int    `yaml:"count,omitempty"`

	Session  string `yaml:"session,omitempty"`
	Currency string `yaml:"currency,omitempty"`

	Pending int `yaml:"pending,omitempty"`
	Dead    int `yaml:"dead,omitempty"`
}

// Assertion types.
const (
	AssertValue         = "value"
	AssertConverged     = "converged"
	AssertOpenConflicts = "open_conflicts"
	AssertBalance       = "balance"
	AssertOutbox        = "outbox"
	AssertEventCount    = "event_count"
)

// LoadScenario reads a scenario file. Unknown YAML keys are rejected, and a
// relative policy path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Policy != "" && !filepath.IsAbs(s.Policy) {
		s.Policy = filepath.Join(filepath.Dir(path), s.Policy)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// replicas returns the device ids followed by the authority.
func (s *Scenario) replicas() []string {
	return append(slices.Clone(s.Devices), Authority)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	seen := map[string]bool{}
	for _, d := range s.Devices {
		if d == "" || d == Authority {
			return fmt.Errorf("invalid device id %q", d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate device id %q", d)
		}
		seen[d] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step, seen); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	replicas := map[string]bool{Authority: true}
	for d := range seen {
		replicas[d] = true
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, replicas); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, devices map[string]bool) error {
	if step.Op == OpSync {
		for _, d := range step.Devices {
			if !devices[d] {
				return fmt.Errorf("sync: unknown device %q", d)
			}
		}
		return nil
	}
	if !devices[step.Device] {
		return fmt.Errorf("%s: unknown device %q", step.Op, step.Device)
	}

	needTarget := func() error {
		if step.Aggregate == "" || step.Field == "" {
			return fmt.Errorf("%s: aggregate and field are required", step.Op)
		}
		return nil
	}
	switch step.Op {
	case OpSet, OpAppend, OpInsertAfter:
		if step.Value == nil {
			return fmt.Errorf("%s: value is required", step.Op)
		}
		return needTarget()
	case OpAdd, OpRemove:
		if step.Element == "" {
			return fmt.Errorf("%s: element is required", step.Op)
		}
		return needTarget()
	case OpIncrement, OpDecrement:
		if step.Amount <= 0 {
			return fmt.Errorf("%s: amount must be positive", step.Op)
		}
		return needTarget()
	case OpRemoveNode:
		if step.Node == "" {
			return fmt.Errorf("%s: node is required", step.Op)
		}
		return needTarget()
	case OpMovement:
		if step.Session == "" || step.Currency == "" || step.Amount == 0 {
			return fmt.Errorf("%s: session, currency and a non-zero amount are required", step.Op)
		}
		return nil
	case OpReverse:
		if step.Movement < 0 {
			return fmt.Errorf("%s: movement index must be non-negative", step.Op)
		}
		return nil
	case OpResolve:
		if _, err := event.ParseDecision(step.Decision); err != nil {
			return fmt.Errorf("%s: %w", step.Op, err)
		}
		return needTarget()
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

func validateAssertion(a Assertion, replicas map[string]bool) error {
	for _, r := range a.On {
		if !replicas[r] {
			return fmt.Errorf("%s: unknown replica %q", a.Type, r)
		}
	}
	switch a.Type {
	case AssertValue:
		if a.Aggregate == "" || a.Field == "" {
			return fmt.Errorf("value: aggregate and field are required")
		}
		if a.Expect == nil {
			return fmt.Errorf("value: expect is required")
		}
	case AssertConverged, AssertOpenConflicts, AssertEventCount:
		if a.Aggregate == "" {
			return fmt.Errorf("%s: aggregate is required", a.Type)
		}
	case AssertBalance:
		if a.Session == "" || a.Currency == "" {
			return fmt.Errorf("balance: session and currency are required")
		}
		if a.Expect == nil {
			return fmt.Errorf("balance: expect is required")
		}
	case AssertOutbox:
		for _, r := range a.On {
			if r == Authority {
				return fmt.Errorf("outbox: the authority has no outbox")
			}
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
