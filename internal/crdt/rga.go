package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/ir"
)

// NodeID identifies an RGA node. IDs are totally ordered by Stamp, then
// Device. The zero NodeID is the head of the sequence.
type NodeID struct {
	Stamp  int64  `json:"stamp"`
	Device string `json:"device"`
}

// IsHead reports whether id is the zero head anchor.
func (id NodeID) IsHead() bool {
	return id.Stamp == 0 && id.Device == ""
}

// Compare returns -1, 0 or 1.
func (id NodeID) Compare(other NodeID) int {
	switch {
	case id.Stamp < other.Stamp:
		return -1
	case id.Stamp > other.Stamp:
		return 1
	}
	return strings.Compare(id.Device, other.Device)
}

func (id NodeID) String() string {
	return fmt.Sprintf("%d@%s", id.Stamp, id.Device)
}

// Node is one element of the sequence. Removed nodes stay as tombstones so
// that concurrent inserts anchored to them keep their position.
type Node struct {
	ID      NodeID
	After   NodeID
	Value   ir.IRValue
	Visible bool
}

// RGA is a replicated growable array. Nodes are kept in list order.
type RGA struct {
	Nodes []Node `json:"nodes"`
}

// RGAInsert places Value after the node After (head when zero).
type RGAInsert struct {
	ID    NodeID
	Value ir.IRValue
	After NodeID
}

// RGADelta is either an insert or a remove.
type RGADelta struct {
	Insert *RGAInsert `json:"insert,omitempty"`
	Remove *NodeID    `json:"remove,omitempty"`
}

// EmptyRGA returns an empty sequence.
func EmptyRGA() RGA {
	return RGA{Nodes: []Node{}}
}

// Index returns the position of id in s.Nodes, or -1.
func (s RGA) Index(id NodeID) int {
	for i, n := range s.Nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Has reports whether a node with id exists (visible or not).
func (s RGA) Has(id NodeID) bool {
	return s.Index(id) >= 0
}

// Values returns the visible values in list order.
func (s RGA) Values() []ir.IRValue {
	out := make([]ir.IRValue, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Visible {
			out = append(out, n.Value)
		}
	}
	return out
}

// VisibleIDs returns the ids of visible nodes in list order.
func (s RGA) VisibleIDs() []NodeID {
	var out []NodeID
	for _, n := range s.Nodes {
		if n.Visible {
			out = append(out, n.ID)
		}
	}
	return out
}

// Last returns the id of the last visible node, or the head anchor.
func (s RGA) Last() NodeID {
	for i := len(s.Nodes) - 1; i >= 0; i-- {
		if s.Nodes[i].Visible {
			return s.Nodes[i].ID
		}
	}
	return NodeID{}
}

// ApplyRGA inserts or tombstones a node. Inserting an existing id and
// removing an unknown id are no-ops.
func ApplyRGA(s RGA, d RGADelta) RGA {
	nodes := make(map[NodeID]Node, len(s.Nodes)+1)
	for _, n := range s.Nodes {
		nodes[n.ID] = n
	}
	if d.Insert != nil {
		if _, exists := nodes[d.Insert.ID]; !exists {
			nodes[d.Insert.ID] = Node{
				ID:      d.Insert.ID,
				After:   d.Insert.After,
				Value:   d.Insert.Value,
				Visible: true,
			}
		}
	}
	if d.Remove != nil {
		if n, ok := nodes[*d.Remove]; ok {
			n.Visible = false
			nodes[n.ID] = n
		}
	}
	return RGA{Nodes: linearize(nodes)}
}

// MergeRGA unions the nodes of a and b. A node is visible only if it is
// visible on both sides.
func MergeRGA(a, b RGA) RGA {
	nodes := make(map[NodeID]Node, len(a.Nodes)+len(b.Nodes))
	for _, n := range a.Nodes {
		nodes[n.ID] = n
	}
	for _, n := range b.Nodes {
		cur, ok := nodes[n.ID]
		if !ok {
			nodes[n.ID] = n
			continue
		}
		cur.Visible = cur.Visible && n.Visible
		if compareValues(n.Value, cur.Value) > 0 {
			cur.Value = n.Value
		}
		if n.After.Compare(cur.After) > 0 {
			cur.After = n.After
		}
		nodes[n.ID] = cur
	}
	return RGA{Nodes: linearize(nodes)}
}

// linearize derives list order from the node set: children follow their
// anchor, siblings in descending id order, each subtree contiguous. A node
// whose anchor is missing is placed under the head. The order depends only on
// the set, never on the sequence of operations.
func linearize(nodes map[NodeID]Node) []Node {
	children := make(map[NodeID][]NodeID, len(nodes))
	for id, n := range nodes {
		parent := n.After
		if _, ok := nodes[parent]; !ok || parent == id {
			parent = NodeID{}
		}
		children[parent] = append(children[parent], id)
	}
	for p := range children {
		ids := children[p]
		sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) > 0 })
	}

	out := make([]Node, 0, len(nodes))
	visited := make(map[NodeID]bool, len(nodes))
	stack := append([]NodeID(nil), reversed(children[NodeID{}])...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, nodes[id])
		stack = append(stack, reversed(children[id])...)
	}

	// Anchor cycles are unreachable from the head; append them by id.
	if len(out) < len(nodes) {
		var rest []NodeID
		for id := range nodes {
			if !visited[id] {
				rest = append(rest, id)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].Compare(rest[j]) < 0 })
		for _, id := range rest {
			out = append(out, nodes[id])
		}
	}
	return out
}

func reversed(ids []NodeID) []NodeID {
	out := make([]NodeID, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

func (id NodeID) valid() bool {
	return id.Stamp > 0 && strings.TrimSpace(id.Device) != ""
}

// Validate checks that exactly one of insert or remove is set and that the
// ids are well formed.
func (d RGADelta) Validate() error {
	switch {
	case d.Insert == nil && d.Remove == nil:
		return errors.New("rga delta: neither insert nor remove set")
	case d.Insert != nil && d.Remove != nil:
		return errors.New("rga delta: both insert and remove set")
	case d.Insert != nil:
		if !d.Insert.ID.valid() {
			return fmt.Errorf("rga delta: invalid node id %s", d.Insert.ID)
		}
		if d.Insert.Value == nil {
			return errors.New("rga delta: insert without value")
		}
		if d.Insert.After == d.Insert.ID {
			return fmt.Errorf("rga delta: node %s anchored to itself", d.Insert.ID)
		}
		if !d.Insert.After.IsHead() && !d.Insert.After.valid() {
			return fmt.Errorf("rga delta: invalid anchor %s", d.Insert.After)
		}
		if _, err := ir.MarshalCanonical(d.Insert.Value); err != nil {
			return fmt.Errorf("rga delta: value: %w", err)
		}
	default:
		if !d.Remove.valid() {
			return fmt.Errorf("rga delta: invalid remove target %s", *d.Remove)
		}
	}
	return nil
}

type nodeJSON struct {
	ID      NodeID          `json:"id"`
	After   NodeID          `json:"after"`
	Value   json.RawMessage `json:"value"`
	Visible bool            `json:"visible"`
}

// MarshalJSON implements json.Marshaler.
func (n Node) MarshalJSON() ([]byte, error) {
	value, err := marshalValue(n.Value)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.ID, err)
	}
	return json.Marshal(nodeJSON{ID: n.ID, After: n.After, Value: value, Visible: n.Visible})
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := unmarshalValue(raw.Value)
	if err != nil {
		return fmt.Errorf("node %s: %w", raw.ID, err)
	}
	*n = Node{ID: raw.ID, After: raw.After, Value: v, Visible: raw.Visible}
	return nil
}

type insertJSON struct {
	ID    NodeID          `json:"id"`
	Value json.RawMessage `json:"value"`
	After NodeID          `json:"after"`
}

// MarshalJSON implements json.Marshaler.
func (ins RGAInsert) MarshalJSON() ([]byte, error) {
	value, err := marshalValue(ins.Value)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", ins.ID, err)
	}
	return json.Marshal(insertJSON{ID: ins.ID, Value: value, After: ins.After})
}

// UnmarshalJSON implements json.Unmarshaler. A missing value decodes to nil.
func (ins *RGAInsert) UnmarshalJSON(data []byte) error {
	var raw insertJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := unmarshalValue(raw.Value)
	if err != nil {
		return fmt.Errorf("insert %s: %w", raw.ID, err)
	}
	*ins = RGAInsert{ID: raw.ID, Value: v, After: raw.After}
	return nil
}

func marshalValue(v ir.IRValue) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return ir.MarshalIRValue(v)
}

func unmarshalValue(raw json.RawMessage) (ir.IRValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return ir.DecodeValue(raw)
}
