package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SetOp is the operation of an ORSetDelta.
type SetOp string

const (
	SetAdd    SetOp = "add"
	SetRemove SetOp = "remove"
)

// ORSet is an observed-remove set. Every add carries a unique tag; a remove
// tombstones the tags it observed. An element is present while it has at
// least one tag that is not tombstoned.
type ORSet struct {
	Adds       map[string]map[string]struct{}
	Tombstones map[string]struct{}
}

// ORSetDelta adds or removes one tagged instance of Element.
type ORSetDelta struct {
	Op      SetOp  `json:"op"`
	Element string `json:"element"`
	Tag     string `json:"tag"`
}

// EmptyORSet returns a set with no elements.
func EmptyORSet() ORSet {
	return ORSet{
		Adds:       make(map[string]map[string]struct{}),
		Tombstones: make(map[string]struct{}),
	}
}

func (s ORSet) clone() ORSet {
	out := EmptyORSet()
	for elem, tags := range s.Adds {
		cp := make(map[string]struct{}, len(tags))
		for t := range tags {
			cp[t] = struct{}{}
		}
		out.Adds[elem] = cp
	}
	for t := range s.Tombstones {
		out.Tombstones[t] = struct{}{}
	}
	return out
}

// ApplyORSet records an add tag or a tombstone. Adding a tag that is already
// tombstoned keeps it retracted.
func ApplyORSet(s ORSet, d ORSetDelta) ORSet {
	out := s.clone()
	switch d.Op {
	case SetAdd:
		tags, ok := out.Adds[d.Element]
		if !ok {
			tags = make(map[string]struct{})
			out.Adds[d.Element] = tags
		}
		tags[d.Tag] = struct{}{}
	case SetRemove:
		out.Tombstones[d.Tag] = struct{}{}
	}
	return out
}

// MergeORSet unions adds and tombstones.
func MergeORSet(a, b ORSet) ORSet {
	out := a.clone()
	for elem, tags := range b.Adds {
		dst, ok := out.Adds[elem]
		if !ok {
			dst = make(map[string]struct{}, len(tags))
			out.Adds[elem] = dst
		}
		for t := range tags {
			dst[t] = struct{}{}
		}
	}
	for t := range b.Tombstones {
		out.Tombstones[t] = struct{}{}
	}
	return out
}

// Contains reports whether elem has a live tag.
func (s ORSet) Contains(elem string) bool {
	return len(s.LiveTags(elem)) > 0
}

// LiveTags returns the non-tombstoned tags of elem, sorted.
func (s ORSet) LiveTags(elem string) []string {
	var live []string
	for t := range s.Adds[elem] {
		if _, dead := s.Tombstones[t]; !dead {
			live = append(live, t)
		}
	}
	sort.Strings(live)
	return live
}

// HasTag reports whether tag was observed as an add of elem.
func (s ORSet) HasTag(elem, tag string) bool {
	_, ok := s.Adds[elem][tag]
	return ok
}

// Elements returns the live elements, sorted.
func (s ORSet) Elements() []string {
	var out []string
	for elem := range s.Adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks the op, element and tag.
func (d ORSetDelta) Validate() error {
	if d.Op != SetAdd && d.Op != SetRemove {
		return fmt.Errorf("orset delta: unknown op %q", d.Op)
	}
	if strings.TrimSpace(d.Element) == "" {
		return errors.New("orset delta: missing element")
	}
	if strings.TrimSpace(d.Tag) == "" {
		return errors.New("orset delta: missing tag")
	}
	return nil
}

type orsetJSON struct {
	Elements   map[string][]string `json:"elements"`
	Tombstones []string            `json:"tombstones"`
}

// MarshalJSON encodes tags as sorted arrays.
func (s ORSet) MarshalJSON() ([]byte, error) {
	raw := orsetJSON{
		Elements:   make(map[string][]string, len(s.Adds)),
		Tombstones: sortedKeys(s.Tombstones),
	}
	for elem, tags := range s.Adds {
		raw.Elements[elem] = sortedKeys(tags)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ORSet) UnmarshalJSON(data []byte) error {
	var raw orsetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := EmptyORSet()
	for elem, tags := range raw.Elements {
		set := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
		}
		out.Adds[elem] = set
	}
	for _, t := range raw.Tombstones {
		out.Tombstones[t] = struct{}{}
	}
	*s = out
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
