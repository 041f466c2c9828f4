package policy

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tillsync/internal/crdt"
)

//go:embed schema.cue
var schemaSource string

// LoadError reports a policy file problem with its source position.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

type fieldDoc struct {
	Strategy string `json:"strategy"`
	Confirm  bool   `json:"confirm"`
	Priority string `json:"priority"`
}

type policyDoc struct {
	Aggregates map[string]map[string]fieldDoc `json:"aggregates"`
}

// LoadFile reads a CUE policy file.
func LoadFile(path string) (*Table, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(src, path)
}

// Parse unifies src with the #Policy schema and builds a Table.
//
// Example:
//
//	aggregates: product: {
//		name:  {strategy: "lww", confirm: true, priority: "medium"}
//		stock: {strategy: "pncounter", priority: "high"}
//	}
func Parse(src []byte, filename string) (*Table, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var doc policyDoc
	if err := unified.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}
	if len(doc.Aggregates) == 0 {
		return nil, &LoadError{Message: "policy declares no aggregates"}
	}

	kinds := make(map[string]map[string]FieldPolicy, len(doc.Aggregates))
	for kind, fields := range doc.Aggregates {
		kinds[kind] = make(map[string]FieldPolicy, len(fields))
		for name, f := range fields {
			kinds[kind][name] = FieldPolicy{
				Strategy:             crdt.Kind(f.Strategy),
				RequiresConfirmation: f.Confirm,
				Priority:             Priority(f.Priority),
			}
		}
	}
	return NewTable(kinds)
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &LoadError{Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Message: first.Error()}
}
