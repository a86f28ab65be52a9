package arbiter

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

//go:embed entry.schema.json
var entrySchema []byte

var ErrInvalidEntry = errors.New("invalid entry")

// Validator checks inbound entries before they reach the arbiter.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(entrySchema)
	if err != nil {
		return nil, fmt.Errorf("compile entry schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Validate(raw []byte) error {
	result := v.schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidEntry, result.Errors)
}
