// Package validation implements the contract validator of spec §4.B: a
// programmatic validator and a schema validator, both returning a list of
// error strings (empty == valid).
package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Programmatic is a user-supplied validation function invoked before
// compression on publish and, optionally, after decompression on consume.
type Programmatic func(value any) []string

// Schema validates value against a schema reference. The core's schema
// validator, StructTagValidator, checks the go-playground/validator struct
// tags on value itself and ignores the schema argument.
type Schema interface {
	Validate(value any, schema any) []string
}

// StructTagValidator adapts go-playground/validator/v10 to the Schema
// interface — the idiomatic Go substitute for the C#/FluentValidation
// style schema validator (no JSON-Schema library is in the reference
// stack; struct tags are how the pack validates shapes, see DESIGN.md).
type StructTagValidator struct {
	validate *validator.Validate
}

func NewStructTagValidator() *StructTagValidator {
	return &StructTagValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate ignores the schema argument (the struct tags on value itself are
// the schema) and returns one message per failed field.
func (v *StructTagValidator) Validate(value any, _ any) []string {
	if value == nil {
		return nil
	}
	err := v.validate.Struct(value)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
	}
	return out
}

// Chain runs a Programmatic and an optional Schema validator (with a
// schema reference) and concatenates their error lists, matching spec
// §4.B's "any non-empty result aborts the operation" contract — callers
// decide how to surface the combined list.
type Chain struct {
	Programmatic Programmatic
	Schema       Schema
	SchemaRef    any
}

func (c Chain) Validate(value any) []string {
	var errs []string
	if c.Programmatic != nil {
		errs = append(errs, c.Programmatic(value)...)
	}
	if c.Schema != nil {
		errs = append(errs, c.Schema.Validate(value, c.SchemaRef)...)
	}
	return errs
}
