package agentic

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaValidator wraps a compiled JSON schema for one tool's arguments.
type schemaValidator struct {
	schema *jsonschema.Schema
}

func (v *schemaValidator) validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	return v.schema.Validate(any(args))
}

// compileSchemas compiles each tool definition's schema. Tools with no
// schema, or with one that fails to compile, are left unvalidated; a bad
// schema is logged rather than blocking the run.
func compileSchemas(defs []ToolDefinition, logger *slog.Logger) map[string]*schemaValidator {
	validators := make(map[string]*schemaValidator)
	for _, def := range defs {
		if len(def.Schema) == 0 {
			continue
		}
		s, err := compileSchema(def.Schema)
		if err != nil {
			logger.Warn("tool schema failed to compile", "tool", def.Name, "error", err)
			continue
		}
		validators[def.Name] = &schemaValidator{schema: s}
	}
	return validators
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}
