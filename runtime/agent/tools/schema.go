package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldIssue represents a single validation issue for a tool input.
// Constraint names the violated JSON Schema keyword path (e.g. "required",
// "properties/path/type").
type FieldIssue struct {
	// Field is the instance location of the offending value, "/"-joined from
	// the document root.
	Field string `json:"field"`
	// Constraint is the violated schema keyword path.
	Constraint string `json:"constraint"`
}

// SchemaError reports that an input document failed schema validation. It
// carries the structured field issues so callers can surface precise
// diagnostics instead of a formatted blob.
type SchemaError struct {
	// Tool is the tool whose schema was violated.
	Tool Ident
	// Issues lists the leaf validation failures.
	Issues []FieldIssue
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		field := issue.Field
		if field == "" {
			field = "/"
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", field, issue.Constraint))
	}
	return fmt.Sprintf("input for %q violates schema: %s", e.Tool, strings.Join(parts, ", "))
}

// ValidateInput checks input against the tool's compiled input schema.
// Returns a *SchemaError listing every leaf violation, or nil when the input
// is valid or the tool declares no schema. The input is round-tripped through
// JSON so handwritten maps validate identically to decoded LM output.
func (t *Tool) ValidateInput(input map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("tools: encode input for %q: %w", t.Spec.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("tools: decode input for %q: %w", t.Spec.Name, err)
	}
	if err := t.compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return fmt.Errorf("tools: validate input for %q: %w", t.Spec.Name, err)
		}
		return &SchemaError{Tool: t.Spec.Name, Issues: collectIssues(ve, nil)}
	}
	return nil
}

// compileSchema compiles a schema document with the shared compiler settings.
// A nil schema compiles to nil, meaning any input is accepted.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	// Round-trip so authored literals compile exactly like decoded JSON.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// collectIssues flattens a validation error tree into leaf field issues.
func collectIssues(ve *jsonschema.ValidationError, issues []FieldIssue) []FieldIssue {
	if ve == nil {
		return issues
	}
	if len(ve.Causes) == 0 {
		constraint := ""
		if ve.ErrorKind != nil {
			constraint = strings.Join(ve.ErrorKind.KeywordPath(), "/")
		}
		return append(issues, FieldIssue{
			Field:      "/" + strings.Join(ve.InstanceLocation, "/"),
			Constraint: constraint,
		})
	}
	for _, cause := range ve.Causes {
		issues = collectIssues(cause, issues)
	}
	return issues
}

// Fingerprint derives a stable identifier for a schema document: the 16-hex
// prefix of the SHA-256 over its canonical key-sorted JSON encoding
// (encoding/json sorts object keys). Used in the rendered tool index to
// detect schema drift between planning and execution.
func Fingerprint(schema map[string]any) string {
	if schema == nil {
		schema = map[string]any{}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
