package harness

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

const schemaFile = "schema.cue"

//go:embed schema.cue
var schemaSource []byte

// SchemaError is one violation of the scenario schema.
type SchemaError struct {
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (e SchemaError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%d: %s: %s", e.Line, e.Path, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidateScenarioFile checks the scenario file at path against the
// embedded #Scenario schema.
func ValidateScenarioFile(path string) ([]SchemaError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ValidateScenario(path, data)
}

// ValidateScenario checks a scenario document against the embedded
// #Scenario schema. A nil slice means the document conforms. The error is
// reserved for documents that are not YAML at all.
func ValidateScenario(filename string, data []byte) ([]SchemaError, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename(schemaFile))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("scenario schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Scenario")).Unify(doc)
	return schemaErrors(v.Validate(cue.Concrete(true))), nil
}

func schemaErrors(err error) []SchemaError {
	if err == nil {
		return nil
	}
	var out []SchemaError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		se := SchemaError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() != schemaFile {
				se.Line = pos.Line()
				break
			}
		}
		out = append(out, se)
	}
	return out
}
