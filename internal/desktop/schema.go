package desktop

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed snapshot.schema.json
var snapshotSchemaJSON []byte

const snapshotSchemaURL = "tollgate://snapshot.schema.json"

// SnapshotValidator checks snapshots against the expected shape. Problems
// are reported as warnings; a snapshot is never rejected for its shape.
type SnapshotValidator struct {
	schema *jsonschema.Schema
}

// NewSnapshotValidator compiles the embedded snapshot schema.
func NewSnapshotValidator() (*SnapshotValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema: %w", err)
	}
	schema, err := c.Compile(snapshotSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &SnapshotValidator{schema: schema}, nil
}

// Validate returns one warning per schema violation in raw.
func (v *SnapshotValidator) Validate(raw []byte) []string {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []string{fmt.Sprintf("snapshot is not valid JSON: %v", err)}
	}
	err = v.schema.Validate(inst)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var warnings []string
	collectCauses(verr, &warnings)
	if len(warnings) == 0 {
		warnings = append(warnings, verr.Error())
	}
	return warnings
}

func collectCauses(verr *jsonschema.ValidationError, out *[]string) {
	if len(verr.Causes) == 0 {
		msg := strings.TrimSpace(verr.Error())
		if i := strings.LastIndex(msg, "\n"); i >= 0 {
			msg = strings.TrimSpace(msg[i+1:])
		}
		path := "/" + strings.Join(verr.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", path, strings.TrimPrefix(msg, "- ")))
		return
	}
	for _, cause := range verr.Causes {
		collectCauses(cause, out)
	}
}
