package manifest

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "https://webproof.schemas.local/manifest.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the compiled manifest JSON Schema (draft 2020-12).
func Schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, bytes.NewReader(manifestSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(manifestSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("manifest schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// SchemaJSON returns the raw schema document.
func SchemaJSON() []byte {
	out := make([]byte, len(manifestSchemaJSON))
	copy(out, manifestSchemaJSON)
	return out
}

// validateDocument checks a decoded JSON document against the schema.
func validateDocument(doc any) error {
	s, err := Schema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		ve := &ValidationError{Code: ErrCodeSchemaViolation, Message: err.Error(), Err: err}
		if jve, ok := err.(*jsonschema.ValidationError); ok {
			leaf := jve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			ve.Message = leaf.Message
			ve.Field = leaf.InstanceLocation
		}
		return ve
	}
	return nil
}
