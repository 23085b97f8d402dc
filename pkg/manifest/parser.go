package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Parse decodes and validates a serialized manifest. Unknown fields are
// ignored. Any failure is a *ValidationError matching ErrInvalidManifest;
// Parse never panics on malformed input.
func Parse(data []byte) (*ManifestFile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Code: ErrCodeMalformedJSON, Message: "empty document"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Code: ErrCodeMalformedJSON, Message: err.Error(), Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Code: ErrCodeMalformedJSON, Message: "trailing data after manifest"}
	}

	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var m ManifestFile
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Code: ErrCodeMalformedJSON, Message: err.Error(), Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseString is Parse for string input.
func ParseString(s string) (*ManifestFile, error) {
	return Parse([]byte(s))
}

// Serialize encodes m as JSON. Absent optional fields are omitted and the
// request body keeps its original variant.
func Serialize(m *ManifestFile) ([]byte, error) {
	if m == nil {
		return nil, &ValidationError{Code: ErrCodeMissingField, Message: "manifest is nil"}
	}
	raw, err := Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize manifest %q: %w", m.ID, err)
	}
	return raw, nil
}

// SerializeIndent is Serialize with two-space indentation, for display.
func SerializeIndent(m *ManifestFile) ([]byte, error) {
	raw, err := Serialize(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
