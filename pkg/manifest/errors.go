package manifest

import (
	"errors"
	"fmt"
)

// ErrInvalidManifest is matched by every manifest parse or validation failure.
var ErrInvalidManifest = errors.New("invalid manifest")

// ErrVarConstraint is matched when a value violates its declared Vars.
var ErrVarConstraint = errors.New("variable constraint violated")

// Deterministic error codes for manifest validation.
const (
	ErrCodeMalformedJSON   = "ERR_MANIFEST_MALFORMED_JSON"
	ErrCodeSchemaViolation = "ERR_MANIFEST_SCHEMA_VIOLATION"
	ErrCodeMissingField    = "ERR_MANIFEST_MISSING_FIELD"
	ErrCodeInvalidField    = "ERR_MANIFEST_INVALID_FIELD"
)

// ValidationError is a typed manifest failure.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is makes every ValidationError match ErrInvalidManifest.
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidManifest }

// Codes for variable constraint violations.
const (
	ErrCodeVarType   = "ERR_VAR_TYPE"
	ErrCodeVarRegex  = "ERR_VAR_REGEX"
	ErrCodeVarLength = "ERR_VAR_LENGTH"
)

// VarConstraintError reports which constraint a variable value failed.
type VarConstraintError struct {
	Code    string
	Name    string
	Message string
}

func (e *VarConstraintError) Error() string {
	return fmt.Sprintf("%s: variable %q %s", e.Code, e.Name, e.Message)
}

func (e *VarConstraintError) Is(target error) bool { return target == ErrVarConstraint }
