package manifest

import (
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// Check reports whether value satisfies the declared constraints. An empty
// Vars accepts anything, and so does a Type other than number, integer or
// boolean. Regex must match the whole value; Length is an exact count of
// runes.
func (v Vars) Check(name, value string) error {
	switch v.Type {
	case "number":
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return &VarConstraintError{Code: ErrCodeVarType, Name: name, Message: "is not a number"}
		}
	case "integer":
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return &VarConstraintError{Code: ErrCodeVarType, Name: name, Message: "is not an integer"}
		}
	case "boolean":
		if value != "true" && value != "false" {
			return &VarConstraintError{Code: ErrCodeVarType, Name: name, Message: "is not a boolean"}
		}
	}

	if v.Regex != "" {
		re, err := regexp.Compile(`^(?:` + v.Regex + `)$`)
		if err != nil {
			return &VarConstraintError{Code: ErrCodeVarRegex, Name: name, Message: fmt.Sprintf("declares invalid regex: %v", err)}
		}
		if !re.MatchString(value) {
			return &VarConstraintError{Code: ErrCodeVarRegex, Name: name, Message: fmt.Sprintf("does not match %q", v.Regex)}
		}
	}

	if v.Length != nil {
		if n := utf8.RuneCountInString(value); n != *v.Length {
			return &VarConstraintError{Code: ErrCodeVarLength, Name: name, Message: fmt.Sprintf("has length %d, want %d", n, *v.Length)}
		}
	}
	return nil
}

// IsEmpty reports whether no constraint is declared.
func (v Vars) IsEmpty() bool {
	return v.Type == "" && v.Regex == "" && v.Length == nil
}
