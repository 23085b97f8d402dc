// Package template resolves <% name %> placeholders inside serialized JSON.
//
// Substitution is textual: every case-insensitive occurrence of
// "<%" ws* name ws* "%>" is replaced by the literal value in a single pass,
// after which the document must still parse as JSON.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrSubstitutionFailed is matched when a substitution produced invalid JSON.
var ErrSubstitutionFailed = errors.New("substitution failed")

// SubstitutionError carries the variable that broke the document.
type SubstitutionError struct {
	Name string
	Err  error
}

func (e *SubstitutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("substitution of %q produced invalid JSON: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("substitution of %q produced invalid JSON", e.Name)
}

func (e *SubstitutionError) Unwrap() error { return e.Err }

func (e *SubstitutionError) Is(target error) bool { return target == ErrSubstitutionFailed }

var anyPlaceholder = regexp.MustCompile(`<%\s*([^%<>]*?)\s*%>`)

// NormalizeName trims surrounding whitespace and applies Unicode NFC, so
// visually identical names written with different code points match.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func pattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)<%\s*` + regexp.QuoteMeta(NormalizeName(name)) + `\s*%>`)
}

// Contains reports whether raw holds at least one placeholder for name.
func Contains(raw []byte, name string) bool {
	return pattern(name).Match(raw)
}

// Substitute replaces every placeholder for name with value. If raw holds no
// such placeholder it is returned unchanged, byte for byte. If the result is
// not valid JSON a *SubstitutionError is returned and raw is left untouched.
func Substitute(raw []byte, name, value string) ([]byte, error) {
	re := pattern(name)
	if !re.Match(raw) {
		return raw, nil
	}
	out := re.ReplaceAllLiteral(raw, []byte(value))
	if err := validJSON(out); err != nil {
		return raw, &SubstitutionError{Name: NormalizeName(name), Err: err}
	}
	return out, nil
}

// SubstituteAll applies Substitute for every entry of values in sorted name
// order, stopping at the first failure.
func SubstituteAll(raw []byte, values map[string]string) ([]byte, error) {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	out := raw
	for _, n := range names {
		var err error
		out, err = Substitute(out, n, values[n])
		if err != nil {
			return raw, err
		}
	}
	return out, nil
}

// Placeholders lists the distinct placeholder names still present in raw,
// normalized and sorted. Names differing only in case are reported once.
func Placeholders(raw []byte) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, m := range anyPlaceholder.FindAllSubmatch(raw, -1) {
		name := NormalizeName(string(m[1]))
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validJSON(data []byte) error {
	if !json.Valid(data) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		return errors.New("invalid JSON")
	}
	return nil
}
