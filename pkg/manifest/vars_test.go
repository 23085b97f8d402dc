package manifest_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

func intPtr(i int) *int { return &i }

func TestVars_Check(t *testing.T) {
	cases := []struct {
		name  string
		vars  manifest.Vars
		value string
		code  string
	}{
		{"empty accepts anything", manifest.Vars{}, "whatever", ""},
		{"regex full match", manifest.Vars{Type: "string", Regex: "[A-Za-z]+", Length: intPtr(10)}, "abcdefghij", ""},
		{"regex partial rejected", manifest.Vars{Regex: "[A-Za-z]+"}, "abc123", manifest.ErrCodeVarRegex},
		{"length mismatch", manifest.Vars{Length: intPtr(3)}, "abcd", manifest.ErrCodeVarLength},
		{"length counts runes", manifest.Vars{Length: intPtr(2)}, "äö", ""},
		{"number", manifest.Vars{Type: "number"}, "1.5e3", ""},
		{"not a number", manifest.Vars{Type: "number"}, "1.5x", manifest.ErrCodeVarType},
		{"integer", manifest.Vars{Type: "integer"}, "-42", ""},
		{"not an integer", manifest.Vars{Type: "integer"}, "4.2", manifest.ErrCodeVarType},
		{"boolean", manifest.Vars{Type: "boolean"}, "false", ""},
		{"unknown type is descriptive", manifest.Vars{Type: "date"}, "x", ""},
		{"text type is descriptive", manifest.Vars{Type: "text"}, "42", ""},
		{"unknown type keeps regex", manifest.Vars{Type: "text", Regex: "[0-9]+"}, "4a", manifest.ErrCodeVarRegex},
		{"invalid regex", manifest.Vars{Regex: "("}, "x", manifest.ErrCodeVarRegex},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.vars.Check("v", tc.value)
			if tc.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, manifest.ErrVarConstraint))
			var vce *manifest.VarConstraintError
			require.True(t, errors.As(err, &vce))
			assert.Equal(t, tc.code, vce.Code)
		})
	}
}
