package template_test

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/template"
)

func TestSubstitute_AllOccurrencesCaseInsensitive(t *testing.T) {
	raw := []byte(`{"url":"https://x/<% id %>","headers":{"a":"<%ID%>","b":"<%   Id %>"}}`)

	out, err := template.Substitute(raw, "id", "42")
	require.NoError(t, err)
	assert.Equal(t, `{"url":"https://x/42","headers":{"a":"42","b":"42"}}`, string(out))
}

func TestSubstitute_NoOccurrenceIsByteIdentical(t *testing.T) {
	raw := []byte(`{ "url" : "https://x/<% other %>" ,"n":1.50 }`)

	out, err := template.Substitute(raw, "id", "42")
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestSubstitute_DoesNotMatchPrefixes(t *testing.T) {
	raw := []byte(`{"a":"<% idx %>","b":"<% id %>"}`)
	out, err := template.Substitute(raw, "id", "1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<% idx %>","b":"1"}`, string(out))
}

func TestSubstitute_InvalidResult(t *testing.T) {
	raw := []byte(`{"a":"<% id %>"}`)

	out, err := template.Substitute(raw, "id", `x"y`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, template.ErrSubstitutionFailed))
	assert.Equal(t, raw, out)

	var se *template.SubstitutionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "id", se.Name)
}

func TestSubstitute_ValueIsLiteral(t *testing.T) {
	raw := []byte(`{"a":"<% id %>"}`)
	out, err := template.Substitute(raw, "id", `$1 \\ ok`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"$1 \\ ok"}`, string(out))
}

func TestSubstitute_RegexMetacharactersInName(t *testing.T) {
	raw := []byte(`{"a":"<% user.id %>","b":"<% userXid %>"}`)
	out, err := template.Substitute(raw, "user.id", "7")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"7","b":"<% userXid %>"}`, string(out))
}

func TestSubstituteAll(t *testing.T) {
	raw := []byte(`{"a":"<% x %>","b":"<% y %>"}`)
	out, err := template.SubstituteAll(raw, map[string]string{"x": "1", "y": "2"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))

	out, err = template.SubstituteAll(raw, map[string]string{"x": "1", "y": `"`})
	require.ErrorIs(t, err, template.ErrSubstitutionFailed)
	assert.Equal(t, raw, out)
}

func TestPlaceholders(t *testing.T) {
	raw := []byte(`{"a":"<% userId %>","b":"Bearer <%authToken%>","c":"<% USERID %>","d":"<%%>"}`)
	assert.Equal(t, []string{"authToken", "userId"}, template.Placeholders(raw))
	assert.Empty(t, template.Placeholders([]byte(`{"a":"plain"}`)))
}

func TestContains(t *testing.T) {
	raw := []byte(`{"a":"<% Token %>"}`)
	assert.True(t, template.Contains(raw, "token"))
	assert.True(t, template.Contains(raw, " token "))
	assert.False(t, template.Contains(raw, "tok"))
}

func TestProperty_SubstitutionOfAbsentNameIsIdentity(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("absent name leaves document unchanged", prop.ForAll(
		func(name, value string) bool {
			raw := []byte(`{"k":"<% zz_present %>","n":[1,2,3]}`)
			out, err := template.Substitute(raw, "a"+name, value)
			return err == nil && string(out) == string(raw)
		},
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
