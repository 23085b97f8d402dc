package manifest_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

const karmaManifest = `{
  "manifestVersion": "2",
  "id": "reddit-user-karma",
  "title": "Total Reddit Karma",
  "description": "Generate a proof that you have a certain amount of karma",
  "prepareUrl": "https://old.reddit.com/login/",
  "request": {
    "method": "POST",
    "url": "https://gql.reddit.com/",
    "headers": {"Authorization": "Bearer <% authToken %>"},
    "body": {"id": "db6eb1356b13", "variables": {"name": "<% userId %>"}},
    "vars": {"userId": {}, "authToken": {}},
    "extra": {
      "headers": {"User-Agent": "Mozilla/5.0", "Content-Type": "application/json"}
    }
  },
  "response": {
    "status": "200",
    "headers": {"Content-Type": "application/json"},
    "body": {"json": ["data", "redditorInfoByName", "karma", "total"]}
  }
}`

func TestParse_FullManifest(t *testing.T) {
	m, err := manifest.ParseString(karmaManifest)
	require.NoError(t, err)

	assert.Equal(t, "2", m.ManifestVersion)
	assert.Equal(t, "reddit-user-karma", m.ID)
	assert.Equal(t, "https://old.reddit.com/login/", m.PrepareURL)
	assert.Equal(t, manifest.Mode(""), m.Mode)
	assert.Equal(t, manifest.ModeTEE, m.Mode.OrDefault())
	assert.Equal(t, manifest.MethodPost, m.Request.Method)
	assert.Equal(t, "Bearer <% authToken %>", m.Request.Headers["Authorization"])

	name, ok := m.Request.Body.Path("variables", "name")
	require.True(t, ok)
	s, _ := name.AsString()
	assert.Equal(t, "<% userId %>", s)

	require.NotNil(t, m.Request.Extra)
	assert.Equal(t, "application/json", m.Request.Extra.Headers["Content-Type"])
	assert.Contains(t, m.Request.Vars, "userId")
	assert.Equal(t, []string{"data", "redditorInfoByName", "karma", "total"}, m.Response.Body.JSON)
}

func TestParse_ToleratesUnknownFields(t *testing.T) {
	doc := strings.Replace(karmaManifest, `"title"`, `"futureField": {"x": 1}, "title"`, 1)
	m, err := manifest.ParseString(doc)
	require.NoError(t, err)
	assert.Equal(t, "reddit-user-karma", m.ID)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		code string
	}{
		{"empty", "   ", manifest.ErrCodeMalformedJSON},
		{"not json", "{manifest", manifest.ErrCodeMalformedJSON},
		{"trailing data", karmaManifest + " {}", manifest.ErrCodeMalformedJSON},
		{"array", "[]", manifest.ErrCodeSchemaViolation},
		{"missing request", strings.Replace(karmaManifest, `"request"`, `"req"`, 1), manifest.ErrCodeSchemaViolation},
		{"missing response", strings.Replace(karmaManifest, `"response"`, `"resp"`, 1), manifest.ErrCodeSchemaViolation},
		{"empty id", strings.Replace(karmaManifest, `"reddit-user-karma"`, `""`, 1), manifest.ErrCodeSchemaViolation},
		{"bad method", strings.Replace(karmaManifest, `"POST"`, `"FETCH"`, 1), manifest.ErrCodeSchemaViolation},
		{"bad mode", strings.Replace(karmaManifest, `"prepareUrl"`, `"mode": "ZK", "prepareUrl"`, 1), manifest.ErrCodeSchemaViolation},
		{"nested extra", strings.Replace(karmaManifest, `"extra": {`, `"extra": {"extra": {}, `, 1), manifest.ErrCodeSchemaViolation},
		{"numeric header", strings.Replace(karmaManifest, `"Bearer <% authToken %>"`, `42`, 1), manifest.ErrCodeSchemaViolation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := manifest.ParseString(tc.doc)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, manifest.ErrInvalidManifest))

			var ve *manifest.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.code, ve.Code)
		})
	}
}

func TestParse_NullOptionalFields(t *testing.T) {
	doc := strings.Replace(karmaManifest, `"prepareUrl": "https://old.reddit.com/login/"`, `"prepareUrl": null, "mode": null`, 1)
	m, err := manifest.ParseString(doc)
	require.NoError(t, err)
	assert.Empty(t, m.PrepareURL)
	assert.Equal(t, manifest.DefaultMode, m.Mode.OrDefault())
}

func TestSerialize_KeepsPlaceholdersUnescaped(t *testing.T) {
	m, err := manifest.ParseString(karmaManifest)
	require.NoError(t, err)

	raw, err := manifest.Serialize(m)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<% userId %>")
	assert.NotContains(t, string(raw), `\u003c`)
	assert.NotContains(t, string(raw), "debugLogs")
}

func TestSerialize_RoundTrip(t *testing.T) {
	m, err := manifest.ParseString(karmaManifest)
	require.NoError(t, err)
	m.Mode = manifest.ModeTLSN
	m.DebugLogs = []string{"first", "second"}

	raw, err := manifest.Serialize(m)
	require.NoError(t, err)
	back, err := manifest.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestSerialize_GoLiteralWithoutHeaders(t *testing.T) {
	m := &manifest.ManifestFile{
		ManifestVersion: "1",
		ID:              "x",
		Request: manifest.Request{
			Method: manifest.MethodGet,
			URL:    "https://x/<% id %>",
			Vars:   map[string]manifest.Vars{"id": {Type: "string"}},
		},
		Response: manifest.Response{Status: "200"},
	}
	require.NoError(t, m.Validate())

	raw, err := manifest.Serialize(m)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"headers":{}`)
	assert.Contains(t, string(raw), `"json":[]`)
	assert.NotContains(t, string(raw), "null")

	back, err := manifest.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Request.URL, back.Request.URL)
	assert.Empty(t, back.Request.Headers)
	assert.Empty(t, back.Response.Headers)
	assert.Empty(t, back.Response.Body.JSON)

	c, err := m.Clone()
	require.NoError(t, err)
	assert.NotNil(t, c.Request.Headers)
}

func TestValidate_AgreesWithParseOnVarLength(t *testing.T) {
	negative := -1
	m := &manifest.ManifestFile{
		ManifestVersion: "1",
		ID:              "x",
		Request: manifest.Request{
			Method: manifest.MethodGet,
			URL:    "https://x/",
			Extra:  &manifest.RequestExtra{Vars: map[string]manifest.Vars{"id": {Length: &negative}}},
		},
		Response: manifest.Response{Status: "200"},
	}
	err := m.Validate()
	require.ErrorIs(t, err, manifest.ErrInvalidManifest)

	raw, serr := manifest.Serialize(m)
	require.NoError(t, serr)
	_, err = manifest.Parse(raw)
	assert.ErrorIs(t, err, manifest.ErrInvalidManifest)
}

func TestSerialize_AbsentBodyStaysAbsent(t *testing.T) {
	doc := strings.Replace(karmaManifest, `"body": {"id": "db6eb1356b13", "variables": {"name": "<% userId %>"}},`, "", 1)
	m, err := manifest.ParseString(doc)
	require.NoError(t, err)
	assert.Equal(t, manifest.KindUndefined, m.Request.Body.Kind())

	raw, err := manifest.Serialize(m)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"body":null`)
}

func TestClone_IsDeep(t *testing.T) {
	m, err := manifest.ParseString(karmaManifest)
	require.NoError(t, err)

	c, err := m.Clone()
	require.NoError(t, err)
	c.Request.Headers["Authorization"] = "changed"
	c.Request.Extra.Headers["X"] = "y"

	assert.Equal(t, "Bearer <% authToken %>", m.Request.Headers["Authorization"])
	assert.NotContains(t, m.Request.Extra.Headers, "X")
}

func TestMergedHeaders_ExtraWins(t *testing.T) {
	r := manifest.Request{
		Headers: map[string]string{"A": "1", "B": "2"},
		Extra:   &manifest.RequestExtra{Headers: map[string]string{"B": "3", "C": "4"}},
	}
	assert.Equal(t, map[string]string{"A": "1", "B": "3", "C": "4"}, r.MergedHeaders())

	r.Extra = nil
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, r.MergedHeaders())
}

func TestDigest_IgnoresDebugLogsAndKeyOrder(t *testing.T) {
	m, err := manifest.ParseString(karmaManifest)
	require.NoError(t, err)
	d1, err := manifest.Digest(m)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d1, "sha256:"))

	m.DebugLogs = []string{"noise"}
	d2, err := manifest.Digest(m)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	m.ID = "other"
	d3, err := manifest.Digest(m)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestCheckVersion(t *testing.T) {
	for v, ok := range map[string]bool{"1": true, "1.0": true, "2": true, "2.4.1": true, "3": false, "0.9": false, "latest": false} {
		err := manifest.CheckVersion(&manifest.ManifestFile{ManifestVersion: v})
		if ok {
			assert.NoError(t, err, v)
		} else {
			assert.ErrorIs(t, err, manifest.ErrUnsupportedVersion, v)
		}
	}
}

func TestProperty_SerializeParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(serialize(m)) == m", prop.ForAll(
		func(id, title, url, bodyText string, n int64) bool {
			m := &manifest.ManifestFile{
				ManifestVersion: "1",
				ID:              id,
				Title:           title,
				Description:     "generated",
				Request: manifest.Request{
					Method:  manifest.MethodPost,
					URL:     "https://example.com/" + url,
					Headers: map[string]string{"X-Id": "<% " + id + " %>"},
					Body: manifest.Object(map[string]manifest.Value{
						"text":  manifest.String(bodyText),
						"count": manifest.Int(n),
						"tags":  manifest.Array(manifest.Bool(true), manifest.Null()),
					}),
				},
				Response: manifest.Response{
					Status:  "200",
					Headers: map[string]string{},
					Body:    manifest.ResponseBody{JSON: []string{"a", id}},
				},
			}
			raw, err := manifest.Serialize(m)
			if err != nil {
				return false
			}
			back, err := manifest.Parse(raw)
			if err != nil {
				return false
			}
			return back.ID == m.ID && back.Title == m.Title &&
				back.Request.URL == m.Request.URL &&
				back.Request.Body.Equal(m.Request.Body) &&
				back.Request.Headers["X-Id"] == m.Request.Headers["X-Id"]
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
