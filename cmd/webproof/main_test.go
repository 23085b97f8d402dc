package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templatedManifest = `{
  "manifestVersion": "1",
  "id": "profile",
  "title": "Profile",
  "description": "",
  "prepareUrl": "https://x/login",
  "request": {
    "method": "GET",
    "url": "https://x/<% id %>",
    "headers": {"Authorization": "Bearer <% token %>"}
  },
  "response": {"status": "200", "headers": {}, "body": {"json": ["id"]}}
}`

const resolvedManifest = `{
  "manifestVersion": "1",
  "id": "static",
  "title": "Static",
  "description": "",
  "request": {"method": "GET", "url": "https://x/static", "headers": {}},
  "response": {"status": "200", "headers": {}, "body": {"json": []}}
}`

const preparationScript = `
function prepare(ctx, manifest) {
  if (!ctx.cookies["uid"]) { return false; }
  manifest.request.set("id", ctx.cookies["uid"].value);
  manifest.request.set("token", "t-1");
  return true;
}
`

const replayFixture = `
interval: 5ms
snapshots:
  - html: "<html><body>sign in</body></html>"
  - url: https://x/home
    html: "<html><body>welcome</body></html>"
    cookies:
      - name: uid
        value: "7"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"webproof"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "validate")
	assert.Contains(t, out, "receipts")

	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, _, _ = run()
	assert.Equal(t, 2, code)

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.json", templatedManifest)

	code, out, errOut := run("validate", "--manifest", path, "--json")
	require.Equal(t, 0, code, errOut)

	var res validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, "profile", res.ID)
	assert.Equal(t, "TEE", res.Mode)
	assert.Equal(t, []string{"id", "token"}, res.Placeholders)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, res.Digest)

	code, out, _ = run("validate", "--manifest", "file://"+path)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "profile")
	assert.Contains(t, out, "placeholders: id, token")
}

func TestValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `{"manifestVersion":"1","id":"x","request":{"method":"FETCH","url":"u","headers":{}}}`)

	code, out, _ := run("validate", "--manifest", path, "--json")
	assert.Equal(t, 1, code)
	var res validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)

	code, _, errOut := run("validate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--manifest is required")
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.json", templatedManifest)

	code, out, errOut := run("render", "--manifest", path, "--var", "id=42", "--var", "TOKEN=abc")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"url": "https://x/42"`)
	assert.Contains(t, out, `"Authorization": "Bearer abc"`)

	code, _, errOut = run("render", "--manifest", path, "--var", "id=42", "--strict")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "token")

	code, _, _ = run("render", "--manifest", path, "--var", "novalue")
	assert.Equal(t, 2, code)
}

func TestBuild_Replay(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "profile.json", templatedManifest)
	scriptPath := writeFile(t, dir, "prepare.js", preparationScript)
	fixturePath := writeFile(t, dir, "session.yaml", replayFixture)
	outPath := filepath.Join(dir, "built.json")

	code, out, errOut := run("build",
		"--manifest", manifestPath,
		"--script", scriptPath,
		"--surface", "replay",
		"--fixture", fixturePath,
		"--out", outPath,
	)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "built profile")

	built, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(built), `"url": "https://x/7"`)
	assert.Contains(t, string(built), `"Bearer t-1"`)
}

func TestBuild_Errors(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "profile.json", templatedManifest)

	code, _, errOut := run("build", "--manifest", manifestPath, "--surface", "replay")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--fixture is required")

	code, _, errOut = run("build", "--manifest", manifestPath, "--surface", "carrier-pigeon")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown surface")
}

func TestProveAndReceipts(t *testing.T) {
	var (
		mu      sync.Mutex
		configs [][]byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		configs = append(configs, body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"proof":"proof-abc"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "static.json", resolvedManifest)
	configPath := writeFile(t, dir, "webproof.yaml", `
log:
  level: ERROR
prover:
  engine: http
  endpoint: `+srv.URL+`
store:
  driver: sqlite
  dsn: `+filepath.Join(dir, "receipts.db")+`
policy:
  rules:
    - manifest.request.url.startsWith("https://")
`)

	code, out, errOut := run("prove", "--config", configPath, "--manifest", manifestPath, "--json")
	require.Equal(t, 0, code, errOut)

	var res proveResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "static", res.ManifestID)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "proof-abc", res.Proof)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, configs, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(configs[0], &sent))
	assert.Equal(t, "https://x/static", sent["target_url"])

	code, out, errOut = run("receipts", "--config", configPath, "--json")
	require.Equal(t, 0, code, errOut)
	var receipts []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &receipts))
	require.Len(t, receipts, 1)
	assert.Equal(t, "static", receipts[0]["manifest_id"])
	assert.Equal(t, "success", receipts[0]["status"])

	code, out, _ = run("receipts", "--config", configPath, "--manifest-id", "other")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "RECEIPT")
	assert.NotContains(t, out, "static")

	code, _, _ = run("receipts", "--config", configPath, "--id", "missing")
	assert.Equal(t, 1, code)
}

func TestProve_PolicyDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("engine must not be called when policy denies")
	}))
	defer srv.Close()

	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "static.json", resolvedManifest)
	configPath := writeFile(t, dir, "webproof.yaml", `
log:
  level: ERROR
prover:
  engine: http
  endpoint: `+srv.URL+`
policy:
  rules:
    - manifest.request.url.startsWith("https://bank.example/")
`)

	code, out, _ := run("prove", "--config", configPath, "--manifest", manifestPath, "--json")
	assert.Equal(t, 1, code)
	var res proveResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "failure", res.Status)
	assert.Contains(t, res.Error, "policy")
}

func TestReceipts_NoStore(t *testing.T) {
	code, _, errOut := run("receipts")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "no receipt store configured")
}

func TestProve_NoEngine(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeFile(t, dir, "static.json", resolvedManifest)
	code, _, errOut := run("prove", "--manifest", manifestPath)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "no proving engine configured")
}
