package injector

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/Mindburn-Labs/webproof/pkg/builder"
	"github.com/Mindburn-Labs/webproof/pkg/capture"
	"github.com/Mindburn-Labs/webproof/pkg/manifest"
)

//go:embed harness/harness.js.tmpl
var harnessSource string

var harnessTemplate = template.Must(template.New("harness").Parse(harnessSource))

type harnessData struct {
	Script       string
	ManifestJSON string
	CookiesJSON  string
	DocumentJSON string
	URLJSON      string
}

// Program builds the sandbox program for one evaluation round: the caller's
// preparation script, a builder over manifestJSON and a context made from
// snap. The program posts exactly one verdict message.
func Program(script string, manifestJSON []byte, snap capture.Snapshot) (string, error) {
	manifestLit, err := manifest.Marshal(string(manifestJSON))
	if err != nil {
		return "", fmt.Errorf("harness: encode manifest: %w", err)
	}
	cookies := snap.Cookies
	if cookies == nil {
		cookies = map[string]capture.Cookie{}
	}
	cookiesLit, err := manifest.Marshal(cookies)
	if err != nil {
		return "", fmt.Errorf("harness: encode cookies: %w", err)
	}
	docLit, err := manifest.Marshal(snap.DocumentHTML)
	if err != nil {
		return "", fmt.Errorf("harness: encode document: %w", err)
	}
	urlLit, err := manifest.Marshal(snap.URL)
	if err != nil {
		return "", fmt.Errorf("harness: encode url: %w", err)
	}

	var buf bytes.Buffer
	err = harnessTemplate.Execute(&buf, harnessData{
		Script:       script,
		ManifestJSON: string(manifestLit),
		CookiesJSON:  string(cookiesLit),
		DocumentJSON: string(docLit),
		URLJSON:      string(urlLit),
	})
	if err != nil {
		return "", fmt.Errorf("harness: render: %w", err)
	}
	return buf.String(), nil
}

// verdict is the message a harness program posts. Failures is set when a
// ready answer was withheld because a substitution failed.
type verdict struct {
	IsReady  *bool             `json:"isReady"`
	Manifest json.RawMessage   `json:"manifest"`
	Error    *string           `json:"error"`
	Failures []builder.Failure `json:"failures"`
}

// withheld summarizes the failures that turned a ready answer into not-ready.
func (v verdict) withheld() string {
	if len(v.Failures) == 0 {
		return ""
	}
	parts := make([]string, 0, len(v.Failures))
	for _, f := range v.Failures {
		parts = append(parts, fmt.Sprintf("%s.set(%q): %s", f.Section, f.Name, f.Message))
	}
	return strings.Join(parts, "; ")
}

func decodeVerdict(msg []byte) (verdict, error) {
	var v verdict
	if err := json.Unmarshal(msg, &v); err != nil {
		return verdict{}, err
	}
	if v.Error == nil && v.IsReady == nil {
		return verdict{}, fmt.Errorf("message has neither isReady nor error")
	}
	return v, nil
}

// manifestBytes accepts the manifest either as a JSON object or as a string
// holding serialized JSON.
func (v verdict) manifestBytes() ([]byte, error) {
	raw := bytes.TrimSpace(v.Manifest)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("ready verdict carries no manifest")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return raw, nil
}
