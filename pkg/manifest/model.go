// Package manifest defines the templated request/response description that
// drives session capture and configures the proving engine, together with its
// JSON parser, schema validation and variable constraints.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Method is an HTTP verb accepted in a manifest request.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
	MethodConnect Method = "CONNECT"
)

// Valid reports whether m is one of the standard HTTP verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch,
		MethodHead, MethodOptions, MethodTrace, MethodConnect:
		return true
	}
	return false
}

// Mode selects the proving strategy.
type Mode string

const (
	ModeOrigo Mode = "Origo"
	// ModeTEE proves inside a trusted execution environment.
	ModeTEE Mode = "TEE"
	ModeProxy Mode = "Proxy"
	// ModeTLSN is three-party TLS notarization.
	ModeTLSN Mode = "TLSN"
)

// DefaultMode is used when a manifest does not name a mode.
const DefaultMode = ModeTEE

// Valid reports whether m is a known proving mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOrigo, ModeTEE, ModeProxy, ModeTLSN:
		return true
	}
	return false
}

// OrDefault returns m, or DefaultMode when m is empty.
func (m Mode) OrDefault() Mode {
	if m == "" {
		return DefaultMode
	}
	return m
}

// Vars describes the value expected for a template variable.
type Vars struct {
	Type   string `json:"type,omitempty"`
	Regex  string `json:"regex,omitempty"`
	Length *int   `json:"length,omitempty"`
}

// Request is the templated HTTP request to be proven.
type Request struct {
	Method  Method            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    Value             `json:"body,omitzero"`
	Vars    map[string]Vars   `json:"vars,omitempty"`
	Extra   *RequestExtra     `json:"extra,omitempty"`
}

// RequestExtra carries additional request fields merged into the request at
// proving time. It has no Extra of its own: nesting is exactly one level deep.
type RequestExtra struct {
	Method  Method            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    Value             `json:"body,omitzero"`
	Vars    map[string]Vars   `json:"vars,omitempty"`
}

// MergedHeaders returns the request headers overlaid with extra headers.
// Extra wins on key collision.
func (r Request) MergedHeaders() map[string]string {
	merged := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		merged[k] = v
	}
	if r.Extra != nil {
		for k, v := range r.Extra.Headers {
			merged[k] = v
		}
	}
	return merged
}

// MarshalJSON always emits headers as an object, so a request built in code
// without headers serializes to a document Parse accepts.
func (r Request) MarshalJSON() ([]byte, error) {
	type plain Request
	p := plain(r)
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	return Marshal(p)
}

// ResponseBody describes where the attested value lives in a JSON response.
type ResponseBody struct {
	JSON []string `json:"json"`
}

// MarshalJSON emits a nil path as an empty array.
func (b ResponseBody) MarshalJSON() ([]byte, error) {
	type plain ResponseBody
	p := plain(b)
	if p.JSON == nil {
		p.JSON = []string{}
	}
	return Marshal(p)
}

// Response is the expected shape of the proven response.
type Response struct {
	Status  string            `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    ResponseBody      `json:"body"`
}

// MarshalJSON emits nil headers as an empty object.
func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	p := plain(r)
	if p.Headers == nil {
		p.Headers = map[string]string{}
	}
	return Marshal(p)
}

// ManifestFile is the unit of work: a templated request/response description.
type ManifestFile struct {
	ManifestVersion string   `json:"manifestVersion"`
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	PrepareURL      string   `json:"prepareUrl,omitempty"`
	Mode            Mode     `json:"mode,omitempty"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	DebugLogs       []string `json:"debugLogs,omitempty"`
}

// Validate checks the invariants that hold for every manifest, whether parsed
// or constructed in code.
func (m *ManifestFile) Validate() error {
	if m == nil {
		return &ValidationError{Code: ErrCodeMissingField, Message: "manifest is nil"}
	}
	if strings.TrimSpace(m.ManifestVersion) == "" {
		return &ValidationError{Code: ErrCodeMissingField, Message: "manifestVersion must not be empty", Field: "manifestVersion"}
	}
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Code: ErrCodeMissingField, Message: "id must not be empty", Field: "id"}
	}
	if m.Mode != "" && !m.Mode.Valid() {
		return &ValidationError{Code: ErrCodeInvalidField, Message: fmt.Sprintf("unknown mode %q", m.Mode), Field: "mode"}
	}
	if !m.Request.Method.Valid() {
		return &ValidationError{Code: ErrCodeInvalidField, Message: fmt.Sprintf("unknown method %q", m.Request.Method), Field: "request.method"}
	}
	if m.Request.Extra != nil && m.Request.Extra.Method != "" && !m.Request.Extra.Method.Valid() {
		return &ValidationError{Code: ErrCodeInvalidField, Message: fmt.Sprintf("unknown method %q", m.Request.Extra.Method), Field: "request.extra.method"}
	}
	if err := validateVars("request.vars", m.Request.Vars); err != nil {
		return err
	}
	if m.Request.Extra != nil {
		return validateVars("request.extra.vars", m.Request.Extra.Vars)
	}
	return nil
}

func validateVars(field string, vars map[string]Vars) error {
	for name, v := range vars {
		if v.Length != nil && *v.Length < 0 {
			return &ValidationError{Code: ErrCodeInvalidField, Message: fmt.Sprintf("variable %q has negative length", name), Field: field}
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m *ManifestFile) Clone() (*ManifestFile, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("clone manifest: %w", err)
	}
	var out ManifestFile
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone manifest: %w", err)
	}
	return &out, nil
}
